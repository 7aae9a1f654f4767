package ffmpeg

import "fmt"

type ScaleFilter struct {
	Width  int // -1 keeps aspect, -2 keeps aspect with an even result
	Height int
}

func (s ScaleFilter) String() string {
	return fmt.Sprintf("scale=%d:%d", s.Width, s.Height)
}

func Scale(width, height int) Option {
	return Filter(ScaleFilter{width, height}.String())
}

// Fit scales into width x height and pads the remainder, so every cell of
// a tile grid has the same size.
func Fit(width, height int) Option {
	return OptionFunc(func(cmd *Command) {
		Filter(fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height)).Apply(cmd)
		Filter(fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height)).Apply(cmd)
	})
}

func Tile(cols, rows int) Option {
	return Filter(fmt.Sprintf("tile=%dx%d", cols, rows))
}
