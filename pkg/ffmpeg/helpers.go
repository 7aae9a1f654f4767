package ffmpeg

import (
	"context"
	"math"
	"strconv"
	"time"
)

type FrameOptions struct {
	MaxWidth int // default 1280
	Quality  int // -q:v, default 3
}

// ExtractFrame writes the frame at offset `at` to output as a still image.
func ExtractFrame(ctx context.Context, input, output string, at time.Duration, opts *FrameOptions) error {
	if opts == nil {
		opts = &FrameOptions{}
	}
	if opts.MaxWidth == 0 {
		opts.MaxWidth = 1280
	}
	if opts.Quality == 0 {
		opts.Quality = 3
	}
	return Run(ctx, input, output,
		LogLevel("error"),
		Seek(at),
		Filter("scale='min("+strconv.Itoa(opts.MaxWidth)+",iw)':-2"),
		Frames(1),
		Quality(opts.Quality),
		NoAudio,
	)
}

type TileOptions struct {
	Count      int // number of images in the sequence
	CellWidth  int // default 320
	CellHeight int // default 180
	Quality    int // default 4
}

// TileGrid picks the column and row count for n cells, as close to square
// as possible with columns first.
func TileGrid(n int) (cols, rows int) {
	if n <= 0 {
		return 1, 1
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}

// TileImages combines an image sequence (a printf pattern such as
// "frame-%04d.jpg", numbered from 0) into a single grid image.
func TileImages(ctx context.Context, pattern, output string, opts *TileOptions) error {
	if opts == nil {
		opts = &TileOptions{}
	}
	if opts.CellWidth == 0 {
		opts.CellWidth = 320
	}
	if opts.CellHeight == 0 {
		opts.CellHeight = 180
	}
	if opts.Quality == 0 {
		opts.Quality = 4
	}
	cols, rows := TileGrid(opts.Count)
	return Run(ctx, pattern, output,
		LogLevel("error"),
		InputFormat("image2"),
		StartNumber(0),
		Fit(opts.CellWidth, opts.CellHeight),
		Tile(cols, rows),
		Frames(1),
		Quality(opts.Quality),
	)
}
