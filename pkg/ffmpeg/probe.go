package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult is the subset of ffprobe output the pipeline records.
type ProbeResult struct {
	Duration   float64 // seconds
	Bitrate    int64   // bits per second, whole container
	Size       int64
	FormatName string

	Width      int
	Height     int
	FPS        float64
	VideoCodec string
	AudioCodec string

	VideoStreams int
	AudioStreams int
}

// Codecs lists the first video and audio codec names, comma separated.
func (r *ProbeResult) Codecs() string {
	var out []string
	if r.VideoCodec != "" {
		out = append(out, r.VideoCodec)
	}
	if r.AudioCodec != "" {
		out = append(out, r.AudioCodec)
	}
	return strings.Join(out, ",")
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

func Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-hide_banner",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, FFprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &Error{Tool: FFprobePath, Args: args, Stderr: stderr.String(), Err: err}
	}
	return ParseProbe(stdout.Bytes())
}

// ParseProbe decodes ffprobe's -print_format json output.
func ParseProbe(raw []byte) (*ProbeResult, error) {
	var output ffprobeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("ffprobe: parse output: %w", err)
	}

	result := &ProbeResult{FormatName: output.Format.FormatName}
	result.Duration, _ = strconv.ParseFloat(output.Format.Duration, 64)
	result.Bitrate, _ = strconv.ParseInt(output.Format.BitRate, 10, 64)
	result.Size, _ = strconv.ParseInt(output.Format.Size, 10, 64)

	for _, stream := range output.Streams {
		switch stream.CodecType {
		case "video":
			result.VideoStreams++
			if result.VideoCodec == "" {
				result.Width = stream.Width
				result.Height = stream.Height
				result.VideoCodec = stream.CodecName
				result.FPS = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			result.AudioStreams++
			if result.AudioCodec == "" {
				result.AudioCodec = stream.CodecName
			}
		}
	}
	return result, nil
}

// parseFrameRate reads ffprobe's rational rates ("30/1", "30000/1001").
func parseFrameRate(rate string) float64 {
	var num, den int
	if _, err := fmt.Sscanf(rate, "%d/%d", &num, &den); err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
