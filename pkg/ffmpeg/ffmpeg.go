// Package ffmpeg builds and runs ffmpeg and ffprobe invocations.
package ffmpeg

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Command is an ffmpeg invocation with one input and one output.
type Command struct {
	input     string
	output    string
	preInput  []string // before -i: input seeking, demuxer options
	postInput []string
	filters   []string // joined into -vf
}

// Option modifies a Command. Options may be given in any order; Build puts
// each argument where ffmpeg expects it.
type Option interface {
	Apply(cmd *Command)
}

type OptionFunc func(cmd *Command)

func (f OptionFunc) Apply(cmd *Command) { f(cmd) }

func NewCommand(input, output string, opts ...Option) *Command {
	cmd := &Command{
		input:  input,
		output: output,
	}
	for _, opt := range opts {
		opt.Apply(cmd)
	}
	return cmd
}

// Build returns the argument list, without the binary name.
func (c *Command) Build() []string {
	args := []string{"-hide_banner", "-y"}
	args = append(args, c.preInput...)
	args = append(args, "-i", c.input)
	args = append(args, c.postInput...)
	if len(c.filters) > 0 {
		args = append(args, "-vf", strings.Join(c.filters, ","))
	}
	return append(args, c.output)
}

func (c *Command) Run(ctx context.Context) error {
	return run(ctx, c.Build())
}

// Start launches the command. The caller must Wait or Kill the process.
func (c *Command) Start(ctx context.Context) (*Process, error) {
	return Start(ctx, c.Build())
}

func Run(ctx context.Context, input, output string, opts ...Option) error {
	return NewCommand(input, output, opts...).Run(ctx)
}

// Seek positions the input before decoding (fast, keyframe-accurate on
// modern ffmpeg).
func Seek(at time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append(cmd.preInput, "-ss", formatDuration(at))
	})
}

func Duration(d time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-t", formatDuration(d))
	})
}

// InputFormat forces the demuxer (-f before -i).
func InputFormat(name string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append(cmd.preInput, "-f", name)
	})
}

// StartNumber sets the first index of an image sequence input.
func StartNumber(n int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append(cmd.preInput, "-start_number", strconv.Itoa(n))
	})
}

func Filter(f string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.filters = append(cmd.filters, f)
	})
}

// Frames limits the number of video frames written (-frames:v).
func Frames(n int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-frames:v", strconv.Itoa(n))
	})
}

// Quality sets image quality (-q:v, 2 best to 31 worst).
func Quality(q int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-q:v", strconv.Itoa(q))
	})
}

var NoAudio Option = OptionFunc(func(cmd *Command) {
	cmd.postInput = append(cmd.postInput, "-an")
})

func LogLevel(level string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append([]string{"-loglevel", level}, cmd.preInput...)
	})
}

// ExtraArgs appends raw output arguments.
func ExtraArgs(args ...string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, args...)
	})
}

// formatDuration renders seconds with millisecond precision.
func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// Seconds converts a float timestamp to a Duration, rounded to the millisecond.
func Seconds(s float64) time.Duration {
	return time.Duration(s*1000+0.5) * time.Millisecond
}
