package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Binary names resolved through PATH.
var (
	FFmpegPath  = "ffmpeg"
	FFprobePath = "ffprobe"
)

// Process is a running ffmpeg.
type Process struct {
	cmd    *exec.Cmd
	args   []string
	done   chan struct{}
	err    error
	stderr bytes.Buffer
}

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stderr is complete once Wait returns.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Start launches ffmpeg with args. Canceling ctx kills the process.
func Start(ctx context.Context, args []string) (*Process, error) {
	cmd := exec.CommandContext(ctx, FFmpegPath, args...)
	p := &Process{
		cmd:  cmd,
		args: args,
		done: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, &Error{Tool: FFmpegPath, Args: args, Err: err}
	}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			p.err = &Error{Tool: FFmpegPath, Args: args, Stderr: p.stderr.String(), Err: err}
		}
	}()
	return p, nil
}

func run(ctx context.Context, args []string) error {
	proc, err := Start(ctx, args)
	if err != nil {
		return err
	}
	return proc.Wait()
}

// Error is a failed ffmpeg or ffprobe invocation.
type Error struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

// Error reports the last three stderr lines; FullStderr has the rest.
func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	tail := strings.Join(lines, "\n")
	if tail != "" {
		return fmt.Sprintf("%s: %v: %s", e.tool(), e.Err, tail)
	}
	return fmt.Sprintf("%s: %v", e.tool(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) FullStderr() string {
	return e.Stderr
}

func (e *Error) Command() string {
	return e.tool() + " " + strings.Join(e.Args, " ")
}

func (e *Error) tool() string {
	if e.Tool == "" {
		return "ffmpeg"
	}
	return e.Tool
}
