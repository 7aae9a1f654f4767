package ffmpeg

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keepFiles = flag.Bool("keep", false, "keep generated test files for inspection")

func TestCommandBuild(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		output   string
		opts     []Option
		wantArgs []string
	}{
		{
			name:   "single frame",
			input:  "master.mp4",
			output: "frame.jpg",
			opts:   []Option{Frames(1), Seek(5 * time.Second), Quality(3)},
			wantArgs: []string{
				"-hide_banner", "-y",
				"-ss", "5.000",
				"-i", "master.mp4",
				"-frames:v", "1",
				"-q:v", "3",
				"frame.jpg",
			},
		},
		{
			name:   "filters are joined",
			input:  "in.mp4",
			output: "out.jpg",
			opts:   []Option{Scale(320, -2), Tile(3, 2)},
			wantArgs: []string{
				"-hide_banner", "-y",
				"-i", "in.mp4",
				"-vf", "scale=320:-2,tile=3x2",
				"out.jpg",
			},
		},
		{
			name:   "log level goes first",
			input:  "frame-%04d.jpg",
			output: "preview.jpg",
			opts:   []Option{InputFormat("image2"), StartNumber(0), LogLevel("error")},
			wantArgs: []string{
				"-hide_banner", "-y",
				"-loglevel", "error",
				"-f", "image2",
				"-start_number", "0",
				"-i", "frame-%04d.jpg",
				"preview.jpg",
			},
		},
		{
			name:   "duration and extra args",
			input:  "in.mp4",
			output: "out.mp4",
			opts:   []Option{Duration(1500 * time.Millisecond), NoAudio, ExtraArgs("-c:v", "copy")},
			wantArgs: []string{
				"-hide_banner", "-y",
				"-i", "in.mp4",
				"-t", "1.500",
				"-an",
				"-c:v", "copy",
				"out.mp4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewCommand(tt.input, tt.output, tt.opts...).Build()
			assert.Equal(t, tt.wantArgs, got)
		})
	}
}

func TestFitFilter(t *testing.T) {
	got := NewCommand("in", "out", Fit(320, 180)).Build()
	assert.Contains(t, got, "scale=320:180:force_original_aspect_ratio=decrease,pad=320:180:(ow-iw)/2:(oh-ih)/2")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0.000"},
		{100 * time.Millisecond, "0.100"},
		{1500 * time.Millisecond, "1.500"},
		{time.Hour + 30*time.Minute + 45*time.Second + 500*time.Millisecond, "5445.500"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Seconds(0.1))
	assert.Equal(t, 95*time.Second, Seconds(95))
	assert.Equal(t, 62500*time.Millisecond, Seconds(62.5))
}

func TestTileGrid(t *testing.T) {
	tests := []struct {
		n, cols, rows int
	}{
		{0, 1, 1},
		{1, 1, 1},
		{4, 2, 2},
		{10, 4, 3},
		{12, 4, 3},
		{17, 5, 4},
	}
	for _, tt := range tests {
		cols, rows := TileGrid(tt.n)
		assert.Equal(t, tt.cols, cols, "cols for %d", tt.n)
		assert.Equal(t, tt.rows, rows, "rows for %d", tt.n)
		if tt.n > 0 {
			assert.GreaterOrEqual(t, cols*rows, tt.n)
		}
	}
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 640, "height": 360, "r_frame_rate": "30000/1001"},
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "audio", "codec_name": "opus"}
		],
		"format": {"format_name": "mov,mp4,m4a", "duration": "120.500000", "size": "1048576", "bit_rate": "69905"}
	}`)

	got, err := ParseProbe(raw)
	require.NoError(t, err)
	assert.Equal(t, 640, got.Width)
	assert.Equal(t, 360, got.Height)
	assert.InDelta(t, 29.97, got.FPS, 0.01)
	assert.InDelta(t, 120.5, got.Duration, 0.0001)
	assert.Equal(t, int64(69905), got.Bitrate)
	assert.Equal(t, 2, got.AudioStreams)
	assert.Equal(t, "h264,aac", got.Codecs())

	_, err = ParseProbe([]byte("not json"))
	require.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	e := &Error{
		Args:   []string{"-i", "x.mp4", "out.jpg"},
		Stderr: "line1\nline2\nline3\nx.mp4: No such file or directory\n",
		Err:    errors.New("exit status 1"),
	}
	assert.Equal(t, "ffmpeg: exit status 1: line2\nline3\nx.mp4: No such file or directory", e.Error())
	assert.Equal(t, "ffmpeg -i x.mp4 out.jpg", e.Command())

	var target *Error
	require.True(t, errors.As(error(e), &target))
}

// Integration tests below need ffmpeg and ffprobe on PATH.

func requireTools(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	for _, bin := range []string{FFmpegPath, FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

func outputDir(t *testing.T) string {
	t.Helper()
	if !*keepFiles {
		return t.TempDir()
	}
	dir := filepath.Join(".", "testdata", "artifacts", t.Name())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	t.Logf("Keeping test files in: %s", dir)
	return dir
}

// generateTestVideo renders ffmpeg's testsrc2 pattern into an mp4.
func generateTestVideo(t *testing.T, dir string, duration time.Duration) string {
	t.Helper()
	output := filepath.Join(dir, "master.mp4")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	durStr := formatDuration(duration)
	args := []string{
		"-hide_banner", "-y",
		"-f", "lavfi", "-i", "testsrc2=duration=" + durStr + ":size=320x240:rate=30",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=" + durStr,
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "28",
		"-c:a", "aac", "-b:a", "64k",
		"-pix_fmt", "yuv420p",
		"-shortest",
		output,
	}
	proc, err := Start(ctx, args)
	require.NoError(t, err)
	require.NoError(t, proc.Wait(), "stderr: %s", proc.Stderr())
	return output
}

func TestIntegration_Probe(t *testing.T) {
	requireTools(t)
	dir := outputDir(t)
	input := generateTestVideo(t, dir, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := Probe(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 320, result.Width)
	assert.Equal(t, 240, result.Height)
	assert.InDelta(t, 2.0, result.Duration, 0.5)
	assert.InDelta(t, 30.0, result.FPS, 1.0)
	assert.Equal(t, "h264,aac", result.Codecs())
	assert.Contains(t, result.FormatName, "mp4")
}

func TestIntegration_ProbeMissingFile(t *testing.T) {
	requireTools(t)
	_, err := Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	var ffErr *Error
	require.ErrorAs(t, err, &ffErr)
	assert.Equal(t, FFprobePath, ffErr.Tool)
}

func TestIntegration_FramesAndTile(t *testing.T) {
	requireTools(t)
	dir := outputDir(t)
	input := generateTestVideo(t, dir, 3*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i, at := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		out := filepath.Join(dir, "frame-000"+string(rune('0'+i))+".jpg")
		require.NoError(t, ExtractFrame(ctx, input, out, at, &FrameOptions{MaxWidth: 160}))
		info, err := os.Stat(out)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	preview := filepath.Join(dir, "preview.jpg")
	require.NoError(t, TileImages(ctx, filepath.Join(dir, "frame-%04d.jpg"), preview, &TileOptions{Count: 3, CellWidth: 160, CellHeight: 120}))

	result, err := Probe(ctx, preview)
	require.NoError(t, err)
	assert.Equal(t, 320, result.Width)
	assert.Equal(t, 240, result.Height)
}

func TestIntegration_ContextCancelKills(t *testing.T) {
	requireTools(t)
	output := filepath.Join(outputDir(t), "canceled.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := Start(ctx, []string{
		"-hide_banner", "-y",
		"-f", "lavfi", "-i", "testsrc2=duration=60:size=640x480:rate=30",
		"-c:v", "libx264", "-preset", "veryslow",
		output,
	})
	require.NoError(t, err)
	cancel()

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process survived context cancel")
	}
	assert.Error(t, proc.Wait())
}
