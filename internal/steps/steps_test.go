package steps_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/testsupport"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

// fakeMedia writes placeholder files instead of running ffmpeg.
type fakeMedia struct {
	mu     sync.Mutex
	probe  *ffmpeg.ProbeResult
	frames []time.Duration
}

func (f *fakeMedia) Probe(context.Context, string) (*ffmpeg.ProbeResult, error) {
	if f.probe == nil {
		return nil, fmt.Errorf("no probe configured")
	}
	return f.probe, nil
}

func (f *fakeMedia) ExtractFrame(_ context.Context, _, output string, at time.Duration) error {
	f.mu.Lock()
	f.frames = append(f.frames, at)
	f.mu.Unlock()
	return os.WriteFile(output, []byte("frame@"+at.String()), 0o644)
}

func (f *fakeMedia) TileImages(_ context.Context, _, output string, count int) error {
	return os.WriteFile(output, []byte(fmt.Sprintf("tile of %d", count)), 0o644)
}

func (f *fakeMedia) extracted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestRegistryHasEveryKind(t *testing.T) {
	env := testsupport.NewEnv(t)
	reg, err := steps.NewRegistry(env.Runtime, &fakeMedia{}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		steps.KindDownload,
		steps.KindExtractMetadata,
		steps.KindExtractFrames,
		steps.KindExtractChapterFrames,
		steps.KindTranscode,
	}, reg.Kinds())
}

func TestDerivedKeys(t *testing.T) {
	require.Equal(t, "derived/videos/a.mp4/", steps.DerivedPrefix("/videos/a.mp4"))
	require.Equal(t, "derived/a.mp4/frames/12.500.jpg", steps.FrameKey("a.mp4", 12.5))
	require.Equal(t, "derived/a.mp4/chapters/0.100.jpg", steps.ChapterFrameKey("a.mp4", 0.1))
	require.Equal(t, "derived/a.mp4/chapters.vtt", steps.ChapterIndexKey("a.mp4"))
	require.Equal(t, "derived/a.mp4/transcode/480p/job", steps.TranscodeJobKey("a.mp4", "480p"))
}

func TestMetadataTags(t *testing.T) {
	tags := steps.MetadataTags(&ffmpeg.ProbeResult{
		Duration:   30,
		Bitrate:    800_000,
		Width:      640,
		Height:     360,
		FPS:        29.97,
		FormatName: "mov,mp4",
	})
	require.Equal(t, "30.000", tags[steps.TagDuration])
	require.Equal(t, "800000", tags[steps.TagBitRate])
	require.Equal(t, "640", tags[steps.TagWidth])
	require.Equal(t, "29.970", tags[steps.TagFrameRate])
	require.NotContains(t, tags, steps.TagCodecs)
}
