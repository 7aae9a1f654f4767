package steps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/testsupport"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

func probeResult() *ffmpeg.ProbeResult {
	return &ffmpeg.ProbeResult{
		Duration:   30,
		Bitrate:    1_000_000,
		Size:       3_750_000,
		FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
		Width:      640,
		Height:     360,
		FPS:        25,
		VideoCodec: "h264",
		AudioCodec: "aac",
	}
}

func TestExtractMetadata_PatchesThroughConflicts(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	step := steps.NewExtractMetadata(env.Runtime, &fakeMedia{probe: probeResult()})

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{steps.TagSHA256: "abc"})
	rec := env.Record(t, e, steps.KindExtractMetadata, nil)
	sc := env.StepContext(t, rec, step)

	env.Entities.InjectConflicts(2)
	_, err := step.Run(ctx, sc)
	require.NoError(t, err)

	tags, err := env.Objects.Tags(ctx, sc.Target)
	require.NoError(t, err)
	require.Equal(t, "abc", tags[steps.TagSHA256])
	require.Equal(t, "30.000", tags[steps.TagDuration])
	require.Equal(t, "640", tags[steps.TagWidth])
	require.Equal(t, "h264+aac", tags[steps.TagCodecs])

	got, err := env.Entities.Get(ctx, e.ID)
	require.NoError(t, err)
	meta, ok := got.Document["extracted_metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 360.0, meta["height"])

	require.NoError(t, step.Clean(ctx, sc))
	require.NoError(t, step.Clean(ctx, sc))
	got, err = env.Entities.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotContains(t, got.Document, "extracted_metadata")
}

func TestExtractMetadata_ConflictRetriesExhausted(t *testing.T) {
	env := testsupport.NewEnv(t)
	step := steps.NewExtractMetadata(env.Runtime, &fakeMedia{probe: probeResult()})

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), nil)
	rec := env.Record(t, e, steps.KindExtractMetadata, nil)

	env.Entities.InjectConflicts(10)
	_, err := step.Run(context.Background(), env.StepContext(t, rec, step))
	require.ErrorIs(t, err, entity.ErrConflictRetriesExhausted)
}
