package steps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/testsupport"
)

func TestFrameTimestamps(t *testing.T) {
	ts, err := steps.FrameTimestamps(100, 5, 95, 10)
	require.NoError(t, err)
	require.Equal(t, []float64{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}, ts)

	ts, err = steps.FrameTimestamps(30, 0, 100, 50)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 15, 30}, ts)

	_, err = steps.FrameTimestamps(0, 5, 95, 10)
	require.ErrorIs(t, err, steps.ErrUnknownDuration)
	_, err = steps.FrameTimestamps(100, 50, 40, 10)
	require.ErrorIs(t, err, steps.ErrInvalidWindow)
	_, err = steps.FrameTimestamps(100, 5, 95, 0)
	require.ErrorIs(t, err, steps.ErrInvalidWindow)
}

func TestExtractFrames_RunThenCleanTwice(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	media := &fakeMedia{}
	step := steps.NewExtractFrames(env.Runtime, media)

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{steps.TagDuration: "100.000"})
	// An unrelated object under the same prefix must survive cleaning.
	env.PutObject(t, "derived/master.mp4/notes.txt", []byte("keep"), nil)

	rec := env.Record(t, e, steps.KindExtractFrames, nil)
	sc := env.StepContext(t, rec, step)
	require.Equal(t, 10.0, sc.Payload["gap"])

	out, err := step.Run(ctx, sc)
	require.NoError(t, err)
	require.Equal(t, status.Success, out.Status)
	require.Equal(t, 10, media.extracted())
	require.Len(t, env.Keys(t, "derived/master.mp4/frames/"), 10)
	require.Contains(t, env.Keys(t, "derived/master.mp4/"), steps.PreviewKey("master.mp4"))

	tags, err := env.Objects.Tags(ctx, sc.Target.Sibling(steps.FrameKey("master.mp4", 5)))
	require.NoError(t, err)
	require.Equal(t, steps.DerivedFrame, tags[steps.TagKind])
	require.Equal(t, "5.000", tags[steps.TagTimestamp])

	require.NoError(t, step.Clean(ctx, sc))
	require.NoError(t, step.Clean(ctx, sc))
	require.Equal(t, []string{"derived/master.mp4/notes.txt"}, env.Keys(t, "derived/master.mp4/"))
}

func TestExtractFrames_CustomWindow(t *testing.T) {
	env := testsupport.NewEnv(t)
	media := &fakeMedia{}
	step := steps.NewExtractFrames(env.Runtime, media)

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{steps.TagDuration: "60.000"})
	rec := env.Record(t, e, steps.KindExtractFrames, db.Payload{"start": 0, "end": 50, "gap": 25})

	_, err := step.Run(context.Background(), env.StepContext(t, rec, step))
	require.NoError(t, err)
	require.Equal(t, []string{
		"derived/master.mp4/frames/0.000.jpg",
		"derived/master.mp4/frames/15.000.jpg",
		"derived/master.mp4/frames/30.000.jpg",
	}, env.Keys(t, "derived/master.mp4/frames/"))
}

func TestExtractFrames_UnknownDuration(t *testing.T) {
	env := testsupport.NewEnv(t)
	step := steps.NewExtractFrames(env.Runtime, &fakeMedia{})

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), nil)
	rec := env.Record(t, e, steps.KindExtractFrames, nil)

	_, err := step.Run(context.Background(), env.StepContext(t, rec, step))
	require.ErrorIs(t, err, steps.ErrUnknownDuration)
}

func TestExtractFrames_CleanKeyNeedingTagRewrite(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	step := steps.NewExtractFrames(env.Runtime, &fakeMedia{})

	const key = "uploads/My Clip (2024).mp4"
	e := env.Entity(t, nil)
	env.PutObject(t, key, []byte("video"), map[string]string{steps.TagDuration: "100.000"})
	// Frames of a nested master share the prefix and must survive.
	env.PutObject(t, steps.FrameKey(key+"/inner.mp4", 5), []byte("jpg"), map[string]string{
		steps.TagMaster: key + "/inner.mp4",
		steps.TagKind:   steps.DerivedFrame,
	})

	rec := env.Record(t, e, steps.KindExtractFrames, db.Payload{"key": key})
	sc := env.StepContext(t, rec, step)
	_, err := step.Run(ctx, sc)
	require.NoError(t, err)
	require.Len(t, env.Keys(t, steps.DerivedPrefix(key)+"frames/"), 10)

	require.NoError(t, step.Clean(ctx, sc))
	require.NoError(t, step.Clean(ctx, sc))
	require.Equal(t, []string{steps.FrameKey(key+"/inner.mp4", 5)}, env.Keys(t, steps.DerivedPrefix(key)))
}
