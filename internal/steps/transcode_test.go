package steps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/testsupport"
	"thirdcoast.systems/reel/internal/worker"
)

func TestQualityTranscodable(t *testing.T) {
	q, err := steps.LookupQuality("480p")
	require.NoError(t, err)
	require.True(t, q.Transcodable(640, 0))
	require.True(t, q.Transcodable(1920, 1080))
	require.True(t, q.Transcodable(480, 854))
	require.False(t, q.Transcodable(640, 360))
	require.True(t, q.Transcodable(0, 0))

	_, err = steps.LookupQuality("4k")
	require.ErrorIs(t, err, steps.ErrUnknownQuality)
}

func TestTranscode_StepRecords(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	step := steps.NewTranscode(env.Runtime)

	t.Run("source width 640", func(t *testing.T) {
		recs, err := step.StepRecords(ctx, worker.RecordSpec{
			Kind:    steps.KindTranscode,
			Payload: db.Payload{"key": "master.mp4", "width": 640},
		})
		require.NoError(t, err)
		require.Len(t, recs, 3)

		var pending []string
		for _, r := range recs {
			q, _ := r.Args.String("quality")
			require.Equal(t, q, r.Payload["quality"])
			if r.Status == "" {
				pending = append(pending, q)
				continue
			}
			require.Equal(t, "1080p", q)
			require.Equal(t, status.Canceled, r.Status)
		}
		require.Equal(t, []string{"240p", "480p"}, pending)
	})

	t.Run("dimensions from source tags", func(t *testing.T) {
		env.PutObject(t, "small.mp4", []byte("video"), map[string]string{steps.TagWidth: "426", steps.TagHeight: "240"})
		recs, err := step.StepRecords(ctx, worker.RecordSpec{
			Kind:    steps.KindTranscode,
			Args:    db.Payload{"qualities": []any{"240p", "480p"}},
			Payload: db.Payload{"bucket": testsupport.Bucket, "key": "small.mp4"},
		})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Empty(t, recs[0].Status)
		require.Equal(t, status.Canceled, recs[1].Status)
		require.NotContains(t, recs[1].Args, "qualities")
	})

	t.Run("unknown dimensions keep every quality", func(t *testing.T) {
		recs, err := step.StepRecords(ctx, worker.RecordSpec{Kind: steps.KindTranscode, Payload: db.Payload{"key": "master.mp4"}})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for _, r := range recs {
			require.Empty(t, r.Status)
		}
	})

	t.Run("unknown quality", func(t *testing.T) {
		_, err := step.StepRecords(ctx, worker.RecordSpec{
			Kind: steps.KindTranscode,
			Args: db.Payload{"qualities": "240p,8k"},
		})
		require.ErrorIs(t, err, steps.ErrUnknownQuality)
	})
}

func TestTranscode_RunAndClean(t *testing.T) {
	ctx := context.Background()
	env := testsupport.NewEnv(t)
	step := steps.NewTranscode(env.Runtime)

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{steps.TagWidth: "1920", steps.TagHeight: "1080"})
	rec := env.Record(t, e, steps.KindTranscode, db.Payload{"quality": "480p"})
	sc := env.StepContext(t, rec, step)

	out, err := step.Run(ctx, sc)
	require.NoError(t, err)
	require.Equal(t, status.Started, out.Status)

	reqs := env.Encoder.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "derived/master.mp4/transcode/480p/", reqs[0].OutputPrefix)
	require.Equal(t, rec.ID.String(), reqs[0].CallbackRef)
	require.Equal(t, 854, reqs[0].Renditions[0].Width)

	tags, err := env.Objects.Tags(ctx, sc.Target.Sibling(steps.TranscodeJobKey("master.mp4", "480p")))
	require.NoError(t, err)
	require.Equal(t, "job-1", tags[steps.TagEncoderJob])
	require.Equal(t, "480p", tags[steps.TagQuality])

	// Output the encoder would have written.
	env.PutObject(t, "derived/master.mp4/transcode/480p/index.m3u8", []byte("#EXTM3U"), nil)

	require.NoError(t, step.Clean(ctx, sc))
	require.NoError(t, step.Clean(ctx, sc))
	require.Empty(t, env.Keys(t, "derived/master.mp4/"))
}

func TestTranscode_SkipsUpscale(t *testing.T) {
	env := testsupport.NewEnv(t)
	step := steps.NewTranscode(env.Runtime)

	e := env.Entity(t, nil)
	env.PutObject(t, "master.mp4", []byte("video"), map[string]string{steps.TagWidth: "640", steps.TagHeight: "360"})
	rec := env.Record(t, e, steps.KindTranscode, db.Payload{"quality": "1080p"})

	out, err := step.Run(context.Background(), env.StepContext(t, rec, step))
	require.NoError(t, err)
	require.Equal(t, status.Canceled, out.Status)
	require.Empty(t, env.Encoder.Requests())
}
