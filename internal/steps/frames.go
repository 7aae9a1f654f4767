package steps

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/worker"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

// Frame window defaults, in percent of the duration.
const (
	DefaultFrameStart = 5.0
	DefaultFrameEnd   = 95.0
	DefaultFrameGap   = 10.0
)

const frameWorkers = 4

// FrameTimestamps spreads stills across [start%, end%] of duration, one
// every gap%.
func FrameTimestamps(duration, start, end, gap float64) ([]float64, error) {
	if duration <= 0 {
		return nil, ErrUnknownDuration
	}
	if gap <= 0 || start < 0 || end > 100 || start > end {
		return nil, fmt.Errorf("%w: start=%g end=%g gap=%g", ErrInvalidWindow, start, end, gap)
	}
	n := int(math.Floor((end-start)/gap+1e-9)) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		pct := start + float64(i)*gap
		out = append(out, math.Round(duration*pct/100*1000)/1000)
	}
	return out, nil
}

func FrameKey(master string, ts float64) string {
	return DerivedPrefix(master) + "frames/" + FormatTimestamp(ts) + ".jpg"
}

func PreviewKey(master string) string {
	return DerivedPrefix(master) + "preview.jpg"
}

// ExtractFrames grabs evenly spaced stills and a tiled preview.
type ExtractFrames struct {
	rt    *worker.Runtime
	media Media
}

func NewExtractFrames(rt *worker.Runtime, media Media) *ExtractFrames {
	return &ExtractFrames{rt: rt, media: media}
}

func (s *ExtractFrames) Kind() string { return KindExtractFrames }

func (s *ExtractFrames) DescribePayload(in worker.Payload) worker.Payload {
	out := describeKey(in)
	out["start"] = floatOr(in, "start", DefaultFrameStart)
	out["end"] = floatOr(in, "end", DefaultFrameEnd)
	out["gap"] = floatOr(in, "gap", DefaultFrameGap)
	return out
}

func (s *ExtractFrames) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	if err := requireTarget(sc); err != nil {
		return worker.Outcome{}, err
	}
	dur, err := duration(sc.TargetTags)
	if err != nil {
		return worker.Outcome{}, err
	}
	timestamps, err := FrameTimestamps(dur,
		floatOr(sc.Payload, "start", DefaultFrameStart),
		floatOr(sc.Payload, "end", DefaultFrameEnd),
		floatOr(sc.Payload, "gap", DefaultFrameGap),
	)
	if err != nil {
		return worker.Outcome{}, err
	}

	workdir, err := os.MkdirTemp(s.rt.Settings.ScratchDir, "frames-*")
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(workdir)

	input, release, err := objectstore.Materialize(ctx, s.rt.Objects, sc.Target, workdir)
	if err != nil {
		return worker.Outcome{}, err
	}
	defer release()
	if err := sc.OnTerminate(func() { _ = os.RemoveAll(workdir) }); err != nil {
		return worker.Outcome{}, err
	}

	framePath := func(i int) string { return filepath.Join(workdir, fmt.Sprintf("frame-%04d.jpg", i)) }

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(frameWorkers)
	for i, ts := range timestamps {
		g.Go(func() error {
			if err := s.media.ExtractFrame(gctx, input, framePath(i), ffmpeg.Seconds(ts)); err != nil {
				return fmt.Errorf("frame at %s: %w", FormatTimestamp(ts), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return worker.Outcome{}, err
	}

	preview := filepath.Join(workdir, "preview.jpg")
	if err := s.media.TileImages(ctx, filepath.Join(workdir, "frame-%04d.jpg"), preview, len(timestamps)); err != nil {
		return worker.Outcome{}, fmt.Errorf("preview: %w", err)
	}

	master := sc.Target.Key
	store := s.rt.Objects
	err = objectstore.WithUnlockedBucket(ctx, store, sc.Target.Bucket, func() error {
		for i, ts := range timestamps {
			tags := derivedTags(master, DerivedFrame)
			tags[TagTimestamp] = FormatTimestamp(ts)
			if err := putFile(ctx, store, sc.Target.Sibling(FrameKey(master, ts)), framePath(i), "image/jpeg", tags); err != nil {
				return err
			}
		}
		return putFile(ctx, store, sc.Target.Sibling(PreviewKey(master)), preview, "image/jpeg", derivedTags(master, DerivedPreview))
	})
	if err != nil {
		return worker.Outcome{}, err
	}

	sc.Logger.Info("frames extracted", "count", len(timestamps), "duration", dur)
	return worker.Succeeded(map[string]any{
		"frames":  len(timestamps),
		"preview": PreviewKey(master),
	}), nil
}

func (s *ExtractFrames) Clean(ctx context.Context, sc *worker.StepContext) error {
	if sc.Target.Key == "" {
		return nil
	}
	deleted, err := deleteDerived(ctx, s.rt.Objects, sc.Target.Bucket, sc.Target.Key,
		DerivedPrefix(sc.Target.Key), []string{DerivedFrame, DerivedPreview}, nil)
	if err != nil {
		return fmt.Errorf("clean frames of %s: %w", sc.Target, err)
	}
	sc.Logger.Info("frames removed", "count", len(deleted))
	return nil
}
