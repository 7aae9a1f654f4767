package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/worker"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

// MetadataPath is where probe results land in the entity document.
const MetadataPath = "/extracted_metadata"

// ExtractMetadata probes the target and records the result as object tags
// and on the owning entity.
type ExtractMetadata struct {
	rt    *worker.Runtime
	media Media
}

func NewExtractMetadata(rt *worker.Runtime, media Media) *ExtractMetadata {
	return &ExtractMetadata{rt: rt, media: media}
}

func (s *ExtractMetadata) Kind() string { return KindExtractMetadata }

func (s *ExtractMetadata) DescribePayload(in worker.Payload) worker.Payload {
	return describeKey(in)
}

func (s *ExtractMetadata) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	if err := requireTarget(sc); err != nil {
		return worker.Outcome{}, err
	}

	path, release, err := objectstore.Materialize(ctx, s.rt.Objects, sc.Target, s.rt.Settings.ScratchDir)
	if err != nil {
		return worker.Outcome{}, err
	}
	defer release()
	if err := sc.OnTerminate(release); err != nil {
		return worker.Outcome{}, err
	}

	probe, err := s.media.Probe(ctx, path)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("probe %s: %w", sc.Target, err)
	}
	tags := MetadataTags(probe)

	err = objectstore.WithUnlockedBucket(ctx, s.rt.Objects, sc.Target.Bucket, func() error {
		return s.rt.Objects.UpdateTags(ctx, sc.Target, tags)
	})
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("tag %s: %w", sc.Target, err)
	}

	meta := metadataDocument(probe)
	patch := entity.Patch{entity.Add(MetadataPath, meta)}
	if _, err := entity.PatchWithRetry(ctx, s.rt.Entities, sc.EntityID, patch, s.rt.Settings.PatchRetry); err != nil {
		return worker.Outcome{}, err
	}

	sc.Logger.Info("metadata extracted", "duration", probe.Duration, "width", probe.Width, "height", probe.Height)
	return worker.Succeeded(meta), nil
}

// Clean removes the patched field. Object tags are left in place.
func (s *ExtractMetadata) Clean(ctx context.Context, sc *worker.StepContext) error {
	patch := entity.Patch{entity.Remove(MetadataPath)}
	_, err := entity.PatchWithRetry(ctx, s.rt.Entities, sc.EntityID, patch, s.rt.Settings.PatchRetry)
	return err
}

// MetadataTags renders probe attributes as object tags. Zero values are
// omitted so a missing stream does not read as a real zero.
func MetadataTags(p *ffmpeg.ProbeResult) map[string]string {
	tags := map[string]string{}
	if p.Duration > 0 {
		tags[TagDuration] = FormatTimestamp(p.Duration)
	}
	if p.Bitrate > 0 {
		tags[TagBitRate] = strconv.FormatInt(p.Bitrate, 10)
	}
	if p.Width > 0 {
		tags[TagWidth] = strconv.Itoa(p.Width)
	}
	if p.Height > 0 {
		tags[TagHeight] = strconv.Itoa(p.Height)
	}
	if p.FPS > 0 {
		tags[TagFrameRate] = strconv.FormatFloat(p.FPS, 'f', 3, 64)
	}
	if c := p.Codecs(); c != "" {
		// Commas are not valid in tag values.
		tags[TagCodecs] = strings.ReplaceAll(c, ",", "+")
	}
	if p.FormatName != "" {
		tags[TagFormat] = strings.ReplaceAll(p.FormatName, ",", "+")
	}
	return tags
}

func metadataDocument(p *ffmpeg.ProbeResult) map[string]any {
	return map[string]any{
		"duration":      p.Duration,
		"bit_rate":      p.Bitrate,
		"width":         p.Width,
		"height":        p.Height,
		"frame_rate":    p.FPS,
		"video_codec":   p.VideoCodec,
		"audio_codec":   p.AudioCodec,
		"format":        p.FormatName,
		"size":          p.Size,
		"video_streams": p.VideoStreams,
		"audio_streams": p.AudioStreams,
	}
}
