package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"thirdcoast.systems/reel/internal/encoding"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/worker"
)

type Quality struct {
	Name   string
	Width  int
	Height int
}

// Qualities is the table of delivery resolutions, smallest first.
var Qualities = []Quality{
	{Name: "240p", Width: 426, Height: 240},
	{Name: "360p", Width: 640, Height: 360},
	{Name: "480p", Width: 854, Height: 480},
	{Name: "720p", Width: 1280, Height: 720},
	{Name: "1080p", Width: 1920, Height: 1080},
	{Name: "2160p", Width: 3840, Height: 2160},
}

func LookupQuality(name string) (Quality, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, q := range Qualities {
		if q.Name == name {
			return q, nil
		}
	}
	return Quality{}, fmt.Errorf("%w: %q", ErrUnknownQuality, name)
}

// Transcodable reports whether q does not upscale a width x height source.
// The short side of the source is compared with the quality's line count;
// a zero dimension is unknown, and with both unknown every quality passes.
func (q Quality) Transcodable(width, height int) bool {
	short := 0
	switch {
	case width > 0 && height > 0:
		short = min(width, height)
	case width > 0:
		short = width
	case height > 0:
		short = height
	default:
		return true
	}
	return q.Height <= short
}

func TranscodePrefix(master string) string {
	return DerivedPrefix(master) + "transcode/"
}

func QualityPrefix(master, quality string) string {
	return TranscodePrefix(master) + quality + "/"
}

// TranscodeJobKey holds the marker object whose tags carry the encoder job
// handle for one quality.
func TranscodeJobKey(master, quality string) string {
	return QualityPrefix(master, quality) + "job"
}

// Transcode hands one quality of the master to the encoding service. The
// record stays STARTED until the service's completion is resolved.
type Transcode struct {
	rt *worker.Runtime
}

func NewTranscode(rt *worker.Runtime) *Transcode {
	return &Transcode{rt: rt}
}

var _ worker.RecordFactory = (*Transcode)(nil)

func (s *Transcode) Kind() string { return KindTranscode }

func (s *Transcode) DescribePayload(in worker.Payload) worker.Payload {
	out := describeKey(in)
	for _, k := range []string{"quality", "qualities"} {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (s *Transcode) qualities(p worker.Payload) []string {
	if qs, ok := p.Strings("qualities"); ok && len(qs) > 0 {
		return qs
	}
	if q, ok := p.String("qualities"); ok && q != "" {
		return strings.Split(q, ",")
	}
	return s.rt.Settings.TranscodeQualities
}

// sourceDims reads width and height from the payload, falling back to the
// tags of the source object when both bucket and key are known.
func (s *Transcode) sourceDims(ctx context.Context, p worker.Payload) (int, int) {
	w := int(floatOr(p, TagWidth, 0))
	h := int(floatOr(p, TagHeight, 0))
	if w > 0 || h > 0 {
		return w, h
	}
	bucket, _ := p.String("bucket")
	key, _ := p.String("key")
	if bucket == "" || key == "" {
		return 0, 0
	}
	version, _ := p.String("version_id")
	tags, err := s.rt.Objects.Tags(ctx, objectstore.Ref{Bucket: bucket, Key: key, VersionID: version})
	if err != nil {
		return 0, 0
	}
	return tagInt(tags, TagWidth), tagInt(tags, TagHeight)
}

func tagInt(tags map[string]string, key string) int {
	n, err := strconv.Atoi(tags[key])
	if err != nil {
		return 0
	}
	return n
}

// StepRecords creates one record per requested quality. Qualities that
// would upscale a source of known size are created already CANCELED.
func (s *Transcode) StepRecords(ctx context.Context, spec worker.RecordSpec) ([]worker.RecordSpec, error) {
	if q, ok := spec.Args.String("quality"); ok && q != "" {
		if _, err := LookupQuality(q); err != nil {
			return nil, err
		}
		return []worker.RecordSpec{spec}, nil
	}

	merged := spec.Payload.Merge(spec.Args)
	width, height := s.sourceDims(ctx, merged)

	var out []worker.RecordSpec
	seen := map[string]bool{}
	for _, name := range s.qualities(merged) {
		q, err := LookupQuality(name)
		if err != nil {
			return nil, err
		}
		if seen[q.Name] {
			continue
		}
		seen[q.Name] = true

		args := spec.Args.Merge(worker.Payload{"quality": q.Name})
		delete(args, "qualities")
		rs := worker.RecordSpec{
			Kind:    spec.Kind,
			Args:    args,
			Payload: spec.Payload.Merge(args),
		}
		if !q.Transcodable(width, height) {
			rs.Status = status.Canceled
			rs.Message = fmt.Sprintf("source %dx%d is smaller than %s", width, height, q.Name)
		}
		out = append(out, rs)
	}
	return out, nil
}

func (s *Transcode) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	if err := requireTarget(sc); err != nil {
		return worker.Outcome{}, err
	}
	name, ok := sc.Payload.String("quality")
	if !ok || name == "" {
		return worker.Outcome{}, fmt.Errorf("%w: quality", ErrMissingInput)
	}
	q, err := LookupQuality(name)
	if err != nil {
		return worker.Outcome{}, err
	}

	width, height := tagInt(sc.TargetTags, TagWidth), tagInt(sc.TargetTags, TagHeight)
	if !q.Transcodable(width, height) {
		return worker.Skipped(fmt.Sprintf("source %dx%d is smaller than %s", width, height, q.Name)), nil
	}
	if s.rt.Encoder == nil {
		return worker.Outcome{}, fmt.Errorf("%w: encoder", ErrMissingInput)
	}

	master := sc.Target.Key
	handle, err := s.rt.Encoder.Submit(ctx, encoding.SubmitRequest{
		Bucket:       sc.Target.Bucket,
		Key:          master,
		VersionID:    sc.Target.VersionID,
		OutputPrefix: QualityPrefix(master, q.Name),
		Renditions:   []encoding.Rendition{{Name: q.Name, Width: q.Width, Height: q.Height}},
		CallbackRef:  sc.StepID.String(),
	})
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("submit %s transcode: %w", q.Name, err)
	}

	tags := derivedTags(master, DerivedTranscodeJob)
	tags[TagQuality] = q.Name
	tags[TagEncoderJob] = handle
	ref := sc.Target.Sibling(TranscodeJobKey(master, q.Name))
	err = objectstore.WithUnlockedBucket(ctx, s.rt.Objects, sc.Target.Bucket, func() error {
		_, err := s.rt.Objects.Put(ctx, ref, strings.NewReader(handle), int64(len(handle)), objectstore.PutOptions{
			ContentType: "text/plain",
			Tags:        tags,
		})
		return err
	})
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("record %s job handle: %w", q.Name, err)
	}

	sc.Logger.Info("transcode submitted", "quality", q.Name, "job", handle)
	return worker.Running(map[string]any{"quality": q.Name, "job": handle}), nil
}

// Clean removes everything under the quality's prefix, or under the whole
// transcode prefix when the record names no quality.
func (s *Transcode) Clean(ctx context.Context, sc *worker.StepContext) error {
	if sc.Target.Key == "" {
		return nil
	}
	prefix := TranscodePrefix(sc.Target.Key)
	if name, ok := sc.Payload.String("quality"); ok && name != "" {
		prefix = QualityPrefix(sc.Target.Key, name)
	}
	var deleted []string
	err := objectstore.WithUnlockedBucket(ctx, s.rt.Objects, sc.Target.Bucket, func() error {
		var err error
		deleted, err = objectstore.DeletePrefix(ctx, s.rt.Objects, sc.Target.Bucket, prefix, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("clean transcode output %s: %w", prefix, err)
	}
	sc.Logger.Info("transcode output removed", "prefix", prefix, "count", len(deleted))
	return nil
}
