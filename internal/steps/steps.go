// Package steps holds the concrete pipeline steps: download, metadata
// probing, frame and chapter-frame extraction, and transcode hand-off.
package steps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/worker"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

const (
	KindDownload             = "download"
	KindExtractMetadata      = "extract_metadata"
	KindExtractFrames        = "extract_frames"
	KindExtractChapterFrames = "extract_chapter_frames"
	KindTranscode            = "transcode"
)

var (
	ErrUnknownDuration = errors.New("steps: source duration unknown")
	ErrNoContentLength = errors.New("steps: source did not report a content length")
	ErrTooLarge        = errors.New("steps: source exceeds size limit")
	ErrMissingInput    = errors.New("steps: missing input")
	ErrInvalidWindow   = errors.New("steps: invalid frame window")
	ErrUnknownQuality  = errors.New("steps: unknown quality")
)

// Object tag keys.
const (
	TagMaster     = "master"
	TagKind       = "kind"
	TagTimestamp  = "timestamp"
	TagSHA256     = "sha256"
	TagDuration   = "duration"
	TagBitRate    = "bit_rate"
	TagWidth      = "width"
	TagHeight     = "height"
	TagFrameRate  = "frame_rate"
	TagCodecs     = "codecs"
	TagFormat     = "format"
	TagQuality    = "quality"
	TagEncoderJob = "encoder_job"
)

// Values of TagKind on derived objects.
const (
	DerivedFrame        = "frame"
	DerivedPreview      = "preview"
	DerivedChapterFrame = "chapter-frame"
	DerivedChapterIndex = "chapter-index"
	DerivedTranscodeJob = "transcode-job"
)

// Media is the probing and frame-grabbing toolchain.
type Media interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
	ExtractFrame(ctx context.Context, input, output string, at time.Duration) error
	// TileImages joins count images named by a printf pattern, numbered
	// from 0, into one grid image.
	TileImages(ctx context.Context, pattern, output string, count int) error
}

// FFmpeg is the Media backed by the ffmpeg and ffprobe binaries.
type FFmpeg struct{}

func (FFmpeg) Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
	return ffmpeg.Probe(ctx, path)
}

func (FFmpeg) ExtractFrame(ctx context.Context, input, output string, at time.Duration) error {
	return ffmpeg.ExtractFrame(ctx, input, output, at, nil)
}

func (FFmpeg) TileImages(ctx context.Context, pattern, output string, count int) error {
	return ffmpeg.TileImages(ctx, pattern, output, &ffmpeg.TileOptions{Count: count})
}

// All returns every step kind, bound to rt.
func All(rt *worker.Runtime, media Media, client *http.Client) []worker.Step {
	return []worker.Step{
		NewDownload(rt, client),
		NewExtractMetadata(rt, media),
		NewExtractFrames(rt, media),
		NewExtractChapterFrames(rt, media),
		NewTranscode(rt),
	}
}

func NewRegistry(rt *worker.Runtime, media Media, client *http.Client) (*worker.Registry, error) {
	return worker.NewRegistry(All(rt, media, client)...)
}

// DerivedPrefix is the key prefix of every object derived from master.
func DerivedPrefix(master string) string {
	return "derived/" + strings.TrimPrefix(master, "/") + "/"
}

func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 3, 64)
}

func derivedTags(master, kind string) map[string]string {
	return map[string]string{TagMaster: master, TagKind: kind}
}

// duration reads the duration tag written by ExtractMetadata.
func duration(tags map[string]string) (float64, error) {
	d, err := strconv.ParseFloat(tags[TagDuration], 64)
	if err != nil || d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDuration, tags[TagDuration])
	}
	return d, nil
}

func requireTarget(sc *worker.StepContext) error {
	if sc.Target.Key == "" {
		return fmt.Errorf("%w: key", ErrMissingInput)
	}
	return nil
}

// putFile uploads a local file.
func putFile(ctx context.Context, store objectstore.Store, ref objectstore.Ref, path, contentType string, tags map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	if _, err := store.Put(ctx, ref, f, st.Size(), objectstore.PutOptions{ContentType: contentType, Tags: tags}); err != nil {
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	return nil
}

// ownedBy reports whether a derived object's tags point back at master.
// Stores rewrite tag values, so the comparison is against the stored form.
func ownedBy(tags map[string]string, master string) bool {
	return tags[TagMaster] == objectstore.SanitizeTagValue(master)
}

// deleteDerived removes derived objects of master under prefix whose kind
// tag is one of kinds and for which keep returns false.
func deleteDerived(ctx context.Context, store objectstore.Store, bucket, master, prefix string, kinds []string, keep func(tags map[string]string) bool) ([]string, error) {
	var deleted []string
	err := objectstore.WithUnlockedBucket(ctx, store, bucket, func() error {
		var err error
		deleted, err = objectstore.DeletePrefix(ctx, store, bucket, prefix, func(_ string, tags map[string]string) bool {
			if !ownedBy(tags, master) {
				return false
			}
			matched := false
			for _, k := range kinds {
				if tags[TagKind] == k {
					matched = true
					break
				}
			}
			return matched && (keep == nil || !keep(tags))
		})
		return err
	})
	return deleted, err
}

// floats reads a numeric list from a payload.
func floats(p worker.Payload, key string) []float64 {
	raw, ok := p[key].([]any)
	if !ok {
		if fs, ok := p[key].([]float64); ok {
			return fs
		}
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		single := worker.Payload{"v": v}
		if f, ok := single.Float("v"); ok {
			out = append(out, f)
		}
	}
	return out
}

func floatOr(p worker.Payload, key string, def float64) float64 {
	if f, ok := p.Float(key); ok {
		return f
	}
	if s, ok := p.String(key); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return def
}

func describeKey(in worker.Payload) worker.Payload {
	out := worker.Payload{}
	for _, k := range []string{"key", "bucket", "version_id"} {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out
}
