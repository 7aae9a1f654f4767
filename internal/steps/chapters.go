package steps

import (
	"context"
	"fmt"
	"html"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/worker"
	"thirdcoast.systems/reel/pkg/ffmpeg"
)

const (
	// ChapterStartOffset replaces a 0:00 marker; the very first frame is
	// often black.
	ChapterStartOffset = 0.1
	// ChapterTolerance is how close an existing chapter frame must be to
	// count as covering a chapter.
	ChapterTolerance = 0.1
)

var (
	descriptionPolicy = bluemonday.StrictPolicy()
	lineBreaks        = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</li>|</div>`)
	chapterLine       = regexp.MustCompile(`^\s*((?:\d+:)?\d{1,2}:\d{2})\s+(?:[-|:\x{2013}\x{2014}]\s*)?(\S.*?)\s*$`)
)

type Chapter struct {
	Start float64
	Title string
}

// ParseChapters reads "<timestamp> <title>" lines from a description that
// may contain HTML. Results are ordered by start; duplicate starts keep the
// first title.
func ParseChapters(description string) []Chapter {
	text := lineBreaks.ReplaceAllString(description, "\n")
	text = html.UnescapeString(descriptionPolicy.Sanitize(text))

	var out []Chapter
	for _, line := range strings.Split(text, "\n") {
		m := chapterLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, ok := parseClock(m[1])
		if !ok {
			continue
		}
		if start == 0 {
			start = ChapterStartOffset
		}
		out = append(out, Chapter{Start: start, Title: m[2]})
	}
	slices.SortStableFunc(out, func(a, b Chapter) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return slices.CompactFunc(out, func(a, b Chapter) bool { return a.Start == b.Start })
}

// parseClock accepts m:ss, mm:ss and h:mm:ss.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		if i > 0 && n >= 60 {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}

// Cue is one chapter window, [Start, End).
type Cue struct {
	Start float64
	End   float64
	Title string
}

// ChapterCues drops chapters past duration and closes each window at the
// next chapter, the last one at duration.
func ChapterCues(chapters []Chapter, duration float64) []Cue {
	var kept []Chapter
	for _, c := range chapters {
		if c.Start <= duration {
			kept = append(kept, c)
		}
	}
	cues := make([]Cue, 0, len(kept))
	for i, c := range kept {
		end := duration
		if i+1 < len(kept) {
			end = kept[i+1].Start
		}
		cues = append(cues, Cue{Start: c.Start, End: end, Title: c.Title})
	}
	return cues
}

func RenderWebVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for i, c := range cues {
		fmt.Fprintf(&b, "\n%d\n%s --> %s\n%s\n", i+1, vttTime(c.Start), vttTime(c.End), c.Title)
	}
	return b.String()
}

func vttTime(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

func ChapterFrameKey(master string, ts float64) string {
	return DerivedPrefix(master) + "chapters/" + FormatTimestamp(ts) + ".jpg"
}

func ChapterIndexKey(master string) string {
	return DerivedPrefix(master) + "chapters.vtt"
}

func covered(ts float64, existing []float64, tolerance float64) bool {
	for _, e := range existing {
		if math.Abs(e-ts) <= tolerance+1e-9 {
			return true
		}
	}
	return false
}

// ExtractChapterFrames grabs one frame per chapter marker in the entity
// description and keeps a WebVTT chapter index next to them.
type ExtractChapterFrames struct {
	rt    *worker.Runtime
	media Media
}

func NewExtractChapterFrames(rt *worker.Runtime, media Media) *ExtractChapterFrames {
	return &ExtractChapterFrames{rt: rt, media: media}
}

func (s *ExtractChapterFrames) Kind() string { return KindExtractChapterFrames }

func (s *ExtractChapterFrames) DescribePayload(in worker.Payload) worker.Payload {
	out := describeKey(in)
	if v, ok := in["valid_timestamps"]; ok {
		out["valid_timestamps"] = v
	}
	return out
}

// existing returns the timestamps of chapter frames already stored for master.
func (s *ExtractChapterFrames) existing(ctx context.Context, ref objectstore.Ref) ([]float64, error) {
	objs, err := s.rt.Objects.List(ctx, ref.Bucket, DerivedPrefix(ref.Key)+"chapters/")
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, o := range objs {
		tags, err := s.rt.Objects.Tags(ctx, o.Ref)
		if err != nil || !ownedBy(tags, ref.Key) || tags[TagKind] != DerivedChapterFrame {
			continue
		}
		if ts, err := strconv.ParseFloat(tags[TagTimestamp], 64); err == nil {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (s *ExtractChapterFrames) Run(ctx context.Context, sc *worker.StepContext) (worker.Outcome, error) {
	if err := requireTarget(sc); err != nil {
		return worker.Outcome{}, err
	}
	dur, err := duration(sc.TargetTags)
	if err != nil {
		return worker.Outcome{}, err
	}

	cues := ChapterCues(ParseChapters(sc.Entity.Description()), dur)
	if len(cues) == 0 {
		return worker.Succeeded("no chapters"), nil
	}

	have, err := s.existing(ctx, sc.Target)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("list chapter frames: %w", err)
	}
	var todo []float64
	for _, c := range cues {
		if !covered(c.Start, have, ChapterTolerance) {
			todo = append(todo, c.Start)
			have = append(have, c.Start)
		}
	}

	workdir, err := os.MkdirTemp(s.rt.Settings.ScratchDir, "chapters-*")
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(workdir)
	if err := sc.OnTerminate(func() { _ = os.RemoveAll(workdir) }); err != nil {
		return worker.Outcome{}, err
	}

	var frames []string
	if len(todo) > 0 {
		input, release, err := objectstore.Materialize(ctx, s.rt.Objects, sc.Target, workdir)
		if err != nil {
			return worker.Outcome{}, err
		}
		defer release()
		for i, ts := range todo {
			out := filepath.Join(workdir, fmt.Sprintf("chapter-%04d.jpg", i))
			if err := s.media.ExtractFrame(ctx, input, out, ffmpeg.Seconds(ts)); err != nil {
				return worker.Outcome{}, fmt.Errorf("chapter frame at %s: %w", FormatTimestamp(ts), err)
			}
			frames = append(frames, out)
		}
	}

	master := sc.Target.Key
	store := s.rt.Objects
	index := RenderWebVTT(cues)
	err = objectstore.WithUnlockedBucket(ctx, store, sc.Target.Bucket, func() error {
		for i, ts := range todo {
			tags := derivedTags(master, DerivedChapterFrame)
			tags[TagTimestamp] = FormatTimestamp(ts)
			if err := putFile(ctx, store, sc.Target.Sibling(ChapterFrameKey(master, ts)), frames[i], "image/jpeg", tags); err != nil {
				return err
			}
		}
		ref := sc.Target.Sibling(ChapterIndexKey(master))
		_, err := store.Put(ctx, ref, strings.NewReader(index), int64(len(index)), objectstore.PutOptions{
			ContentType: "text/vtt",
			Tags:        derivedTags(master, DerivedChapterIndex),
		})
		return err
	})
	if err != nil {
		return worker.Outcome{}, err
	}

	sc.Logger.Info("chapter frames extracted", "chapters", len(cues), "extracted", len(todo))
	return worker.Succeeded(map[string]any{
		"chapters":  len(cues),
		"extracted": len(todo),
		"index":     ChapterIndexKey(master),
	}), nil
}

// Clean deletes chapter frames whose timestamp is not in valid_timestamps.
// With no valid timestamps the chapter index goes too.
func (s *ExtractChapterFrames) Clean(ctx context.Context, sc *worker.StepContext) error {
	if sc.Target.Key == "" {
		return nil
	}
	valid := floats(sc.Payload, "valid_timestamps")
	kinds := []string{DerivedChapterFrame}
	if len(valid) == 0 {
		kinds = append(kinds, DerivedChapterIndex)
	}
	keep := func(tags map[string]string) bool {
		if tags[TagKind] != DerivedChapterFrame {
			return false
		}
		ts, err := strconv.ParseFloat(tags[TagTimestamp], 64)
		return err == nil && covered(ts, valid, 0.0005)
	}
	deleted, err := deleteDerived(ctx, s.rt.Objects, sc.Target.Bucket, sc.Target.Key,
		DerivedPrefix(sc.Target.Key)+"chapters", kinds, keep)
	if err != nil {
		return fmt.Errorf("clean chapter frames of %s: %w", sc.Target, err)
	}
	sc.Logger.Info("chapter frames removed", "count", len(deleted), "kept", len(valid))
	return nil
}
