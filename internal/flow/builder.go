// Package flow assembles pipeline runs into staged step records, drives them
// through the worker pool and restarts, cleans or cancels single steps.
package flow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/taskstore"
)

var (
	ErrUnknownPipeline = errors.New("flow: unknown pipeline kind")
	ErrEmptyPipeline   = errors.New("flow: pipeline has no stages")
)

// StepSpec names one step of a stage and its arguments.
type StepSpec struct {
	Kind string
	Args taskstore.Payload
}

func Spec(kind string, args taskstore.Payload) StepSpec {
	return StepSpec{Kind: kind, Args: args}
}

// Builder collects the ordered stage list of a pipeline. Each stage is one
// step or a parallel group.
type Builder struct {
	stages [][]StepSpec
	err    error
}

// Step appends a stage holding a single step.
func (b *Builder) Step(kind string, args taskstore.Payload) *Builder {
	return b.Parallel(Spec(kind, args))
}

// Parallel appends a fan-out stage. The next stage waits for every member.
func (b *Builder) Parallel(specs ...StepSpec) *Builder {
	if b.err != nil {
		return b
	}
	if len(specs) == 0 {
		b.err = errors.New("flow: empty parallel stage")
		return b
	}
	for _, s := range specs {
		if s.Kind == "" {
			b.err = fmt.Errorf("flow: stage %d: empty step kind", len(b.stages))
			return b
		}
	}
	b.stages = append(b.stages, append([]StepSpec(nil), specs...))
	return b
}

func (b *Builder) Stages() ([][]StepSpec, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stages) == 0 {
		return nil, ErrEmptyPipeline
	}
	return b.stages, nil
}

// BuildFunc fills b with the stages of run.
type BuildFunc func(b *Builder, run *taskstore.Run) error

// Definitions maps pipeline kinds to their build functions.
type Definitions struct {
	mu     sync.RWMutex
	builds map[string]BuildFunc
}

func NewDefinitions() *Definitions {
	return &Definitions{builds: map[string]BuildFunc{}}
}

func (d *Definitions) Register(kind string, fn BuildFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builds[kind] = fn
}

func (d *Definitions) Lookup(kind string) (BuildFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.builds[kind]
	return fn, ok
}

func (d *Definitions) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.builds))
	for k := range d.builds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const (
	PipelineVideo     = "video"
	PipelineReprocess = "reprocess"
)

// DefaultDefinitions registers the video and reprocess pipelines.
func DefaultDefinitions() *Definitions {
	d := NewDefinitions()
	d.Register(PipelineVideo, BuildVideo)
	d.Register(PipelineReprocess, BuildReprocess)
	return d
}

// BuildVideo downloads source_uri, probes it, then derives frames, chapter
// frames and transcodes in parallel.
func BuildVideo(b *Builder, run *taskstore.Run) error {
	if src, _ := run.Payload.String("source_uri"); src == "" {
		return fmt.Errorf("%s pipeline: source_uri is required", PipelineVideo)
	}
	b.Step(steps.KindDownload, nil)
	return BuildReprocess(b, run)
}

// BuildReprocess works from a master that is already stored.
func BuildReprocess(b *Builder, run *taskstore.Run) error {
	if key, _ := run.Payload.String("key"); key == "" {
		return fmt.Errorf("%s pipeline: key is required", run.Name)
	}
	b.Step(steps.KindExtractMetadata, nil).
		Parallel(
			Spec(steps.KindExtractFrames, nil),
			Spec(steps.KindExtractChapterFrames, nil),
			Spec(steps.KindTranscode, nil),
		)
	return nil
}
