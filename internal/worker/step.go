// Package worker runs step bodies inside a lifecycle wrapper that persists
// status transitions, triggers reindexing and advances the owning run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/taskstore"
)

var ErrUnknownKind = errors.New("worker: unknown step kind")

type Payload = taskstore.Payload

// Step is one kind of pipeline work.
type Step interface {
	Kind() string
	Run(ctx context.Context, sc *StepContext) (Outcome, error)
	// Clean undoes the side effects of Run. It must be safe to repeat.
	Clean(ctx context.Context, sc *StepContext) error
	// DescribePayload returns the step-specific keys of the full payload,
	// with defaults applied, from a record's stored payload.
	DescribePayload(in Payload) Payload
}

// RecordSpec describes one step record to create at assembly.
type RecordSpec struct {
	Kind string
	Args Payload
	// Payload is the run payload merged with Args.
	Payload Payload
	// Status pre-resolves the record (for example CANCELED) when non-empty.
	Status  status.Status
	Message string
}

// RecordFactory is implemented by steps that expand into more than one
// record per stage slot.
type RecordFactory interface {
	StepRecords(ctx context.Context, spec RecordSpec) ([]RecordSpec, error)
}

// Outcome is what a step body reports on normal return. The zero value is
// SUCCESS with no result.
type Outcome struct {
	Status status.Status
	Result any
}

func Succeeded(result any) Outcome { return Outcome{Status: status.Success, Result: result} }

// Running leaves the record STARTED; an external collaborator resolves it.
func Running(result any) Outcome { return Outcome{Status: status.Started, Result: result} }

func Skipped(reason string) Outcome { return Outcome{Status: status.Canceled, Result: reason} }

func (o Outcome) status() status.Status {
	if o.Status == "" {
		return status.Success
	}
	return o.Status
}

// Stringify renders a step result or error as a record message.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Label turns a step kind into a display label ("extract_frames" -> "Extract Frames").
func Label(kind string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(kind, "_", " "))
}

type Registry struct {
	steps map[string]Step
	kinds []string
}

func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{steps: map[string]Step{}}
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(s Step) error {
	kind := s.Kind()
	if kind == "" {
		return errors.New("register step: empty kind")
	}
	if _, dup := r.steps[kind]; dup {
		return fmt.Errorf("register step: duplicate kind %q", kind)
	}
	r.steps[kind] = s
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *Registry) Lookup(kind string) (Step, bool) {
	s, ok := r.steps[kind]
	return s, ok
}

// Kinds lists registered kinds in registration order.
func (r *Registry) Kinds() []string {
	return append([]string(nil), r.kinds...)
}

// StepRecords expands spec through the step's RecordFactory, or returns it
// unchanged when the step has none.
func (r *Registry) StepRecords(ctx context.Context, spec RecordSpec) ([]RecordSpec, error) {
	s, ok := r.Lookup(spec.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if f, ok := s.(RecordFactory); ok {
		return f.StepRecords(ctx, spec)
	}
	return []RecordSpec{spec}, nil
}
