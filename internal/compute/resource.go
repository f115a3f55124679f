// Package compute wraps the heavy, stateful transform step.
//
// A Backend is not safe for concurrent use. Resource is the single point of
// mutual exclusion in front of it: every compute call and every configuration
// change runs inside the same one-slot semaphore, so no frame ever observes a
// half-applied configuration.
package compute

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"dstream/internal/control"
	"dstream/internal/types"
)

var ErrCompute = errors.New("compute failed")

const (
	DefaultSteps         = 50
	DefaultGuidanceScale = 1.2
)

// Params is the configuration the backend renders under.
type Params struct {
	Prompt         string  `cbor:"prompt" json:"prompt"`
	NegativePrompt string  `cbor:"negative_prompt" json:"negative_prompt"`
	Steps          int     `cbor:"steps" json:"steps"`
	GuidanceScale  float64 `cbor:"guidance_scale" json:"guidance_scale"`
}

type Backend interface {
	Compute(ctx context.Context, img *image.RGBA, params Params) (*image.RGBA, error)
}

// Preparer is implemented by backends with expensive per-configuration setup.
type Preparer interface {
	Prepare(ctx context.Context, params Params) error
}

type Resource struct {
	sem     *semaphore.Weighted
	backend Backend
	params  atomic.Pointer[Params]
	calls   atomic.Uint64
}

func NewResource(backend Backend, initial Params) *Resource {
	r := &Resource{
		sem:     semaphore.NewWeighted(1),
		backend: backend,
	}
	r.params.Store(&initial)
	return r
}

// Prepare applies the current configuration to the backend, e.g. at startup.
func (r *Resource) Prepare(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return r.prepare(ctx, *r.params.Load())
}

// Configure replaces the prompt configuration. It waits for any in-flight
// compute call and takes effect from the next one.
func (r *Resource) Configure(ctx context.Context, update control.Update) (Params, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Params{}, err
	}
	defer r.sem.Release(1)

	current := *r.params.Load()
	msg := update.Apply(types.ControlMessage{Prompt: current.Prompt, NegativePrompt: current.NegativePrompt})
	next := current
	next.Prompt = msg.Prompt
	next.NegativePrompt = msg.NegativePrompt
	if err := r.prepare(ctx, next); err != nil {
		return current, err
	}
	r.params.Store(&next)
	return next, nil
}

// Run invokes the backend under the current configuration.
func (r *Resource) Run(ctx context.Context, img *image.RGBA) (*image.RGBA, Params, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, Params{}, err
	}
	defer r.sem.Release(1)

	params := *r.params.Load()
	r.calls.Add(1)
	out, err := r.call(ctx, img, params)
	if err != nil {
		return nil, params, err
	}
	if out == nil {
		return nil, params, fmt.Errorf("%w: backend returned no image", ErrCompute)
	}
	return out, params, nil
}

func (r *Resource) Params() Params {
	return *r.params.Load()
}

func (r *Resource) Calls() uint64 {
	return r.calls.Load()
}

func (r *Resource) prepare(ctx context.Context, params Params) (err error) {
	p, ok := r.backend.(Preparer)
	if !ok {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: prepare panicked: %v", ErrCompute, rec)
		}
	}()
	if err := p.Prepare(ctx, params); err != nil {
		return fmt.Errorf("%w: prepare: %v", ErrCompute, err)
	}
	return nil
}

func (r *Resource) call(ctx context.Context, img *image.RGBA, params Params) (out *image.RGBA, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("%w: panic: %v", ErrCompute, rec)
		}
	}()
	out, err = r.backend.Compute(ctx, img, params)
	if err != nil && !errors.Is(err, ErrCompute) {
		err = fmt.Errorf("%w: %v", ErrCompute, err)
	}
	return out, err
}
