package manager

import (
	"errors"
	"fmt"
	"sync"
)

// resources owns the weights and execution context of one loaded model. It
// is held only by its entry in Manager.resources.
type resources struct {
	mu       sync.Mutex
	weights  Weights
	ctx      Context
	params   ContextParams
	disposed bool

	once       sync.Once
	releaseErr error
}

func newResources(w Weights, c Context, params ContextParams) *resources {
	return &resources{weights: w, ctx: c, params: params}
}

// context returns the current execution context.
func (r *resources) context() (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrDisposed
	}
	return r.ctx, nil
}

// model returns the weights handle.
func (r *resources) model() (Weights, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrDisposed
	}
	return r.weights, nil
}

// recreateContext replaces the execution context with a fresh one.
func (r *resources) recreateContext() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	var closeErr error
	if r.ctx != nil {
		closeErr = r.ctx.Close()
		r.ctx = nil
	}
	c, err := r.weights.NewContext(r.params)
	if err != nil {
		return errors.Join(fmt.Errorf("recreate context: %w", err), closeErr)
	}
	r.ctx = c
	return nil
}

// release closes the context, then the weights. It runs at most once; later
// calls return the first result.
func (r *resources) release() error {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.disposed = true
		var errs []error
		if r.ctx != nil {
			if err := r.ctx.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
			r.ctx = nil
		}
		if r.weights != nil {
			if err := r.weights.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close weights: %w", err))
			}
			r.weights = nil
		}
		r.releaseErr = errors.Join(errs...)
	})
	return r.releaseErr
}
