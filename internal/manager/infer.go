package manager

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Generate runs prompt through the loaded model id, streaming tokens to
// onToken. Transient engine failures are retried with a fresh execution
// context as long as no token has reached onToken.
func (m *Manager) Generate(ctx context.Context, id, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	var out FinalResult
	err := m.run(ctx, id, func(res *resources, emitted *bool) error {
		c, err := res.context()
		if err != nil {
			return err
		}
		out, err = c.Generate(ctx, prompt, params, func(tok string) error {
			*emitted = true
			if onToken == nil {
				return nil
			}
			if err := onToken(tok); err != nil {
				return sinkError{err: err}
			}
			return nil
		})
		return err
	})
	if err != nil {
		var se sinkError
		if errors.As(err, &se) {
			return FinalResult{}, se.err
		}
		return FinalResult{}, err
	}
	return out, nil
}

// Embed returns the embedding of text using the loaded model id.
func (m *Manager) Embed(ctx context.Context, id, text string) ([]float32, error) {
	var out []float32
	err := m.run(ctx, id, func(res *resources, _ *bool) error {
		w, err := res.model()
		if err != nil {
			return err
		}
		out, err = w.Embed(ctx, text)
		return err
	})
	return out, err
}

// run admits the call, then invokes fn with the model's resources, retrying
// transient failures.
func (m *Manager) run(ctx context.Context, id string, fn func(res *resources, emitted *bool) error) error {
	if _, err := m.loaded(id); err != nil {
		return err
	}
	release, err := m.beginGeneration(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	// the model may have been unloaded while queued
	res, err := m.loaded(id)
	if err != nil {
		return err
	}
	m.touch(id)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			inferRetriesTotal.Inc()
			m.publish(EventInferRetry, id, "attempt", attempt, "error", lastErr.Error())
			m.log.Warn().Str("model", id).Int("attempt", attempt).Err(lastErr).Msg("retrying inference")
			if err := sleepCtx(ctx, time.Duration(attempt-1)*m.retryBackoff); err != nil {
				return err
			}
			if err := res.recreateContext(); err != nil {
				return fmt.Errorf("model %s (attempt %d): %w", id, attempt, err)
			}
		}
		emitted := false
		err := safeCall(func() error { return fn(res, &emitted) })
		if err == nil {
			m.touch(id)
			return nil
		}
		lastErr = err
		if emitted || !retryable(ctx, err) {
			break
		}
	}
	m.recordErr(lastErr)
	if !retryable(ctx, lastErr) {
		return lastErr
	}
	return fmt.Errorf("model %s (attempt %d): %w", id, attempts, lastErr)
}

// loaded returns the resources of id, failing unless it is loaded.
func (m *Manager) loaded(id string) (*resources, error) {
	m.mu.Lock()
	info, ok := m.infos[id]
	var st State
	if ok {
		st = info.State
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrModelNotFound(id)
	}
	v, resident := m.resources.Load(id)
	if st != StateLoaded || !resident {
		return nil, fmt.Errorf("model %s: %w: state %s", id, ErrInvalidOperation, st)
	}
	return v.(*resources), nil
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	if info, ok := m.infos[id]; ok {
		info.LastUsed = m.now()
	}
	m.mu.Unlock()
}

// retryable reports whether err may succeed on another attempt.
func retryable(ctx context.Context, err error) bool {
	var se sinkError
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrDisposed), errors.Is(err, ErrInvalidOperation):
		return false
	case IsDependencyUnavailable(err), errors.As(err, &se):
		return false
	}
	return true
}

// safeCall converts engine panics into errors.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
