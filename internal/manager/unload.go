package manager

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Unload releases the resources of a loaded model. It waits for the
// inference gate so no call is using the model while it is released.
// - Unknown ids return ErrModelNotFound.
// - Models in transition (loading or unloading) return ErrInvalidOperation.
// - Models without resources are marked unloaded.
// A release failure marks the model failed and is returned.
func (m *Manager) Unload(ctx context.Context, modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	info := m.infos[modelID]
	if info == nil {
		m.mu.Unlock()
		return ErrModelNotFound(modelID)
	}
	if info.State == StateLoading || info.State == StateUnloading {
		st := info.State
		m.mu.Unlock()
		return fmt.Errorf("unload %s: %w: model is %s", modelID, ErrInvalidOperation, st)
	}
	v, resident := m.resources.Load(modelID)
	if !resident {
		info.State = StateUnloaded
		m.mu.Unlock()
		return nil
	}
	prev := info.State
	info.State = StateUnloading
	m.mu.Unlock()
	m.publish(EventUnloadStart, modelID)

	select {
	case m.genCh <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		info.State = prev
		m.mu.Unlock()
		return ctx.Err()
	}
	res := v.(*resources)
	m.resources.CompareAndDelete(modelID, res)
	err := res.release()
	<-m.genCh
	residentModels.Set(float64(m.residentCount()))

	m.mu.Lock()
	if err != nil {
		info.State = StateFailed
		info.LastError = err.Error()
		info.err = err
	} else {
		info.State = StateUnloaded
		info.LoadedAt = time.Time{}
	}
	m.mu.Unlock()

	if err != nil {
		m.recordErr(err)
		m.publish(EventUnloadFailed, modelID, "error", err.Error())
		m.log.Error().Str("model", modelID).Err(err).Msg("model release failed")
		return fmt.Errorf("unload %s: %w", modelID, err)
	}
	m.publish(EventUnloadDone, modelID)
	m.log.Info().Str("model", modelID).Msg("model unloaded")
	return nil
}

// Close unloads every resident model. Errors are joined.
func (m *Manager) Close(ctx context.Context) error {
	var ids []string
	m.resources.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil && !IsModelNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
