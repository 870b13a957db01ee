package manager

import (
	"context"
	"fmt"
	"os"
)

// Load makes the model at path resident under id. Loading an already loaded
// model returns its info without touching the engine. Load failures are
// reported through the returned info (State failed, LastError set) with a
// nil error; an error is returned only for invalid requests.
func (m *Manager) Load(ctx context.Context, path, id string) (LocalModelInfo, error) {
	if id == "" {
		return LocalModelInfo{}, ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	info := m.infoLocked(id, path)
	switch info.State {
	case StateLoaded:
		if _, ok := m.resources.Load(id); ok {
			info.LastUsed = m.now()
			out := *info
			m.mu.Unlock()
			return out, nil
		}
	case StateUnloading:
		out := *info
		m.mu.Unlock()
		return out, fmt.Errorf("load %s: %w: model is unloading", id, ErrInvalidOperation)
	}
	info.State = StateLoading
	info.LastError = ""
	info.err = nil
	m.mu.Unlock()

	m.publish(EventLoadStart, id, "path", path)
	m.log.Info().Str("model", id).Str("path", path).Msg("loading model")

	select {
	case m.loadCh <- struct{}{}:
	case <-ctx.Done():
		return m.loadFailed(id, ctx.Err()), nil
	}
	defer func() { <-m.loadCh }()

	if _, ok := m.resources.Load(id); ok {
		// a concurrent Load finished while this one waited
		return m.loadReady(id, path), nil
	}
	res, err := m.prepare(ctx, id, path)
	if err != nil {
		return m.loadFailed(id, err), nil
	}
	if _, lost := m.resources.LoadOrStore(id, res); lost {
		// another Load won the race; keep its resources
		if rerr := res.release(); rerr != nil {
			m.log.Warn().Str("model", id).Err(rerr).Msg("release of duplicate resources failed")
		}
		m.publish(EventLoadRaceLost, id)
	} else {
		m.loads.Add(1)
		loadsTotal.WithLabelValues("ok").Inc()
	}
	residentModels.Set(float64(m.residentCount()))
	return m.loadReady(id, path), nil
}

// loadReady marks id loaded once its resources are stored.
func (m *Manager) loadReady(id, path string) LocalModelInfo {
	m.mu.Lock()
	info := m.infoLocked(id, path)
	now := m.now()
	if info.State != StateLoaded {
		info.LoadedAt = now
	}
	info.State = StateLoaded
	info.LastUsed = now
	out := *info
	m.mu.Unlock()

	m.publish(EventLoadReady, id, "path", path)
	m.log.Info().Str("model", id).Msg("model loaded")
	return out
}

// prepare checks the file, makes room and materializes the resources.
func (m *Manager) prepare(ctx context.Context, id, path string) (*resources, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("model file %s is a directory", path)
	}
	m.evictFor(ctx, id)
	return m.materialize(path)
}

// materialize loads weights, then a context. Engine panics become errors.
func (m *Manager) materialize(path string) (res *resources, err error) {
	var w Weights
	defer func() {
		if r := recover(); r != nil {
			if w != nil {
				_ = w.Close()
			}
			res, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()
	w, err = m.engine.LoadWeights(path, m.loadParams)
	if err != nil {
		return nil, err
	}
	c, err := w.NewContext(m.ctxParams)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("create context: %w", err)
	}
	return newResources(w, c, m.ctxParams), nil
}

func (m *Manager) loadFailed(id string, err error) LocalModelInfo {
	loadsTotal.WithLabelValues("error").Inc()
	m.recordErr(err)
	m.mu.Lock()
	info := m.infoLocked(id, "")
	// a concurrent Load may have succeeded meanwhile
	if _, ok := m.resources.Load(id); !ok {
		info.State = StateFailed
	}
	info.LastError = err.Error()
	info.err = err
	out := *info
	m.mu.Unlock()
	m.publish(EventLoadFailed, id, "error", err.Error())
	m.log.Error().Str("model", id).Err(err).Msg("model load failed")
	return out
}
