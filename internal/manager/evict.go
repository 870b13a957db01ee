package manager

import (
	"context"
	"errors"
)

// evictFor unloads least recently used models until loading id keeps the
// resident count within maxResident. Models in transition are skipped.
func (m *Manager) evictFor(ctx context.Context, id string) {
	if m.maxResident <= 0 {
		return
	}
	tried := map[string]bool{}
	for {
		n := m.residentCount()
		if _, ok := m.resources.Load(id); ok {
			n--
		}
		if n+1 <= m.maxResident {
			return
		}
		victim := m.pickLRU(id, tried)
		if victim == "" {
			m.log.Warn().Str("model", id).Int("resident", n).Int("max_resident", m.maxResident).Msg("no model can be evicted; exceeding resident limit")
			return
		}
		tried[victim] = true
		m.log.Info().Str("model", victim).Str("for", id).Msg("evicting least recently used model")
		if err := m.Unload(ctx, victim); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			m.log.Warn().Str("model", victim).Err(err).Msg("eviction unload failed")
		}
		if m.IsLoaded(victim) {
			continue
		}
		m.evictions.Add(1)
		evictionsTotal.Inc()
		m.publish(EventEvict, victim, "for", id)
	}
}

// pickLRU returns the loaded model other than exclude with the oldest
// LastUsed, or "" if none.
func (m *Manager) pickLRU(exclude string, skip map[string]bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lru *LocalModelInfo
	for id, info := range m.infos {
		if id == exclude || skip[id] || info.State != StateLoaded {
			continue
		}
		if _, ok := m.resources.Load(id); !ok {
			continue
		}
		if lru == nil || info.LastUsed.Before(lru.LastUsed) {
			lru = info
		}
	}
	if lru == nil {
		return ""
	}
	return lru.ModelID
}
