package manager

import (
	"sort"
	"time"

	"modelhub/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	resp := types.StatusResponse{
		MaxResident:    m.maxResident,
		Resident:       m.residentCount(),
		QueueLen:       len(m.queueCh),
		Inflight:       len(m.genCh),
		MaxQueueDepth:  cap(m.queueCh),
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
		EvictionsTotal: m.evictions.Load(),
		LoadsTotal:     m.loads.Load(),
	}
	if s, ok := m.lastErr.Load().(string); ok {
		resp.LastError = s
	}
	m.mu.Lock()
	resp.Instances = make([]types.InstanceStatus, 0, len(m.infos))
	for _, info := range m.infos {
		switch info.State {
		case StateLoading:
			resp.WarmupsInProgress++
		case StateUnloading:
			resp.DrainingCount++
		}
		resp.Instances = append(resp.Instances, info.View())
	}
	m.mu.Unlock()
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ModelID < resp.Instances[j].ModelID })
	switch {
	case resp.WarmupsInProgress > 0:
		resp.State = string(StateLoading)
	case resp.Resident > 0:
		resp.State = "ready"
	default:
		resp.State = "idle"
	}
	return resp
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
