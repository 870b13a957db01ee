package manager

import (
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"modelhub/pkg/modelid"
)

// Manager tracks models known to the process and the native resources of
// those that are loaded.
type Manager struct {
	mu sync.Mutex
	// infos holds one entry per model id the manager has seen.
	infos map[string]*LocalModelInfo
	// resources maps model id to *resources for loaded models.
	resources sync.Map

	engine        Engine
	publisher     EventPublisher
	log           zerolog.Logger
	maxResident   int
	maxWait       time.Duration
	retryAttempts int
	retryBackoff  time.Duration
	loadParams    LoadParams
	ctxParams     ContextParams

	// loadCh (size 1) serializes eviction and materialization so the resident
	// count seen by evictFor includes every finished load.
	loadCh chan struct{}

	// Inference gate shared by all models.
	genCh   chan struct{} // size 1: single in-flight call
	queueCh chan struct{} // buffered: queue slots

	loads     atomic.Uint64
	evictions atomic.Uint64
	lastErr   atomic.Value // string
	startTime time.Time
	now       func() time.Time
}

// New constructs a Manager from cfg, applying defaults.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		infos:         make(map[string]*LocalModelInfo),
		engine:        cfg.Engine,
		publisher:     cfg.Publisher,
		log:           cfg.Logger,
		maxResident:   cfg.MaxResident,
		maxWait:       cfg.MaxWait,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		loadParams:    cfg.LoadParams,
		ctxParams:     cfg.ContextParams,
		loadCh:        make(chan struct{}, 1),
		genCh:         make(chan struct{}, 1),
		queueCh:       make(chan struct{}, cfg.MaxQueueDepth),
		startTime:     time.Now(),
		now:           time.Now,
	}
	m.log.Debug().Bool("llama", llamaBuilt).Int("max_resident", m.maxResident).Msg("model manager initialized")
	return m
}

// SetEventPublisher replaces the event sink; nil restores the no-op publisher.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Get returns the info of a model known to the manager.
func (m *Manager) Get(id string) (LocalModelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[id]
	if !ok {
		return LocalModelInfo{}, false
	}
	return *info, true
}

// GetLoadedModels returns the loaded models ordered by id.
func (m *Manager) GetLoadedModels() []LocalModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LocalModelInfo
	for _, info := range m.infos {
		if info.State == StateLoaded {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// IsLoaded reports whether id currently holds native resources.
func (m *Manager) IsLoaded(id string) bool {
	_, ok := m.resources.Load(id)
	return ok
}

// infoLocked returns the entry for id, creating an unloaded one if needed.
// Caller holds m.mu.
func (m *Manager) infoLocked(id, path string) *LocalModelInfo {
	info, ok := m.infos[id]
	if !ok {
		info = &LocalModelInfo{ModelID: id, State: StateUnloaded}
		if parsed, err := modelid.Parse(id); err == nil {
			info.Provider = parsed.Registry
			info.ModelName = parsed.ModelName
		}
		m.infos[id] = info
	}
	if path != "" {
		info.FullPath = path
		info.FileName = filepath.Base(path)
	}
	return info
}

func (m *Manager) residentCount() int {
	n := 0
	m.resources.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (m *Manager) recordErr(err error) {
	if err != nil {
		m.lastErr.Store(err.Error())
	}
}
