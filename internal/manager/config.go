package manager

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBackoff  = time.Second
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	// MaxResident bounds the number of loaded models; 0 means unlimited.
	MaxResident   int
	MaxQueueDepth int
	MaxWait       time.Duration
	// RetryAttempts is the total number of inference attempts per call.
	RetryAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff  time.Duration
	LoadParams    LoadParams
	ContextParams ContextParams
	// Engine loads weights; NewLlamaEngine() when nil.
	Engine    Engine
	Publisher EventPublisher
	Logger    zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxResident < 0 {
		c.MaxResident = 0
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.Engine == nil {
		c.Engine = NewLlamaEngine()
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}
