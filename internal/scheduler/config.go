package scheduler

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the inputs that shape scheduling behaviour.
type Config struct {
	// Instance names the scheduler namespace shared by a cluster.
	Instance string
	// ThreadCount is the size of the worker pool running timers and loops.
	ThreadCount int
	// ExecutionEnabled false turns this process into a pure admin client:
	// jobs can be managed but nothing runs here.
	ExecutionEnabled bool
	// ReloadInterval is how often every job is re-read from the store.
	ReloadInterval time.Duration
	// HeartbeatInterval is how often running jobs stamp their active time.
	// A lock whose heartbeat is older than 1.5x this value is presumed dead.
	HeartbeatInterval time.Duration
	// AbortOnError unregisters a handler after it fails.
	AbortOnError bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Instance:          "raceJobScheduler",
		ThreadCount:       1,
		ExecutionEnabled:  true,
		ReloadInterval:    60 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		AbortOnError:      true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Instance == "" {
		c.Instance = d.Instance
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = d.ThreadCount
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = d.ReloadInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLoadGauge replaces the host CPU gauge used by the throttle.
func WithLoadGauge(g LoadGauge) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.gauge = g
		}
	}
}

// WithNodeID overrides the generated process identifier used in logs.
func WithNodeID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.nodeID = id
		}
	}
}
