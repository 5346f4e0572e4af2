// Package scheduler runs cron-driven jobs across a cluster of equal peers.
//
// Every process keeps its own timers. When a timer fires, the processes race
// on a conditional update in the shared store and only the winner runs the
// job. An optional event bus spreads definition changes, on-demand runs and
// completions so after-jobs fire wherever they are scheduled.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/cronexpr"
)

// Scheduler owns the job contexts, handlers and after-job index of one
// scheduler instance in this process.
type Scheduler struct {
	cfg   Config
	store core.Store
	bus   core.EventBus
	log   *zap.SugaredLogger
	gauge LoadGauge

	nodeID string

	contexts sync.Map // core.JobKey -> *jobContext
	handlers sync.Map // core.JobKey -> *handlerEntry

	afterMu sync.RWMutex
	after   map[core.JobKey]map[core.JobKey]struct{} // upstream -> downstream set

	executing atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	pool      *pool
	started   bool
	destroyed atomic.Bool
	stopOnce  sync.Once
}

type handlerEntry struct {
	fn core.Handler
}

// New creates a scheduler. bus may be nil for a single, self-contained
// process.
func New(cfg Config, store core.Store, bus core.EventBus, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		bus:    bus,
		log:    zap.NewNop().Sugar(),
		gauge:  cpuGauge{},
		nodeID: uuid.NewString(),
		after:  make(map[core.JobKey]map[core.JobKey]struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("instance", s.cfg.Instance, "node", s.nodeID)
	return s
}

// Start subscribes to the event bus and, when execution is enabled, starts
// the worker pool with its reload and heartbeat loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed.Load() {
		return errors.New("scheduler already stopped")
	}
	if s.started {
		return nil
	}

	if s.bus != nil {
		if err := s.bus.Listen(s.handleEvent); err != nil {
			return errors.Wrap(err, "subscribe to event bus")
		}
	}
	s.started = true

	if !s.cfg.ExecutionEnabled {
		s.log.Infow("Job execution disabled, running as admin client only")
		return nil
	}

	p := newPool(s.cfg.ThreadCount, s.log)
	s.pool = p
	p.every(0, s.cfg.ReloadInterval, s.reloadAll)
	p.every(s.cfg.HeartbeatInterval, s.cfg.HeartbeatInterval, s.heartbeat)

	s.log.Infow("Scheduler started",
		"threads", s.cfg.ThreadCount,
		"reload_interval", s.cfg.ReloadInterval,
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"event_bus", s.bus != nil)
	return nil
}

// Stop marks the scheduler destroyed and shuts the pool down. In-flight
// handlers finish on their own; nothing new is armed or executed.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.destroyed.Store(true)
		close(s.done)
		s.cancel()

		s.mu.Lock()
		p := s.pool
		s.mu.Unlock()
		if p == nil {
			return
		}
		s.log.Infow("Shutting down scheduler")
		p.shutdown()
		s.contexts.Range(func(_, v any) bool {
			v.(*jobContext).stop()
			return true
		})
		p.wait()
		s.log.Infow("Scheduler shutdown completed")
	})
}

// unavailable reports whether new timers or executions must be refused.
func (s *Scheduler) unavailable() bool {
	if s.destroyed.Load() {
		return true
	}
	p := s.currentPool()
	return p == nil || !p.running()
}

func (s *Scheduler) currentPool() *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// submit runs fn on the worker pool, reporting false when it is not running.
func (s *Scheduler) submit(fn func()) bool {
	p := s.currentPool()
	if p == nil || s.destroyed.Load() {
		return false
	}
	return p.submit(fn)
}

// Instance returns the scheduler namespace name.
func (s *Scheduler) Instance() string {
	return s.cfg.Instance
}

// RegisterHandler installs the function run for key and returns it.
func (s *Scheduler) RegisterHandler(key core.JobKey, h core.Handler) core.Handler {
	s.handlers.Store(key, &handlerEntry{fn: h})
	return h
}

// UnregisterHandler removes the handler for key.
func (s *Scheduler) UnregisterHandler(key core.JobKey) {
	s.handlers.Delete(key)
}

func (s *Scheduler) handler(key core.JobKey) (*handlerEntry, bool) {
	v, ok := s.handlers.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*handlerEntry), true
}

// FindAll returns every job of the instance.
func (s *Scheduler) FindAll(ctx context.Context) ([]*core.Job, error) {
	return s.store.FindAll(ctx, s.cfg.Instance)
}

// FindAllByGroup returns the jobs of one group.
func (s *Scheduler) FindAllByGroup(ctx context.Context, group string) ([]*core.Job, error) {
	return s.store.FindAllByGroup(ctx, s.cfg.Instance, group)
}

// Find returns one job, or nil when it does not exist.
func (s *Scheduler) Find(ctx context.Context, key core.JobKey) (*core.Job, error) {
	return s.store.Find(ctx, s.cfg.Instance, key)
}

// Add creates or updates a job definition. Adding a definition equal to the
// stored one does nothing.
func (s *Scheduler) Add(ctx context.Context, job *core.Job) error {
	if job == nil {
		return nil
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := cronexpr.Location(job.Timezone); err != nil {
		return err
	}
	nextTime, err := s.nextTime(job)
	if err != nil {
		return err
	}

	instance := s.cfg.Instance
	old, err := s.store.Find(ctx, instance, job.Key())
	if err != nil {
		return err
	}
	switch {
	case old == nil:
		if err := s.store.Insert(ctx, instance, job, nextTime); err != nil {
			if !errors.Is(err, core.ErrJobExists) {
				return err
			}
			if err := s.store.Update(ctx, instance, job, nextTime); err != nil {
				return err
			}
		}
	case !job.Equal(old):
		if err := s.store.Update(ctx, instance, job, nextTime); err != nil {
			return err
		}
	default:
		return nil
	}

	stored, err := s.store.Find(ctx, instance, job.Key())
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	s.reloadJob(stored)
	s.publishChange(ctx, stored.Key())
	s.log.Infow("Job saved", "group", stored.Group, "name", stored.Name, "cron", stored.Cron, "enabled", stored.Enabled)
	return nil
}

// Remove deletes a job and stops its local schedule.
func (s *Scheduler) Remove(ctx context.Context, key core.JobKey) error {
	if err := s.store.Delete(ctx, s.cfg.Instance, key); err != nil {
		return err
	}
	if err := s.reloadKey(ctx, key); err != nil {
		return err
	}
	s.publishChange(ctx, key)
	s.log.Infow("Job removed", "group", key.Group, "name", key.Name)
	return nil
}

// Enable resumes a job.
func (s *Scheduler) Enable(ctx context.Context, key core.JobKey) error {
	if err := s.store.Enable(ctx, s.cfg.Instance, key); err != nil {
		return err
	}
	if err := s.reloadKey(ctx, key); err != nil {
		return err
	}
	s.publishChange(ctx, key)
	return nil
}

// Disable pauses a job. A run already in progress is not interrupted.
func (s *Scheduler) Disable(ctx context.Context, key core.JobKey) error {
	if err := s.store.Disable(ctx, s.cfg.Instance, key); err != nil {
		return err
	}
	if err := s.reloadKey(ctx, key); err != nil {
		return err
	}
	s.publishChange(ctx, key)
	return nil
}

// Execute runs a job now, regardless of its schedule. With an event bus the
// request is broadcast so every process races with the same start time.
func (s *Scheduler) Execute(ctx context.Context, key core.JobKey) {
	if s.bus == nil {
		s.executeLocal(key, s.now().UnixMilli())
		return
	}
	s.publishExecute(ctx, key)
}
