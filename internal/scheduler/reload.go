package scheduler

import (
	"context"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/cronexpr"
)

// reloadAll re-reads every job of the instance and drops contexts whose
// rows are gone.
func (s *Scheduler) reloadAll() {
	s.log.Debugw("Reloading jobs")
	jobs, err := s.store.FindAll(s.ctx, s.cfg.Instance)
	if err != nil {
		s.log.Errorw("Failed to reload jobs", "error", err)
		return
	}

	exists := make(map[core.JobKey]struct{}, len(jobs))
	for _, job := range jobs {
		exists[job.Key()] = struct{}{}
		s.reloadJob(job)
	}

	s.contexts.Range(func(k, _ any) bool {
		key := k.(core.JobKey)
		if _, ok := exists[key]; !ok {
			s.clear(key)
		}
		return true
	})
}

// reloadKey re-reads one job, clearing its context when the row is gone.
func (s *Scheduler) reloadKey(ctx context.Context, key core.JobKey) error {
	job, err := s.store.Find(ctx, s.cfg.Instance, key)
	if err != nil {
		return err
	}
	if job == nil {
		s.clear(key)
		return nil
	}
	s.reloadJob(job)
	return nil
}

// reloadJob applies a definition to its context, arms the timer and keeps
// the after-job index current.
func (s *Scheduler) reloadJob(job *core.Job) {
	key := job.Key()
	v, _ := s.contexts.LoadOrStore(key, newJobContext(key))
	jc := v.(*jobContext)

	previousAfter := jc.updateJob(job)
	s.arm(jc)

	upstream, ok := job.After()
	if !previousAfter.IsZero() && previousAfter != upstream {
		s.unlinkAfter(previousAfter, key)
	}
	if ok {
		s.linkAfter(upstream, key)
	}
}

// clear stops and forgets the context of key.
func (s *Scheduler) clear(key core.JobKey) {
	s.log.Debugw("Clearing job", "group", key.Group, "name", key.Name)
	if v, ok := s.contexts.LoadAndDelete(key); ok {
		v.(*jobContext).stop()
	}

	s.afterMu.Lock()
	defer s.afterMu.Unlock()
	for upstream, downstream := range s.after {
		delete(downstream, key)
		if len(downstream) == 0 {
			delete(s.after, upstream)
		}
	}
}

func (s *Scheduler) linkAfter(upstream, downstream core.JobKey) {
	s.afterMu.Lock()
	defer s.afterMu.Unlock()
	set, ok := s.after[upstream]
	if !ok {
		set = make(map[core.JobKey]struct{})
		s.after[upstream] = set
	}
	set[downstream] = struct{}{}
}

func (s *Scheduler) unlinkAfter(upstream, downstream core.JobKey) {
	s.afterMu.Lock()
	defer s.afterMu.Unlock()
	if set, ok := s.after[upstream]; ok {
		delete(set, downstream)
		if len(set) == 0 {
			delete(s.after, upstream)
		}
	}
}

// afterJobs returns the jobs that run once upstream completes.
func (s *Scheduler) afterJobs(upstream core.JobKey) []core.JobKey {
	s.afterMu.RLock()
	defer s.afterMu.RUnlock()
	set := s.after[upstream]
	keys := make([]core.JobKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (s *Scheduler) context(key core.JobKey) (*jobContext, bool) {
	v, ok := s.contexts.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*jobContext), true
}

// arm installs a one-shot timer for the next fire time of jc, if it needs
// one. The callback re-arms itself, so each cycle computes a fresh delay.
func (s *Scheduler) arm(jc *jobContext) {
	if s.unavailable() {
		return
	}
	p := s.currentPool()

	jc.mu.Lock()
	defer jc.mu.Unlock()
	if !jc.needScheduleLocked() {
		return
	}

	delay, err := cronexpr.NextDelay(jc.cron, jc.timezone)
	if err != nil {
		s.log.Errorw("Cannot schedule job", "group", jc.key.Group, "name", jc.key.Name, "cron", jc.cron, "error", err)
		return
	}

	version := jc.version
	jc.timer = p.schedule(delay, func() {
		s.fire(jc, version)
	})
}

func (s *Scheduler) fire(jc *jobContext, version int64) {
	if s.discontinue(jc, version) {
		return
	}
	s.doExecute(jc, 0)
	jc.releaseTimer(version)
	if s.discontinue(jc, version) {
		return
	}
	s.arm(jc)
}

// discontinue reports whether a callback armed under version is stale.
func (s *Scheduler) discontinue(jc *jobContext, version int64) bool {
	if s.unavailable() {
		return true
	}
	current, ok := s.context(jc.key)
	if !ok || current != jc {
		return true
	}
	if jc.currentVersion() != version {
		s.log.Debugw("Skipping superseded timer", "group", jc.key.Group, "name", jc.key.Name)
		return true
	}
	return false
}

// heartbeat stamps the active time of every job running in this process.
func (s *Scheduler) heartbeat() {
	now := s.now().UnixMilli()
	s.contexts.Range(func(k, v any) bool {
		jc := v.(*jobContext)
		if !jc.running.Load() {
			return true
		}
		key := k.(core.JobKey)
		if err := s.store.UpdateActive(s.ctx, s.cfg.Instance, key, now); err != nil {
			s.log.Warnw("Failed to update job heartbeat", "group", key.Group, "name", key.Name, "error", err)
		}
		return true
	})
}
