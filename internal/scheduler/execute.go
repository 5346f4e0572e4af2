package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/cronexpr"
	"github.com/openjobspec/ojs-racejob/internal/metrics"
)

func (s *Scheduler) now() time.Time {
	return time.Now()
}

// nextTime is the epoch-ms instant of the next cycle of job. A job without
// cron inherits the next time of its upstream job; otherwise it is 0.
func (s *Scheduler) nextTime(job *core.Job) (int64, error) {
	return s.nextTimeVisited(job, nil)
}

func (s *Scheduler) nextTimeVisited(job *core.Job, visited map[core.JobKey]struct{}) (int64, error) {
	if job.Cron != "" {
		return cronexpr.NextTime(job.Cron, job.Timezone)
	}
	upstream, ok := job.After()
	if !ok {
		return 0, nil
	}
	if visited == nil {
		visited = make(map[core.JobKey]struct{})
	}
	if _, seen := visited[upstream]; seen {
		return 0, nil
	}
	visited[job.Key()] = struct{}{}

	jc, ok := s.context(upstream)
	if !ok {
		return 0, nil
	}
	parent := jc.snapshot()
	if parent == nil {
		return 0, nil
	}
	return s.nextTimeVisited(parent, visited)
}

// executeLocal runs an on-demand request for key in this process.
func (s *Scheduler) executeLocal(key core.JobKey, startTime int64) {
	jc, ok := s.context(key)
	if !ok {
		return
	}
	s.doExecute(jc, startTime)
}

// doExecute makes one execution attempt. A zero startTime means a scheduled
// fire that races on the cron cycle; otherwise startTime identifies an
// on-demand run shared by the whole cluster.
//
// It returns true when the attempt was handled, including a lost race or a
// job with no handler here, and false when the caller should retry later.
func (s *Scheduler) doExecute(jc *jobContext, startTime int64) bool {
	if !s.cfg.ExecutionEnabled || s.destroyed.Load() {
		return true
	}
	if !jc.claimed.CompareAndSwap(false, true) {
		return true
	}
	defer jc.claimed.Store(false)

	job := jc.snapshot()
	if job == nil {
		return true
	}
	entry, ok := s.handler(job.Key())
	if !ok {
		return true
	}

	s.throttle()
	if s.destroyed.Load() {
		return true
	}

	s.executing.Add(1)
	metrics.ExecutingJobs.WithLabelValues(s.cfg.Instance).Inc()
	defer func() {
		s.executing.Add(-1)
		metrics.ExecutingJobs.WithLabelValues(s.cfg.Instance).Dec()
	}()

	handled, succeeded, err := s.race(job, jc, entry, startTime)
	if err != nil {
		s.log.Errorw("Execution attempt failed", "group", job.Group, "name", job.Name, "error", err)
	}
	if succeeded {
		s.complete(job.Key())
	}
	return handled
}

// race competes for the job and runs the handler when the race is won.
// succeeded reports a handler that ran without error.
func (s *Scheduler) race(job *core.Job, jc *jobContext, entry *handlerEntry, startTime int64) (handled, succeeded bool, err error) {
	ctx := s.ctx
	instance := s.cfg.Instance
	key := job.Key()

	status, err := s.store.GetStatus(ctx, instance, key)
	if err != nil {
		return false, false, err
	}
	if status == nil {
		return false, false, nil
	}

	var won int64
	if startTime == 0 {
		now := s.now().UnixMilli()
		next, err := s.nextTime(job)
		if err != nil {
			return false, false, err
		}
		if status.State == core.StateExecuting {
			staleAt := status.LastActiveTime + s.cfg.HeartbeatInterval.Milliseconds()*3/2
			if now < staleAt {
				return true, false, nil
			}
			released, err := s.store.Release(ctx, instance, key, next)
			if err != nil {
				return false, false, err
			}
			if released == 0 {
				return true, false, nil
			}
			metrics.ReleasesTotal.WithLabelValues(instance).Inc()
			s.log.Warnw("Released stale job lock",
				"group", key.Group, "name", key.Name, "last_active_time", status.LastActiveTime)
		}
		won, err = s.store.Compete(ctx, instance, key, next, now)
		if err != nil {
			return false, false, err
		}
	} else {
		won, err = s.store.CompeteAt(ctx, instance, key, startTime)
		if err != nil {
			return false, false, err
		}
	}

	if won == 0 {
		metrics.RacesTotal.WithLabelValues(instance, "lost").Inc()
		return true, false, nil
	}
	metrics.RacesTotal.WithLabelValues(instance, "won").Inc()

	jc.running.Store(true)
	runErr := s.invoke(ctx, entry, job)
	jc.running.Store(false)

	if runErr != nil {
		metrics.ExecutionsTotal.WithLabelValues(instance, "error").Inc()
		s.log.Errorw("Job handler failed", "group", key.Group, "name", key.Name, "error", runErr)
		if s.cfg.AbortOnError {
			s.handlers.CompareAndDelete(key, entry)
			s.log.Warnw("Handler unregistered after failure", "group", key.Group, "name", key.Name)
		}
	} else {
		metrics.ExecutionsTotal.WithLabelValues(instance, "success").Inc()
	}

	// The lock is released even when Stop cancelled ctx mid-run.
	if _, err := s.store.Finish(context.WithoutCancel(ctx), instance, key, s.now().UnixMilli()); err != nil {
		return false, runErr == nil, err
	}
	return true, runErr == nil, nil
}

// invoke calls the handler, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, entry *handlerEntry, job *core.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()
	return entry.fn(ctx, job)
}

// complete propagates a successful run to the jobs chained after it.
func (s *Scheduler) complete(key core.JobKey) {
	if s.bus == nil {
		s.completeLocal(key)
		return
	}
	s.publishComplete(s.ctx, key)
}

// completeLocal starts an attempt for every after-job known here.
func (s *Scheduler) completeLocal(upstream core.JobKey) {
	if s.unavailable() {
		return
	}
	for _, key := range s.afterJobs(upstream) {
		jc, ok := s.context(key)
		if !ok {
			continue
		}
		s.submit(func() { s.doExecute(jc, 0) })
	}
}
