package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

// jobContext is the in-process scheduling state of one job.
//
// At most one timer is installed at a time. A timer callback captures the
// version it was armed under and gives up when the version has moved on.
type jobContext struct {
	key core.JobKey

	mu       sync.Mutex
	job      *core.Job
	timer    *time.Timer
	tracked  bool // cron and timezone below describe the armed schedule
	cron     string
	timezone string
	after    core.JobKey
	version  int64

	claimed atomic.Bool // an execution attempt is in progress here
	running atomic.Bool // the race was won and the handler is running
}

func newJobContext(key core.JobKey) *jobContext {
	return &jobContext{key: key}
}

// updateJob stores the latest definition. When the schedule changed or the
// job is disabled the current timer is cancelled and the version bumped so
// stale callbacks give up. It returns the previous upstream key.
func (c *jobContext) updateJob(job *core.Job) (previousAfter core.JobKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	previousAfter = c.after
	c.job = job
	c.after, _ = job.After()

	if c.tracked && c.cron == job.Cron && c.timezone == job.Timezone && job.Enabled {
		return previousAfter
	}

	c.stopLocked()
	c.tracked = true
	c.cron = job.Cron
	c.timezone = job.Timezone
	c.bumpLocked()
	return previousAfter
}

// bumpLocked sets the version to the current time, kept strictly increasing.
func (c *jobContext) bumpLocked() {
	v := time.Now().UnixNano()
	if v <= c.version {
		v = c.version + 1
	}
	c.version = v
}

func (c *jobContext) needScheduleLocked() bool {
	if c.job == nil || !c.job.Enabled || c.cron == "" {
		return false
	}
	return c.timer == nil
}

// stop cancels the installed timer and forgets the armed schedule.
func (c *jobContext) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *jobContext) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.tracked = false
	c.cron = ""
	c.timezone = ""
}

// releaseTimer clears the timer handle if it still belongs to version.
func (c *jobContext) releaseTimer(version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version == version {
		c.timer = nil
	}
}

func (c *jobContext) snapshot() *core.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return nil
	}
	return c.job.Clone()
}

func (c *jobContext) currentVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *jobContext) hasTimer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
