package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

// newCluster starts n schedulers sharing one database file and one bus.
func newCluster(t *testing.T, n int, register func(*Scheduler)) []*Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "racejob.db")
	bus := NewLocalBus()
	t.Cleanup(bus.Close)

	nodes := make([]*Scheduler, n)
	for i := range nodes {
		s := newTestScheduler(t, testConfig(), sqlstore.New(openTestDB(t, path)), bus)
		register(s)
		nodes[i] = s
	}
	return nodes
}

func TestClusterRunsEachCycleOnce(t *testing.T) {
	ctx := context.Background()
	var runs atomic.Int64
	job := cronJob("g", "every", everySecond)
	nodes := newCluster(t, 3, func(s *Scheduler) {
		s.RegisterHandler(job.Key(), func(context.Context, *core.Job) error {
			runs.Add(1)
			return nil
		})
	})

	require.NoError(t, nodes[0].Add(ctx, job))
	start := time.Now()
	for _, s := range nodes {
		require.NoError(t, s.Start(ctx))
	}

	time.Sleep(3500 * time.Millisecond)
	elapsed := time.Since(start)
	got := runs.Load()
	assert.GreaterOrEqual(t, got, int64(2))
	assert.LessOrEqual(t, got, int64(elapsed/time.Second)+1, "a cycle ran on more than one node")
}

func TestClusterExecuteRunsOnce(t *testing.T) {
	ctx := context.Background()
	var runs atomic.Int64
	job := cronJob("g", "manual", "")
	nodes := newCluster(t, 3, func(s *Scheduler) {
		s.RegisterHandler(job.Key(), func(context.Context, *core.Job) error {
			runs.Add(1)
			return nil
		})
	})
	for _, s := range nodes {
		require.NoError(t, s.Start(ctx))
	}
	require.NoError(t, nodes[0].Add(ctx, job))

	// Wait for the change event to reach every node.
	require.Eventually(t, func() bool {
		for _, s := range nodes {
			if _, ok := s.context(job.Key()); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	nodes[1].Execute(ctx, job.Key())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 500*time.Millisecond, 50*time.Millisecond)
}

func TestClusterAfterJobRunsOnce(t *testing.T) {
	ctx := context.Background()
	var upRuns, downRuns atomic.Int64
	up := cronJob("g", "up", everySecond)
	down := &core.Job{Group: "g", Name: "down", AfterGroup: "g", AfterName: "up", Enabled: true}
	nodes := newCluster(t, 3, func(s *Scheduler) {
		s.RegisterHandler(up.Key(), func(context.Context, *core.Job) error {
			upRuns.Add(1)
			return nil
		})
		s.RegisterHandler(down.Key(), func(context.Context, *core.Job) error {
			downRuns.Add(1)
			return nil
		})
	})
	require.NoError(t, nodes[0].Add(ctx, up))
	require.NoError(t, nodes[0].Add(ctx, down))
	for _, s := range nodes {
		require.NoError(t, s.Start(ctx))
	}

	require.Eventually(t, func() bool { return downRuns.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	assert.LessOrEqual(t, downRuns.Load(), upRuns.Load(), "after-job ran more often than its upstream")
}

func TestClusterChangePropagates(t *testing.T) {
	ctx := context.Background()
	nodes := newCluster(t, 2, func(*Scheduler) {})
	for _, s := range nodes {
		require.NoError(t, s.Start(ctx))
	}

	job := cronJob("g", "a", "0 0 * * * ?")
	require.NoError(t, nodes[0].Add(ctx, job))
	require.Eventually(t, func() bool {
		_, ok := nodes[1].context(job.Key())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nodes[0].Remove(ctx, job.Key()))
	require.Eventually(t, func() bool {
		_, ok := nodes[1].context(job.Key())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
