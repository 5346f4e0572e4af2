package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

const everySecond = "* * * * * ?"

type fixedGauge float64

func (g fixedGauge) CPULoad() float64 { return float64(g) }

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	return sqlstore.New(openTestDB(t, filepath.Join(t.TempDir(), "racejob.db")))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Instance = "test"
	cfg.ThreadCount = 4
	cfg.ReloadInterval = time.Hour
	cfg.HeartbeatInterval = time.Second
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, store core.Store, bus core.EventBus) *Scheduler {
	t.Helper()
	s := New(cfg, store, bus,
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithLoadGauge(fixedGauge(0)))
	t.Cleanup(s.Stop)
	return s
}

// counter is a handler that records how often it ran.
type counter struct {
	n atomic.Int64
}

func (c *counter) handle(context.Context, *core.Job) error {
	c.n.Add(1)
	return nil
}

func (c *counter) count() int64 {
	return c.n.Load()
}

func cronJob(group, name, cron string) *core.Job {
	return &core.Job{Group: group, Name: name, Cron: cron, Enabled: true}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	require.NoError(t, s.Start(context.Background()))

	s.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Stop should be idempotent, panicked on second call: %v", r)
		}
	}()
	s.Stop()
}

func TestSchedulerStoppedIsInert(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, testConfig(), store, nil)
	var c counter
	job := cronJob("g", "a", "")
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Add(context.Background(), job))

	s.Stop()

	err := s.Start(context.Background())
	assert.Error(t, err, "Start() after Stop() should fail")

	jc, ok := s.context(job.Key())
	require.True(t, ok)
	assert.True(t, s.doExecute(jc, 0))
	s.Execute(context.Background(), job.Key())
	assert.Equal(t, int64(0), c.count())
}

func TestSchedulerRunsCronJob(t *testing.T) {
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	var c counter
	job := cronJob("g", "every", everySecond)
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Add(context.Background(), job))

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return c.count() >= 2 }, 5*time.Second, 50*time.Millisecond)
	elapsed := time.Since(start)
	assert.LessOrEqual(t, c.count(), int64(elapsed/time.Second)+1, "at most one run per cycle")
}

func TestSchedulerAfterChain(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, job *core.Job) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, job.Name)
		return nil
	}

	a := cronJob("g", "a", everySecond)
	b := &core.Job{Group: "g", Name: "b", AfterGroup: "g", AfterName: "a", Enabled: true}
	c := &core.Job{Group: "g", Name: "c", AfterGroup: "g", AfterName: "b", Enabled: true}
	for _, job := range []*core.Job{a, b, c} {
		s.RegisterHandler(job.Key(), record)
		require.NoError(t, s.Add(ctx, job))
	}
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 3
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order[:3])
}

func TestSchedulerDisableEnable(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	var c counter
	job := cronJob("g", "a", everySecond)
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return c.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Disable(ctx, job.Key()))
	jc, ok := s.context(job.Key())
	require.True(t, ok)
	assert.False(t, jc.hasTimer(), "disabled job keeps a timer")

	// Let any attempt already past its timer finish.
	time.Sleep(200 * time.Millisecond)
	stopped := c.count()
	time.Sleep(2 * time.Second)
	assert.Equal(t, stopped, c.count(), "disabled job kept running")

	require.NoError(t, s.Enable(ctx, job.Key()))
	require.Eventually(t, func() bool { return c.count() > stopped }, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerAddEqualIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	job := cronJob("g", "a", "0 0 * * * ?")
	job.Data = map[string]any{"k": 1}
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	jc, ok := s.context(job.Key())
	require.True(t, ok)
	require.Eventually(t, jc.hasTimer, time.Second, 10*time.Millisecond)
	version := jc.currentVersion()

	require.NoError(t, s.Add(ctx, job.Clone()))
	assert.Equal(t, version, jc.currentVersion())

	changed := job.Clone()
	changed.Cron = "0 30 * * * ?"
	require.NoError(t, s.Add(ctx, changed))
	assert.Greater(t, jc.currentVersion(), version)

	got, err := s.Find(ctx, job.Key())
	require.NoError(t, err)
	assert.Equal(t, "0 30 * * * ?", got.Cron)
}

func TestSchedulerAddRejectsBadDefinitions(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)

	err := s.Add(ctx, &core.Job{Name: "a", Enabled: true})
	assert.True(t, errors.Is(err, core.ErrInvalidJob), "Add() error = %v", err)

	err = s.Add(ctx, cronJob("g", "a", "not a cron"))
	assert.True(t, errors.Is(err, core.ErrInvalidCron), "Add() error = %v", err)

	bad := cronJob("g", "a", everySecond)
	bad.Timezone = "Mars/Olympus"
	err = s.Add(ctx, bad)
	assert.True(t, core.IsDefinitionError(err), "Add() error = %v", err)

	jobs, err := s.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSchedulerRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	up := cronJob("g", "up", everySecond)
	down := &core.Job{Group: "g", Name: "down", AfterGroup: "g", AfterName: "up", Enabled: true}
	require.NoError(t, s.Add(ctx, up))
	require.NoError(t, s.Add(ctx, down))
	assert.Equal(t, []core.JobKey{down.Key()}, s.afterJobs(up.Key()))

	require.NoError(t, s.Remove(ctx, down.Key()))
	_, ok := s.context(down.Key())
	assert.False(t, ok)
	assert.Empty(t, s.afterJobs(up.Key()))

	got, err := s.Find(ctx, down.Key())
	require.NoError(t, err)
	assert.Nil(t, got)

	byGroup, err := s.FindAllByGroup(ctx, "g")
	require.NoError(t, err)
	require.Len(t, byGroup, 1)
	assert.Equal(t, "up", byGroup[0].Name)
}

func TestSchedulerReleasesStaleLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	job := cronJob("g", "a", everySecond)
	require.NoError(t, store.Insert(ctx, cfg.Instance, job, 0))

	// A holder that died long ago.
	n, err := store.Compete(ctx, cfg.Instance, job.Key(), 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	s := newTestScheduler(t, cfg, store, nil)
	var c counter
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return c.count() >= 1 }, 4*time.Second, 50*time.Millisecond)
}

func TestSchedulerRespectsLiveLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	job := cronJob("g", "a", everySecond)
	require.NoError(t, store.Insert(ctx, cfg.Instance, job, 0))

	n, err := store.Compete(ctx, cfg.Instance, job.Key(), 1, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	s := newTestScheduler(t, cfg, store, nil)
	var c counter
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Start(ctx))

	assert.Never(t, func() bool { return c.count() > 0 }, 2500*time.Millisecond, 100*time.Millisecond)
}

func TestSchedulerExecuteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	var c counter
	job := cronJob("g", "manual", "")
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	s.executeLocal(job.Key(), 1234)
	s.executeLocal(job.Key(), 1234)
	assert.Equal(t, int64(1), c.count(), "the same start time must run once")

	s.Execute(ctx, job.Key())
	assert.Equal(t, int64(2), c.count())
}

func TestSchedulerAbortOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	var calls atomic.Int64
	job := cronJob("g", "failing", "")
	s.RegisterHandler(job.Key(), func(context.Context, *core.Job) error {
		calls.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	s.executeLocal(job.Key(), 1)
	s.executeLocal(job.Key(), 2)
	assert.Equal(t, int64(1), calls.Load())
	_, ok := s.handler(job.Key())
	assert.False(t, ok, "failing handler should be unregistered")

	status, err := s.store.GetStatus(ctx, s.Instance(), job.Key())
	require.NoError(t, err)
	assert.Equal(t, core.StateWaiting, status.State)
}

func TestSchedulerKeepsHandlerWithoutAbort(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AbortOnError = false
	s := newTestScheduler(t, cfg, newTestStore(t), nil)
	var calls atomic.Int64
	job := cronJob("g", "panicky", "")
	s.RegisterHandler(job.Key(), func(context.Context, *core.Job) error {
		calls.Add(1)
		panic("boom")
	})
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	s.executeLocal(job.Key(), 1)
	s.executeLocal(job.Key(), 2)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSchedulerExecutionDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ExecutionEnabled = false
	s := newTestScheduler(t, cfg, newTestStore(t), nil)
	var c counter
	job := cronJob("g", "a", everySecond)
	s.RegisterHandler(job.Key(), c.handle)
	require.NoError(t, s.Add(ctx, job))
	require.NoError(t, s.Start(ctx))

	s.Execute(ctx, job.Key())
	assert.Never(t, func() bool { return c.count() > 0 }, 1500*time.Millisecond, 100*time.Millisecond)

	got, err := s.Find(ctx, job.Key())
	require.NoError(t, err)
	assert.NotNil(t, got, "admin clients still manage definitions")
}

func TestSchedulerNextTimeFollowsUpstream(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), newTestStore(t), nil)
	up := cronJob("g", "up", "0 0 * * * ?")
	down := &core.Job{Group: "g", Name: "down", AfterGroup: "g", AfterName: "up", Enabled: true}
	require.NoError(t, s.Add(ctx, up))
	require.NoError(t, s.Add(ctx, down))

	upNext, err := s.nextTime(up)
	require.NoError(t, err)
	downNext, err := s.nextTime(down)
	require.NoError(t, err)
	assert.Equal(t, upNext, downNext)

	// A cycle without cron has no next time.
	x := &core.Job{Group: "g", Name: "x", AfterGroup: "g", AfterName: "y", Enabled: true}
	y := &core.Job{Group: "g", Name: "y", AfterGroup: "g", AfterName: "x", Enabled: true}
	require.NoError(t, s.Add(ctx, x))
	require.NoError(t, s.Add(ctx, y))
	next, err := s.nextTime(x)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)
}
