package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const poolQueueSize = 1024

// pool is a fixed set of workers fed by one-shot timers and fixed-rate loops.
type pool struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

func newPool(size int, log *zap.SugaredLogger) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		tasks:  make(chan func(), poolQueueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.tasks:
			p.run(fn)
		}
	}
}

func (p *pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("Scheduler task panicked", "panic", r)
		}
	}()
	fn()
}

// running reports whether the pool still accepts work.
func (p *pool) running() bool {
	return p.ctx.Err() == nil
}

// submit queues fn. It returns false once the pool is shut down.
func (p *pool) submit(fn func()) bool {
	if !p.running() {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.tasks <- fn:
		return true
	}
}

// schedule runs fn once on the pool after delay.
func (p *pool) schedule(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		p.submit(fn)
	})
}

// every runs fn on the pool after initial and then at each interval.
// A tick is skipped while the previous run is still in flight.
func (p *pool) every(initial, interval time.Duration, fn func()) {
	var busy atomic.Bool
	tick := func() {
		if !busy.CompareAndSwap(false, true) {
			return
		}
		if !p.submit(func() {
			defer busy.Store(false)
			fn()
		}) {
			busy.Store(false)
		}
	}

	go func() {
		timer := time.NewTimer(initial)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
			tick()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// shutdown stops accepting work and drops anything still queued. Tasks
// already running are left to finish on their own.
func (p *pool) shutdown() {
	p.cancel()
}

// wait blocks until every worker has exited.
func (p *pool) wait() {
	p.wg.Wait()
}
