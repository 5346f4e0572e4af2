package scheduler

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/openjobspec/ojs-racejob/internal/metrics"
)

const (
	throttlePerJob   = 10 * time.Millisecond
	throttlePerLoad  = 100 * time.Millisecond
	throttleMinDelay = 100 * time.Millisecond
)

// LoadGauge reports host CPU utilisation in the range [0, 1].
type LoadGauge interface {
	CPULoad() float64
}

// cpuGauge reads system-wide CPU usage since the previous call.
type cpuGauge struct{}

func (cpuGauge) CPULoad() float64 {
	percent, err := cpu.Percent(0, false)
	if err != nil || len(percent) == 0 {
		return 0
	}
	return percent[0] / 100
}

// throttleDelay grows with the attempts in flight and the host load.
// Small values are not worth sleeping for and yield zero.
func throttleDelay(executing int64, load float64) time.Duration {
	if executing <= 0 {
		return 0
	}
	if load < 0 {
		load = 0
	}
	delay := time.Duration(executing)*throttlePerJob + time.Duration(load*float64(throttlePerLoad))
	if delay <= throttleMinDelay {
		return 0
	}
	return delay
}

// throttle blocks the calling worker when many jobs run at once.
func (s *Scheduler) throttle() {
	delay := throttleDelay(s.executing.Load(), s.gauge.CPULoad())
	if delay == 0 {
		return
	}
	metrics.ThrottleSeconds.WithLabelValues(s.cfg.Instance).Observe(delay.Seconds())
	s.log.Debugw("Throttling execution attempt", "delay", delay, "executing", s.executing.Load())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
	}
}
