package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/metrics"
)

const eventSeparator = "\n"

// EventType identifies a cluster event.
type EventType int

const (
	// EventChange asks every process to reload one job from the store.
	EventChange EventType = 1
	// EventComplete reports a finished job so its after-jobs can run.
	EventComplete EventType = 2
	// EventExecute requests an on-demand run, carrying the shared start time.
	EventExecute EventType = 3
)

func (t EventType) String() string {
	switch t {
	case EventChange:
		return "change"
	case EventComplete:
		return "complete"
	case EventExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Event is a decoded cluster message.
type Event struct {
	Type EventType
	Key  core.JobKey
	// Time is the epoch-ms start time of an EventExecute.
	Time int64
}

// Encode renders the event as "type\ngroup\nname[\ntime]".
func (e Event) Encode() string {
	parts := []string{strconv.Itoa(int(e.Type)), e.Key.Group, e.Key.Name}
	if e.Type == EventExecute {
		parts = append(parts, strconv.FormatInt(e.Time, 10))
	}
	return strings.Join(parts, eventSeparator)
}

// DecodeEvent parses a message produced by Event.Encode.
func DecodeEvent(message string) (Event, error) {
	parts := strings.Split(message, eventSeparator)
	if len(parts) < 3 {
		return Event{}, errors.Newf("malformed event: want at least 3 fields, got %d", len(parts))
	}
	typ, err := strconv.Atoi(parts[0])
	if err != nil {
		return Event{}, errors.Wrapf(err, "malformed event type %q", parts[0])
	}
	e := Event{Type: EventType(typ), Key: core.NewJobKey(parts[1], parts[2])}
	switch e.Type {
	case EventChange, EventComplete:
	case EventExecute:
		if len(parts) < 4 {
			return Event{}, errors.Newf("execute event for %s has no start time", e.Key)
		}
		e.Time, err = strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Event{}, errors.Wrapf(err, "malformed execute time %q", parts[3])
		}
	default:
		return Event{}, errors.Newf("unknown event type %d", typ)
	}
	return e, nil
}

// handleEvent reacts to a message from the event bus.
func (s *Scheduler) handleEvent(message string) {
	if s.destroyed.Load() {
		return
	}
	e, err := DecodeEvent(message)
	if err != nil {
		s.log.Warnw("Dropping cluster event", "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(s.cfg.Instance, e.Type.String(), "in").Inc()

	switch e.Type {
	case EventChange:
		if err := s.reloadKey(s.ctx, e.Key); err != nil {
			s.log.Errorw("Failed to reload changed job", "group", e.Key.Group, "name", e.Key.Name, "error", err)
		}
	case EventExecute:
		s.submit(func() { s.executeLocal(e.Key, e.Time) })
	case EventComplete:
		s.completeLocal(e.Key)
	}
}

func (s *Scheduler) publish(ctx context.Context, e Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Send(ctx, e.Encode()); err != nil {
		s.log.Warnw("Failed to publish cluster event",
			"type", e.Type.String(), "group", e.Key.Group, "name", e.Key.Name, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(s.cfg.Instance, e.Type.String(), "out").Inc()
}

func (s *Scheduler) publishChange(ctx context.Context, key core.JobKey) {
	s.publish(ctx, Event{Type: EventChange, Key: key})
}

func (s *Scheduler) publishExecute(ctx context.Context, key core.JobKey) {
	s.publish(ctx, Event{Type: EventExecute, Key: key, Time: time.Now().UnixMilli()})
}

func (s *Scheduler) publishComplete(ctx context.Context, key core.JobKey) {
	s.publish(ctx, Event{Type: EventComplete, Key: key})
}
