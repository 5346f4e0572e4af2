package core

import "context"

// Store persists job rows keyed by (instance, group, name) and arbitrates
// which process runs a job. Mutations are atomic per row. Reads of a missing
// row return a nil value and a nil error.
//
// Methods returning a row count report 0 when the condition did not hold;
// that is a lost race, not an error.
type Store interface {
	FindAll(ctx context.Context, instance string) ([]*Job, error)
	FindAllByGroup(ctx context.Context, instance, group string) ([]*Job, error)
	Find(ctx context.Context, instance string, key JobKey) (*Job, error)

	// Insert fails with ErrJobExists when the row is already present.
	Insert(ctx context.Context, instance string, job *Job, nextTime int64) error
	Update(ctx context.Context, instance string, job *Job, nextTime int64) error
	UpdateActive(ctx context.Context, instance string, key JobKey, activeTime int64) error
	Delete(ctx context.Context, instance string, key JobKey) error
	Enable(ctx context.Context, instance string, key JobKey) error
	Disable(ctx context.Context, instance string, key JobKey) error

	GetStatus(ctx context.Context, instance string, key JobKey) (*JobStatus, error)

	// Release moves an EXECUTING row back to WAITING when its stored next
	// time is before nextTime.
	Release(ctx context.Context, instance string, key JobKey, nextTime int64) (int64, error)

	// Compete moves a WAITING, enabled row whose stored next time is before
	// nextTime to EXECUTING, recording nextTime, startTime and a fresh
	// heartbeat.
	Compete(ctx context.Context, instance string, key JobKey, nextTime, startTime int64) (int64, error)

	// CompeteAt records an on-demand start. Repeating the same startTime is
	// a no-op and returns 0.
	CompeteAt(ctx context.Context, instance string, key JobKey, startTime int64) (int64, error)

	// Finish unconditionally returns the row to WAITING and records endTime.
	Finish(ctx context.Context, instance string, key JobKey, endTime int64) (int64, error)
}

// EventBus is a best-effort, at-least-once broadcast channel shared by every
// process of one scheduler instance.
type EventBus interface {
	Send(ctx context.Context, message string) error
	Listen(handler func(message string)) error
}

// Handler runs a job. A returned error or a panic marks the run as failed.
type Handler func(ctx context.Context, job *Job) error
