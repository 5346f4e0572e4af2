package core

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidJob marks a job definition that is missing its identity.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidCron marks a cron expression or timezone that cannot be parsed.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrJobExists is returned by Store.Insert when the row already exists.
	ErrJobExists = errors.New("job already exists")
	// ErrStore marks transport and connectivity failures of a Store.
	ErrStore = errors.New("racejob store error")
)

// NewInvalidJobError returns a definition error with the given reason.
func NewInvalidJobError(reason string) error {
	return errors.Wrap(ErrInvalidJob, reason)
}

// NewInvalidCronError wraps a cron parse failure so callers can match
// ErrInvalidCron while keeping the parser's message.
func NewInvalidCronError(expr string, cause error) error {
	return errors.Mark(errors.Wrapf(cause, "invalid cron expression %q", expr), ErrInvalidCron)
}

// StoreError wraps err as a store-kind failure of operation op.
func StoreError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "racejob store %s", op), ErrStore)
}

// IsStoreError reports whether err is a store-kind failure.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}

// IsDefinitionError reports whether err was caused by a bad job definition.
func IsDefinitionError(err error) bool {
	return errors.IsAny(err, ErrInvalidJob, ErrInvalidCron)
}
