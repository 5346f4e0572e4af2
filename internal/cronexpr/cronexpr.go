// Package cronexpr computes the next fire instant of a cron expression.
//
// Expressions use five or six fields (seconds optional), accept "?" in the
// day fields and the usual descriptors such as "@hourly" or "@every 30s".
// Timezones are IANA names ("Asia/Taipei") or fixed offsets ("+08:00").
// An empty timezone means the process local zone.
package cronexpr

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/openjobspec/ojs-racejob/internal/core"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	offsetPattern = regexp.MustCompile(`^(?:UTC|GMT)?([+-])(\d{1,2})(?::?(\d{2}))?$`)
	scheduleCache sync.Map // expression -> cron.Schedule
)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	if cached, ok := scheduleCache.Load(expr); ok {
		return cached.(cron.Schedule), nil
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, core.NewInvalidCronError(expr, err)
	}
	scheduleCache.Store(expr, schedule)
	return schedule, nil
}

// Location resolves a timezone string.
func Location(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.Local, nil
	}
	if m := offsetPattern.FindStringSubmatch(timezone); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 18 || minutes > 59 {
			return nil, core.NewInvalidCronError(timezone, errors.New("offset out of range"))
		}
		offset := hours*3600 + minutes*60
		if m[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(timezone, offset), nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, core.NewInvalidCronError(timezone, errors.Wrap(err, "unknown timezone"))
	}
	return loc, nil
}

// Next returns the first fire instant strictly after from.
func Next(expr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := Location(timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, core.NewInvalidCronError(expr, errors.New("schedule never fires"))
	}
	return next, nil
}

// NextTime returns the next fire instant after now in epoch milliseconds.
func NextTime(expr, timezone string) (int64, error) {
	next, err := Next(expr, timezone, time.Now())
	if err != nil {
		return 0, err
	}
	return next.UnixMilli(), nil
}

// NextDelay returns how long to wait from now until the next fire instant.
func NextDelay(expr, timezone string) (time.Duration, error) {
	now := time.Now()
	next, err := Next(expr, timezone, now)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}
