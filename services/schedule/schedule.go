// Package schedule computes due times for a Task's recurrence rule. Everything here is
// pure; callers persist the outcome.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how a rule produces run instances.
type Mode int

const (
	// ModeOnce runs immediately, exactly once.
	ModeOnce Mode = iota
	// ModeIntervalDelayed first runs one interval after creation, then every interval.
	ModeIntervalDelayed
	// ModeIntervalImmediate first runs at creation, then every interval.
	ModeIntervalImmediate
	// ModeFixedDate runs once at Date. A past date fires on the next evaluation.
	ModeFixedDate
)

func (m Mode) String() string {
	switch m {
	case ModeOnce:
		return "once"
	case ModeIntervalDelayed:
		return "interval_delayed"
	case ModeIntervalImmediate:
		return "interval_immediate"
	case ModeFixedDate:
		return "fixed_date"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Recurring reports whether the mode can produce more than one run instance.
func (m Mode) Recurring() bool {
	return m == ModeIntervalDelayed || m == ModeIntervalImmediate
}

var ErrInvalidSchedule = errors.New("invalid schedule")

// Rule is the recurrence rule owned by a Task.
type Rule struct {
	Mode     Mode
	Interval time.Duration
	Date     *time.Time
}

// Limits are the Task's termination bounds. A zero LimitCounts or nil LimitEndTime
// disables that bound.
type Limits struct {
	SucceedCounts int
	LimitCounts   int
	LimitEndTime  *time.Time
}

// Outcome is either the next due time or Terminated.
type Outcome struct {
	At         time.Time
	Terminated bool
}

func terminated() Outcome { return Outcome{Terminated: true} }

func due(at time.Time) Outcome { return Outcome{At: at} }

func Validate(r Rule) error {
	switch r.Mode {
	case ModeOnce:
		return nil
	case ModeIntervalDelayed, ModeIntervalImmediate:
		if r.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive for mode %s", ErrInvalidSchedule, r.Mode)
		}
		return nil
	case ModeFixedDate:
		if r.Date == nil || r.Date.IsZero() {
			return fmt.Errorf("%w: date is required for mode %s", ErrInvalidSchedule, r.Mode)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidSchedule, int(r.Mode))
	}
}

// Terminated reports whether the limits alone end the Task.
func Terminated(l Limits, now time.Time) bool {
	if l.LimitCounts > 0 && l.SucceedCounts >= l.LimitCounts {
		return true
	}
	return l.LimitEndTime != nil && now.After(*l.LimitEndTime)
}

// First returns the first due time of a rule created at createdAt.
func First(r Rule, createdAt time.Time, l Limits, now time.Time) (Outcome, error) {
	if err := Validate(r); err != nil {
		return Outcome{}, err
	}
	if Terminated(l, now) {
		return terminated(), nil
	}

	switch r.Mode {
	case ModeIntervalDelayed:
		return due(createdAt.Add(r.Interval)), nil
	case ModeFixedDate:
		return due(*r.Date), nil
	default:
		return due(createdAt), nil
	}
}

// Next returns the due time following previous, the run instance that just finished.
func Next(r Rule, previous time.Time, l Limits, now time.Time) (Outcome, error) {
	if err := Validate(r); err != nil {
		return Outcome{}, err
	}
	if Terminated(l, now) || !r.Mode.Recurring() {
		return terminated(), nil
	}
	return due(previous.Add(r.Interval)), nil
}

// Clock returns the current time. Tests pin it to drive recurrence without waiting.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }
