package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Weekday tokens as stored in recurring task rows.
var weekdayTokens = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var scheduleTimeRegexp = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// RecurringTask is a stored schedule definition: fire a templated robot task
// at a time of day (minute resolution) on a set of weekdays.
type RecurringTask struct {
	ID           int64
	TemplateID   int64
	TaskType     string
	Floor        int
	ShelfPoint   string
	ScheduleTime string // HH:MM
	DaysOfWeek   []string
	Active       bool
	CreatedAt    time.Time
}

// Validate checks the schedule invariants: minute-granularity time of day
// and a non-empty set of known weekday tokens.
func (t *RecurringTask) Validate() error {
	if !scheduleTimeRegexp.MatchString(t.ScheduleTime) {
		return fmt.Errorf("invalid schedule time %q, want HH:MM", t.ScheduleTime)
	}
	if len(t.DaysOfWeek) == 0 {
		return fmt.Errorf("recurring task needs at least one weekday")
	}
	for _, d := range t.DaysOfWeek {
		if _, ok := weekdayTokens[strings.ToLower(d)]; !ok {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	return nil
}

// DueAt reports whether the definition matches the given wall-clock instant.
// Weekday and time of day are evaluated in now's location; minute precision.
// DST folds can make a definition match twice and gaps can make it never
// match; both follow the location rules and are not corrected here.
func (t *RecurringTask) DueAt(now time.Time) bool {
	if !t.Active {
		return false
	}
	if now.Format("15:04") != t.ScheduleTime {
		return false
	}
	wd := now.Weekday()
	for _, d := range t.DaysOfWeek {
		if weekdayTokens[strings.ToLower(d)] == wd {
			return true
		}
	}
	return false
}

// DispatchRequest is the hand-off from the scheduler to the task-execution
// subsystem: one concrete task derived from a due recurring definition.
type DispatchRequest struct {
	QueueID         string // correlation id for the queued entry
	RecurringTaskID int64
	TemplateID      int64
	TaskType        string
	Floor           int
	ShelfPoint      string
	Date            string // calendar date of the firing, YYYY-MM-DD
	ScheduleTime    string
}

// DispatchDate formats the calendar-date key used for at-most-once-per-day
// dispatch records.
func DispatchDate(now time.Time) string {
	return now.Format("2006-01-02")
}
