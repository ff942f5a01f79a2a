package policy

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/teambition/rrule-go"

	"github.com/releaseplane/engine/internal/models"
)

// DefaultWindowMinutes is the length of a deny window occurrence when the
// window does not set one.
const DefaultWindowMinutes = 60

var windowAnchor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type window struct {
	rule     *rrule.RRule
	duration time.Duration
}

func parseWindow(w models.DenyWindow, now time.Time) (*window, error) {
	loc := time.UTC
	if w.TimeZone != "" {
		l, err := time.LoadLocation(w.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("time zone %q: %w", w.TimeZone, err)
		}
		loc = l
	}
	opt, err := rrule.StrToROptionInLocation(strings.TrimSpace(w.RRule), loc)
	if err != nil {
		return nil, fmt.Errorf("rrule: %w", err)
	}
	if opt.Dtstart.IsZero() {
		a := windowAnchor
		opt.Dtstart = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc)
	}
	minutes := w.DurationMinutes
	if minutes == 0 {
		minutes = DefaultWindowMinutes
	}
	duration := time.Duration(minutes) * time.Minute
	realign(opt, now.Add(-duration))

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("rrule: %w", err)
	}
	return &window{rule: rule, duration: duration}, nil
}

// realign moves DTSTART forward by whole repetition periods so iteration
// begins shortly before from. Occurrences at or after from are unchanged.
// Rules with COUNT keep their start since the count runs from it, as do
// month-based rules starting on a day some months lack.
func realign(opt *rrule.ROption, from time.Time) {
	if opt.Count > 0 || !opt.Dtstart.Before(from) {
		return
	}
	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}
	start := opt.Dtstart
	from = from.In(start.Location())

	switch opt.Freq {
	case rrule.YEARLY:
		if start.Month() == time.February && start.Day() == 29 {
			return
		}
		if n := (from.Year()-start.Year())/interval - 1; n > 0 {
			opt.Dtstart = start.AddDate(n*interval, 0, 0)
		}
	case rrule.MONTHLY:
		if start.Day() > 28 {
			return
		}
		months := (from.Year()-start.Year())*12 + int(from.Month()) - int(start.Month())
		if n := months/interval - 1; n > 0 {
			opt.Dtstart = start.AddDate(0, n*interval, 0)
		}
	case rrule.WEEKLY, rrule.DAILY:
		step := interval
		if opt.Freq == rrule.WEEKLY {
			step *= 7
		}
		// calendar days keep the wall clock across DST; the hour-based day
		// count may be one off, hence two steps of slack
		days := int(from.Sub(start).Hours() / 24)
		if n := days/step - 2; n > 0 {
			opt.Dtstart = start.AddDate(0, 0, n*step)
		}
	default:
		unit := time.Second
		switch opt.Freq {
		case rrule.HOURLY:
			unit = time.Hour
		case rrule.MINUTELY:
			unit = time.Minute
		}
		step := unit * time.Duration(interval)
		if n := int64(from.Sub(start)/step) - 1; n > 0 {
			opt.Dtstart = start.Add(time.Duration(n) * step)
		}
	}
}

// activeUntil returns the end of the occurrence containing now.
func (w *window) activeUntil(now time.Time) (time.Time, bool) {
	start := w.rule.Before(now, true)
	if start.IsZero() {
		return time.Time{}, false
	}
	end := start.Add(w.duration)
	if now.Before(end) {
		return end, true
	}
	return time.Time{}, false
}

// DenyWindowActive reports whether now falls inside an occurrence of w and,
// if so, when that occurrence ends.
func DenyWindowActive(w models.DenyWindow, now time.Time) (bool, time.Time, error) {
	parsed, err := parseWindow(w, now)
	if err != nil {
		return false, time.Time{}, err
	}
	end, ok := parsed.activeUntil(now)
	return ok, end, nil
}

// Denied reports whether any deny window is open at now. until is the
// latest end among the open windows.
func (r Rules) Denied(now time.Time) (denied bool, until time.Time, err error) {
	for i, w := range r.DenyWindows {
		ok, end, err := DenyWindowActive(w, now)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("denyWindows[%d]: %w", i, err)
		}
		if ok {
			denied = true
			if end.After(until) {
				until = end
			}
		}
	}
	return denied, until, nil
}
