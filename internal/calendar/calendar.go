// Package calendar normalises the dates the market trades on. Slots are
// addressed by a plain calendar day in canonical YYYY-MM-DD form plus an
// hour-of-day, interpreted in a single market time zone.
package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Ft2801/progetto-PA/internal/model"
)

// DateLayout is the canonical day format. String comparison on this form
// orders days chronologically.
const DateLayout = "2006-01-02"

// Cutoff is the minimum lead time before a slot for new reservations and
// cancellation refunds.
const Cutoff = 24 * time.Hour

// canonicalRegex matches a plain day without any time component.
var canonicalRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Accepted inputs besides the canonical form. Instants carrying an offset are
// converted to the market zone before the day is taken.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"20060102",
}

var ErrInvalidDate = fmt.Errorf("%w: invalid date", model.ErrInvalidRequest)

// Calendar resolves dates in one market time zone.
type Calendar struct {
	loc *time.Location
}

// New creates a calendar for the given zone. A nil location means UTC.
func New(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc}
}

// Location returns the market time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// ParseDate normalises arbitrary date input to YYYY-MM-DD.
func (c *Calendar) ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if canonicalRegex.MatchString(s) {
		t, err := time.ParseInLocation(DateLayout, s, c.loc)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidDate, s)
		}
		return t.Format(DateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(c.loc).Format(DateLayout), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, c.loc); err == nil {
			return t.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("%w: %s (expected YYYY-MM-DD or an ISO-8601 timestamp)", ErrInvalidDate, s)
}

// ParseRange parses "start|end" into two canonical days, inclusive.
func (c *Calendar) ParseRange(s string) (start, end string, err error) {
	parts := strings.Split(s, "|")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: range must be start|end", model.ErrInvalidRequest)
	}
	if start, err = c.ParseDate(parts[0]); err != nil {
		return "", "", err
	}
	if end, err = c.ParseDate(parts[1]); err != nil {
		return "", "", err
	}
	if start > end {
		return "", "", fmt.Errorf("%w: range start %s after end %s", model.ErrInvalidRequest, start, end)
	}
	return start, end, nil
}

// SlotStart returns the instant a slot begins.
func (c *Calendar) SlotStart(date string, hour int) (time.Time, error) {
	if err := ValidateHour(hour); err != nil {
		return time.Time{}, err
	}
	day, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDate, date)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, c.loc), nil
}

// BeforeCutoff reports whether the slot still starts strictly more than
// Cutoff after now. Exactly 24h is already too late.
func (c *Calendar) BeforeCutoff(now time.Time, date string, hour int) (bool, error) {
	start, err := c.SlotStart(date, hour)
	if err != nil {
		return false, err
	}
	return start.Sub(now) > Cutoff, nil
}

// Today returns the current market day.
func (c *Calendar) Today(now time.Time) string {
	return now.In(c.loc).Format(DateLayout)
}

// AddDays shifts a canonical day.
func (c *Calendar) AddDays(date string, days int) (string, error) {
	t, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidDate, date)
	}
	return t.AddDate(0, 0, days).Format(DateLayout), nil
}

var errHour = errors.New("hour must be between 0 and 23")

// ValidateHour rejects hours outside [0,23].
func ValidateHour(hour int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: %v (got %d)", model.ErrInvalidRequest, errHour, hour)
	}
	return nil
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
