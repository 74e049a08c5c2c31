// Package calendar projects dates over business days, skipping weekends and holidays.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDays indicates a negative business-day count.
var ErrInvalidDays = errors.New("calendar: business days must not be negative")

const dateLayout = "2006-01-02"

// Holiday is a non-business date.
type Holiday struct {
	Date time.Time `json:"date"`
	Name string    `json:"name"`
}

// Key returns the civil date as YYYY-MM-DD.
func (h Holiday) Key() string {
	return h.Date.Format(dateLayout)
}

// Provider supplies the non-business dates of one year.
type Provider interface {
	Holidays(ctx context.Context, year int) ([]Holiday, error)
}

// Calendar answers business-day questions in one location.
type Calendar struct {
	provider Provider
	loc      *time.Location
}

// New constructs a Calendar. A nil location means UTC.
func New(provider Provider, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{provider: provider, loc: loc}
}

// Location returns the calendar's location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Date truncates t to midnight of its civil date in the calendar location.
func (c *Calendar) Date(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// IsBusinessDay reports whether day is neither a weekend nor a holiday.
func (c *Calendar) IsBusinessDay(ctx context.Context, day time.Time) (bool, error) {
	day = c.Date(day)
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	set, err := c.holidaySet(ctx, day.Year())
	if err != nil {
		return false, err
	}
	_, holiday := set[day.Format(dateLayout)]
	return !holiday, nil
}

// BusinessDaysAdd returns the date days business days after from. Zero days returns from's date.
func (c *Calendar) BusinessDaysAdd(ctx context.Context, from time.Time, days int) (time.Time, error) {
	if days < 0 {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}
	day := c.Date(from)
	sets := make(map[int]map[string]string)
	for added := 0; added < days; {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		set, ok := sets[day.Year()]
		if !ok {
			var err error
			set, err = c.holidaySet(ctx, day.Year())
			if err != nil {
				return time.Time{}, err
			}
			sets[day.Year()] = set
		}
		if _, holiday := set[day.Format(dateLayout)]; holiday {
			continue
		}
		added++
	}
	return day, nil
}

// DaysBetween counts whole calendar days from a to b; negative when b is before a.
func (c *Calendar) DaysBetween(a, b time.Time) int {
	da, db := c.Date(a), c.Date(b)
	ua := time.Date(da.Year(), da.Month(), da.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(db.Year(), db.Month(), db.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// Holidays returns the holidays of a year.
func (c *Calendar) Holidays(ctx context.Context, year int) ([]Holiday, error) {
	if c.provider == nil {
		return nil, nil
	}
	return c.provider.Holidays(ctx, year)
}

func (c *Calendar) holidaySet(ctx context.Context, year int) (map[string]string, error) {
	list, err := c.Holidays(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("calendar: holidays %d: %w", year, err)
	}
	set := make(map[string]string, len(list))
	for _, h := range list {
		set[h.Key()] = h.Name
	}
	return set, nil
}

// Combined merges several providers; duplicate dates keep the first name.
type Combined []Provider

// Holidays implements Provider.
func (p Combined) Holidays(ctx context.Context, year int) ([]Holiday, error) {
	seen := make(map[string]bool)
	var out []Holiday
	for _, provider := range p {
		list, err := provider.Holidays(ctx, year)
		if err != nil {
			return nil, err
		}
		for _, h := range list {
			if seen[h.Key()] {
				continue
			}
			seen[h.Key()] = true
			out = append(out, h)
		}
	}
	return out, nil
}

func civil(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
