package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Static is a fixed list of configured dates, such as municipal holidays or collective leave.
type Static struct {
	byYear map[int][]Holiday
}

// NewStatic groups holidays by year.
func NewStatic(list ...Holiday) Static {
	s := Static{byYear: make(map[int][]Holiday)}
	for _, h := range list {
		date := civil(h.Date.Year(), h.Date.Month(), h.Date.Day())
		s.byYear[date.Year()] = append(s.byYear[date.Year()], Holiday{Date: date, Name: h.Name})
	}
	return s
}

// ParseStatic reads entries of the form YYYY-MM-DD or YYYY-MM-DD=Name.
func ParseStatic(entries []string) (Static, error) {
	list := make([]Holiday, 0, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		datePart, name, _ := strings.Cut(raw, "=")
		date, err := time.Parse(dateLayout, strings.TrimSpace(datePart))
		if err != nil {
			return Static{}, fmt.Errorf("calendar: extra holiday %q: %w", raw, err)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = "Feriado"
		}
		list = append(list, Holiday{Date: date, Name: name})
	}
	return NewStatic(list...), nil
}

// Holidays implements Provider.
func (s Static) Holidays(_ context.Context, year int) ([]Holiday, error) {
	return s.byYear[year], nil
}
