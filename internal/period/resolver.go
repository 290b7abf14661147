package period

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"roomscan/internal/model"
)

// Resolution is the outcome of matching a time of day against the period table.
type Resolution struct {
	PeriodID    string
	ScanEnabled bool
	Matched     bool
}

// Resolve returns the admission bucket whose half-open window [start, end) contains hhmm.
// Active periods are scanned in ascending sort order and the first match wins.
// Without a match the result is NO_PERIOD, open for scanning only when allowNoPeriod is set.
func Resolve(periods []model.Period, hhmm string, allowNoPeriod bool) Resolution {
	now, err := parseHHMM(hhmm)
	if err != nil {
		return Resolution{PeriodID: model.NoPeriod, ScanEnabled: allowNoPeriod}
	}

	ordered := make([]model.Period, 0, len(periods))
	for _, p := range periods {
		if p.Active {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SortOrder < ordered[j].SortOrder })

	for _, p := range ordered {
		start, err := parseHHMM(p.StartTime)
		if err != nil {
			continue
		}
		end, err := parseHHMM(p.EndTime)
		if err != nil {
			continue
		}
		if start <= now && now < end {
			return Resolution{PeriodID: p.Bucket(), ScanEnabled: p.ScanningOpen(), Matched: true}
		}
	}
	return Resolution{PeriodID: model.NoPeriod, ScanEnabled: allowNoPeriod}
}

// parseHHMM converts "HH:MM" into minutes after midnight.
func parseHHMM(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return h*60 + m, nil
}

// Clock maps instants onto the organization's local calendar.
type Clock struct {
	Loc *time.Location
}

// Parts returns the event day ("YYYY-MM-DD") and "HH:MM" for t.
func (c Clock) Parts(t time.Time) (eventDay, hhmm string) {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Format("2006-01-02"), local.Format("15:04")
}

// Source lists the configured periods.
type Source interface {
	ActivePeriods(ctx context.Context) ([]model.Period, error)
}

// Current is the resolved admission context for an instant.
type Current struct {
	EventDay    string `json:"event_day"`
	PeriodID    string `json:"period_id"`
	ScanEnabled bool   `json:"scan_enabled"`
}

// Closed reports whether scanning is shut for a real period.
// NO_PERIOD is never treated as closed.
func (c Current) Closed() bool {
	return !c.ScanEnabled && c.PeriodID != model.NoPeriod
}

// Key returns the summary row for a room in this period.
func (c Current) Key(roomID string) model.SummaryKey {
	return model.SummaryKey{EventDay: c.EventDay, PeriodID: c.PeriodID, RoomID: roomID}
}

// Service resolves the current period from a live period table.
type Service struct {
	source Source
	clock  Clock
}

// NewService creates a resolver bound to a period source and time zone.
func NewService(source Source, loc *time.Location) *Service {
	return &Service{source: source, clock: Clock{Loc: loc}}
}

// Clock exposes the calendar used for event days.
func (s *Service) Clock() Clock { return s.clock }

// Current resolves the admission bucket active at now.
func (s *Service) Current(ctx context.Context, now time.Time, allowNoPeriod bool) (Current, error) {
	day, hhmm := s.clock.Parts(now)
	periods, err := s.source.ActivePeriods(ctx)
	if err != nil {
		return Current{EventDay: day, PeriodID: model.NoPeriod}, fmt.Errorf("load periods: %w", err)
	}
	res := Resolve(periods, hhmm, allowNoPeriod)
	return Current{EventDay: day, PeriodID: res.PeriodID, ScanEnabled: res.ScanEnabled}, nil
}
