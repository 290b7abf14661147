package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomscan/internal/model"
)

// Memory is an in-process backend for development and tests.
// It mirrors the Postgres schema's constraints: dedup on (day, period, student)
// and one summary row per (day, period, room).
type Memory struct {
	mu       sync.Mutex
	periods  []model.Period
	rooms    []string
	staff    map[string]string
	scans    map[dedupKey]model.ScanEvent
	summary  map[model.SummaryKey]*model.RoomPeriodSummary
	devices  map[string]*model.DeviceStatus
	controls map[string]*model.RoomControl
	support  []*model.SupportRequest
	settings map[string]string
}

type dedupKey struct {
	day, period, student string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		staff:    make(map[string]string),
		scans:    make(map[dedupKey]model.ScanEvent),
		summary:  make(map[model.SummaryKey]*model.RoomPeriodSummary),
		devices:  make(map[string]*model.DeviceStatus),
		controls: make(map[string]*model.RoomControl),
		settings: make(map[string]string),
	}
}

// SetPeriods replaces the period table.
func (m *Memory) SetPeriods(periods []model.Period) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods = append([]model.Period(nil), periods...)
}

// SetRooms replaces the active room list.
func (m *Memory) SetRooms(rooms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = append([]string(nil), rooms...)
}

// SetStaff registers an active staff badge.
func (m *Memory) SetStaff(id, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[id] = role
}

// ActivePeriods returns active periods ordered by sort_order.
func (m *Memory) ActivePeriods(_ context.Context) ([]model.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Period
	for _, p := range m.periods {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

// ApplyScan inserts the event unless its dedup key exists and bumps the summary.
func (m *Memory) ApplyScan(_ context.Context, ev model.ScanEvent) (model.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := model.StatusOK
	k := dedupKey{ev.EventDay, ev.PeriodID, ev.StudentID}
	if _, exists := m.scans[k]; exists {
		status = model.StatusDuplicate
	} else {
		m.scans[k] = ev
	}

	s := m.touch(ev.Key())
	switch status {
	case model.StatusOK:
		s.OKCount++
	case model.StatusDuplicate:
		s.DupCount++
	}
	ts := ev.Timestamp
	s.LastTS = &ts
	s.LastHeartbeat = &ts
	s.LastStudentID = strPtr(ev.StudentID)
	if ev.Name != nil {
		s.LastName = strPtr(*ev.Name)
	}
	if ev.Grade != nil {
		g := *ev.Grade
		s.LastGrade = &g
	}
	s.LastStatus = strPtr(status.SummaryStatus())
	s.LastError = nil
	return status, nil
}

// RecordFailure counts an item that could not be recorded.
func (m *Memory) RecordFailure(_ context.Context, f model.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.touch(f.Key)
	s.ErrCount++
	ts := f.At
	s.LastTS = &ts
	s.LastHeartbeat = &ts
	if f.StudentID != nil {
		s.LastStudentID = strPtr(*f.StudentID)
	}
	s.LastStatus = strPtr(model.StatusError.SummaryStatus())
	s.LastError = strPtr(f.Reason)
	return nil
}

// ScanCount returns the number of stored events for a summary row.
func (m *Memory) ScanCount(key model.SummaryKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.scans {
		if ev.Key() == key {
			n++
		}
	}
	return n
}

// Summary returns a copy of one summary row.
func (m *Memory) Summary(key model.SummaryKey) (model.RoomPeriodSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summary[key]
	if !ok {
		return model.RoomPeriodSummary{}, false
	}
	return *s, true
}

// UpsertStatus overwrites telemetry for a room, keeping scanner_enabled.
func (m *Memory) UpsertStatus(_ context.Context, st model.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.devices[st.RoomID]
	if !ok {
		cur = &model.DeviceStatus{RoomID: st.RoomID, ScannerEnabled: true}
		m.devices[st.RoomID] = cur
	}
	enabled := cur.ScannerEnabled
	*cur = st
	cur.ScannerEnabled = enabled
	return nil
}

// TouchHeartbeat refreshes last_heartbeat, creating the summary row if needed.
func (m *Memory) TouchHeartbeat(_ context.Context, key model.SummaryKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.touch(key)
	s.LastHeartbeat = &at
	return nil
}

// ConsumeControl returns the room's control and clears force_unlock.
func (m *Memory) ConsumeControl(_ context.Context, roomID string, at time.Time) (model.RoomControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.control(roomID, at)
	out := *c
	if c.ForceUnlock {
		c.ForceUnlock = false
		c.UpdatedTS = at
	}
	return out, nil
}

// ApplyControl applies an administrator command.
func (m *Memory) ApplyControl(_ context.Context, roomID string, action model.ControlAction, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.control(roomID, at)
	c.UpdatedTS = at
	switch action {
	case model.ActionForceUnlock:
		c.ForceUnlock = true
	case model.ActionDisable:
		c.ScannerEnabled = false
		c.DisableMessage = message
		m.device(roomID).ScannerEnabled = false
	case model.ActionEnable:
		c.ScannerEnabled = true
		c.ForceUnlock = false
		c.DisableMessage = ""
		m.device(roomID).ScannerEnabled = true
	}
	return nil
}

// Control returns a copy of the control row without consuming it.
func (m *Memory) Control(roomID string) (model.RoomControl, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controls[roomID]
	if !ok {
		return model.RoomControl{}, false
	}
	return *c, true
}

// ActiveRooms lists rooms shown on the dashboard.
func (m *Memory) ActiveRooms(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rooms...), nil
}

// Summaries lists summary rows for a period-day.
func (m *Memory) Summaries(_ context.Context, eventDay, periodID string) ([]model.RoomPeriodSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RoomPeriodSummary
	for k, s := range m.summary {
		if k.EventDay == eventDay && k.PeriodID == periodID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// DeviceStatuses lists all cached device rows.
func (m *Memory) DeviceStatuses(_ context.Context) ([]model.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out, nil
}

// CreateSupport stores a request and flags the room's summary row.
func (m *Memory) CreateSupport(_ context.Context, req model.SupportRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := req
	m.support = append(m.support, &r)
	s := m.touch(model.SummaryKey{EventDay: req.EventDay, PeriodID: req.PeriodID, RoomID: req.RoomID})
	s.HelpFlag = true
	s.SupportType = strPtr(req.SupportType)
	ts := req.CreatedTS
	s.SupportTS = &ts
	return nil
}

// ResolveSupport closes a request and clears the help flag when none remain open.
func (m *Memory) ResolveSupport(_ context.Context, reqID, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *model.SupportRequest
	for _, r := range m.support {
		if r.ReqID == reqID {
			target = r
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}
	target.Status = model.SupportResolved
	target.ResolvedTS = &at
	target.ResolvedBy = strPtr(resolvedBy)

	for _, r := range m.support {
		if r.EventDay == target.EventDay && r.RoomID == target.RoomID && r.Status == model.SupportOpen {
			return nil
		}
	}
	for k, s := range m.summary {
		if k.EventDay == target.EventDay && k.RoomID == target.RoomID {
			s.HelpFlag = false
			s.SupportType = nil
		}
	}
	return nil
}

// ListSupport returns requests for a period-day with the given status, newest first.
func (m *Memory) ListSupport(_ context.Context, eventDay, periodID, status string, limit int) ([]model.SupportRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SupportRequest
	for _, r := range m.support {
		if r.EventDay == eventDay && r.PeriodID == periodID && r.Status == status {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedTS.After(out[j].CreatedTS) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StaffRole looks up an active staff badge.
func (m *Memory) StaffRole(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.staff[id]
	return role, ok, nil
}

// LoadSettings returns the raw settings table.
func (m *Memory) LoadSettings(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

// SaveSettings upserts settings keys.
func (m *Memory) SaveSettings(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.settings[k] = v
	}
	return nil
}

func (m *Memory) touch(key model.SummaryKey) *model.RoomPeriodSummary {
	s, ok := m.summary[key]
	if !ok {
		s = &model.RoomPeriodSummary{EventDay: key.EventDay, PeriodID: key.PeriodID, RoomID: key.RoomID}
		m.summary[key] = s
	}
	return s
}

func (m *Memory) control(roomID string, at time.Time) *model.RoomControl {
	c, ok := m.controls[roomID]
	if !ok {
		c = &model.RoomControl{RoomID: roomID, ScannerEnabled: true, UpdatedTS: at}
		m.controls[roomID] = c
	}
	return c
}

func (m *Memory) device(roomID string) *model.DeviceStatus {
	d, ok := m.devices[roomID]
	if !ok {
		d = &model.DeviceStatus{RoomID: roomID, ScannerEnabled: true}
		m.devices[roomID] = d
	}
	return d
}

func strPtr(s string) *string { return &s }
