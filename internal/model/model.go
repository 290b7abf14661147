package model

import "time"

// NoPeriod is the admission bucket used when no active period window matches.
const NoPeriod = "NO_PERIOD"

// ScanStatus is the per-item outcome reported back to a device.
type ScanStatus string

const (
	StatusOK        ScanStatus = "ok"
	StatusDuplicate ScanStatus = "duplicate"
	StatusError     ScanStatus = "error"
)

// SummaryStatus returns the short form stored in room_period_summary.last_status.
func (s ScanStatus) SummaryStatus() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDuplicate:
		return "dup"
	default:
		return "err"
	}
}

// Period is one administrator-managed admission window.
type Period struct {
	PeriodID    string
	GroupID     string
	StartTime   string
	EndTime     string
	Active      bool
	ScanEnabled *bool
	SortOrder   int
}

// Bucket returns the admission bucket id for the period.
func (p Period) Bucket() string {
	if p.GroupID != "" {
		return p.GroupID
	}
	return p.PeriodID
}

// ScanningOpen reports scan_enabled, treating an unset value as open.
func (p Period) ScanningOpen() bool {
	return p.ScanEnabled == nil || *p.ScanEnabled
}

// SummaryKey identifies one room_period_summary row.
type SummaryKey struct {
	EventDay string
	PeriodID string
	RoomID   string
}

// ScanEvent is an accepted check-in. Unique per (EventDay, PeriodID, StudentID).
type ScanEvent struct {
	ScanID     string
	EventDay   string
	PeriodID   string
	RoomID     string
	StudentID  string
	Grade      *int
	Name       *string
	Timestamp  time.Time
	SourceRole string
}

// Key returns the summary row the event counts toward.
func (e ScanEvent) Key() SummaryKey {
	return SummaryKey{EventDay: e.EventDay, PeriodID: e.PeriodID, RoomID: e.RoomID}
}

// Failure describes an item that could not be recorded.
type Failure struct {
	Key       SummaryKey
	StudentID *string
	Reason    string
	At        time.Time
}

// RoomPeriodSummary holds running counters for one (day, period, room).
type RoomPeriodSummary struct {
	EventDay      string     `json:"event_day"`
	PeriodID      string     `json:"period_id"`
	RoomID        string     `json:"room_id"`
	OKCount       int        `json:"ok_count"`
	DupCount      int        `json:"dup_count"`
	ErrCount      int        `json:"err_count"`
	LastTS        *time.Time `json:"last_ts"`
	LastStudentID *string    `json:"last_student_id"`
	LastName      *string    `json:"last_name"`
	LastGrade     *int       `json:"last_grade"`
	LastStatus    *string    `json:"last_status"`
	LastError     *string    `json:"last_error"`
	HelpFlag      bool       `json:"help_flag"`
	SupportType   *string    `json:"support_type"`
	SupportTS     *time.Time `json:"support_ts"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
}

// DeviceStatus is the last telemetry reported for a room's device.
type DeviceStatus struct {
	RoomID         string     `json:"room_id"`
	Online         bool       `json:"online"`
	BatteryPct     *int       `json:"battery_pct"`
	Charging       bool       `json:"charging"`
	QueueLen       int        `json:"queue_len"`
	Scanning       bool       `json:"scanning"`
	ScannerEnabled bool       `json:"scanner_enabled"`
	LastSeenTS     *time.Time `json:"last_seen_ts"`
	LastNote       *string    `json:"last_note"`
}

// RoomControl is the administrator-owned control state for a room.
type RoomControl struct {
	RoomID         string
	ForceUnlock    bool
	ScannerEnabled bool
	DisableMessage string
	UpdatedTS      time.Time
}

// Directive returns the view of the control delivered to a device.
func (c RoomControl) Directive() ControlDirective {
	return ControlDirective{
		ForceUnlock:    c.ForceUnlock,
		ScannerEnabled: c.ScannerEnabled,
		DisableMessage: c.DisableMessage,
	}
}

// ControlDirective is what a device receives on each sync poll.
type ControlDirective struct {
	ForceUnlock    bool   `json:"force_unlock"`
	ScannerEnabled bool   `json:"scanner_enabled"`
	DisableMessage string `json:"disable_message"`
}

// ControlAction is an administrator command for a room.
type ControlAction string

const (
	ActionForceUnlock ControlAction = "forceUnlock"
	ActionDisable     ControlAction = "disable"
	ActionEnable      ControlAction = "enable"
)

// Valid reports whether the action is known.
func (a ControlAction) Valid() bool {
	switch a {
	case ActionForceUnlock, ActionDisable, ActionEnable:
		return true
	}
	return false
}

// RoomView is one row of the supervisor dashboard.
type RoomView struct {
	RoomID         string     `json:"room_id"`
	OKCount        int        `json:"ok_count"`
	DupCount       int        `json:"dup_count"`
	ErrCount       int        `json:"err_count"`
	LastTS         *time.Time `json:"last_ts"`
	LastStudentID  *string    `json:"last_student_id"`
	LastName       *string    `json:"last_name"`
	LastGrade      *int       `json:"last_grade"`
	LastStatus     *string    `json:"last_status"`
	LastError      *string    `json:"last_error"`
	HelpFlag       bool       `json:"help_flag"`
	SupportType    *string    `json:"support_type"`
	SupportTS      *time.Time `json:"support_ts"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	Online         bool       `json:"online"`
	BatteryPct     *int       `json:"battery_pct"`
	Charging       bool       `json:"charging"`
	QueueLen       int        `json:"queue_len"`
	Scanning       bool       `json:"scanning"`
	ScannerEnabled bool       `json:"scanner_enabled"`
	LastSeenTS     *time.Time `json:"last_seen_ts"`
}

// Support request types and states.
const (
	SupportGeneral = "GENERAL"
	SupportScanner = "SCANNER"

	SupportOpen     = "OPEN"
	SupportResolved = "RESOLVED"
)

// SupportRequest is a help call raised from a room's device.
type SupportRequest struct {
	ReqID       string     `json:"req_id"`
	EventDay    string     `json:"event_day"`
	PeriodID    string     `json:"period_id"`
	RoomID      string     `json:"room_id"`
	SupportType string     `json:"support_type"`
	Note        *string    `json:"note"`
	Status      string     `json:"status"`
	CreatedTS   time.Time  `json:"created_ts"`
	ResolvedTS  *time.Time `json:"resolved_ts"`
	ResolvedBy  *string    `json:"resolved_by"`
}

// Settings is the runtime key/value configuration shared with devices.
type Settings struct {
	BatchSize     int           `json:"batchSize"`
	FlushInterval time.Duration `json:"-"`
	AllowNoPeriod bool          `json:"allowNoPeriod"`
	IdleTimeout   time.Duration `json:"-"`
}

// Staff roles recognized for badge unlock and dashboard access.
const (
	RoleAdmin   = "ADMIN"
	RoleTech    = "TECH"
	RoleScanner = "SCANNER"
)
