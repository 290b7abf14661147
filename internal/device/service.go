package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomscan/internal/metrics"
	"roomscan/internal/model"
	"roomscan/internal/period"
	"roomscan/internal/store"
)

const (
	maxNoteLen          = 120
	defaultSupportLimit = 50
	maxSupportLimit     = 100
)

var (
	// ErrBadRequest rejects a call without a usable room or id.
	ErrBadRequest = errors.New("bad request")
	// ErrBadAction rejects an unknown room control action.
	ErrBadAction = errors.New("unknown control action")
)

// Store persists device telemetry, room controls and support requests.
type Store interface {
	period.Source
	UpsertStatus(ctx context.Context, st model.DeviceStatus) error
	TouchHeartbeat(ctx context.Context, key model.SummaryKey, at time.Time) error
	ConsumeControl(ctx context.Context, roomID string, at time.Time) (model.RoomControl, error)
	ApplyControl(ctx context.Context, roomID string, action model.ControlAction, message string, at time.Time) error
	ActiveRooms(ctx context.Context) ([]string, error)
	Summaries(ctx context.Context, eventDay, periodID string) ([]model.RoomPeriodSummary, error)
	DeviceStatuses(ctx context.Context) ([]model.DeviceStatus, error)
	CreateSupport(ctx context.Context, req model.SupportRequest) error
	ResolveSupport(ctx context.Context, reqID, resolvedBy string, at time.Time) error
	ListSupport(ctx context.Context, eventDay, periodID, status string, limit int) ([]model.SupportRequest, error)
	StaffRole(ctx context.Context, id string) (string, bool, error)
}

// SettingsSource supplies runtime settings.
type SettingsSource interface {
	Current(ctx context.Context) (model.Settings, error)
}

// Report is the telemetry a device sends on every sync poll.
type Report struct {
	RoomID     string `json:"room_id"`
	Online     bool   `json:"online"`
	BatteryPct *int   `json:"battery_pct"`
	Charging   bool   `json:"charging"`
	QueueLen   int    `json:"queue_len"`
	Scanning   bool   `json:"scanning"`
	Note       string `json:"note"`
}

// Sync is the reply to a status report.
type Sync struct {
	EventDay    string                 `json:"event_day"`
	PeriodID    string                 `json:"period_id"`
	ScanEnabled bool                   `json:"scan_enabled"`
	Control     model.ControlDirective `json:"control"`
}

// Live is the supervisor dashboard for the current period.
type Live struct {
	EventDay  string           `json:"event_day"`
	PeriodID  string           `json:"period_id"`
	IsTesting bool             `json:"is_testing"`
	Rooms     []model.RoomView `json:"rooms"`
}

// Service implements the device sync protocol and the supervisor views.
type Service struct {
	store    Store
	periods  *period.Service
	settings SettingsSource
	log      *zap.Logger
}

// NewService creates a sync service. settings may be nil.
func NewService(store Store, periods *period.Service, settings SettingsSource, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, periods: periods, settings: settings, log: log}
}

// ReportStatus records telemetry and hands back the room's control directive.
// force_unlock is delivered at most once; the heartbeat is best-effort.
func (s *Service) ReportStatus(ctx context.Context, r Report, now time.Time) (Sync, error) {
	roomID := strings.TrimSpace(r.RoomID)
	if roomID == "" {
		return Sync{}, fmt.Errorf("%w: room_id required", ErrBadRequest)
	}
	metrics.SyncPolls.Inc()
	at := now.UTC()

	st := model.DeviceStatus{
		RoomID:     roomID,
		Online:     r.Online,
		BatteryPct: clampBattery(r.BatteryPct),
		Charging:   r.Charging,
		QueueLen:   max(r.QueueLen, 0),
		Scanning:   r.Scanning,
		LastSeenTS: &at,
		LastNote:   clampNote(r.Note),
	}
	if err := s.store.UpsertStatus(ctx, st); err != nil {
		return Sync{}, fmt.Errorf("upsert device status: %w", err)
	}

	cur := s.Current(ctx, now)
	if err := s.store.TouchHeartbeat(ctx, cur.Key(roomID), at); err != nil {
		s.log.Warn("heartbeat failed", zap.String("room_id", roomID), zap.Error(err))
	}

	ctl, err := s.store.ConsumeControl(ctx, roomID, at)
	if err != nil {
		return Sync{}, fmt.Errorf("consume control: %w", err)
	}
	if ctl.ForceUnlock {
		metrics.UnlocksDelivered.Inc()
		s.log.Info("force unlock delivered", zap.String("room_id", roomID))
	}
	return Sync{
		EventDay:    cur.EventDay,
		PeriodID:    cur.PeriodID,
		ScanEnabled: cur.ScanEnabled,
		Control:     ctl.Directive(),
	}, nil
}

// Heartbeat refreshes the room's summary row for the current period.
func (s *Service) Heartbeat(ctx context.Context, roomID string, now time.Time) (period.Current, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return period.Current{}, fmt.Errorf("%w: room_id required", ErrBadRequest)
	}
	cur := s.Current(ctx, now)
	if err := s.store.TouchHeartbeat(ctx, cur.Key(roomID), now.UTC()); err != nil {
		return cur, fmt.Errorf("heartbeat: %w", err)
	}
	return cur, nil
}

// Live builds the dashboard for the period active at now.
func (s *Service) Live(ctx context.Context, now time.Time) (Live, error) {
	cfg := s.currentSettings(ctx)
	cur := s.Current(ctx, now)
	rooms, err := s.ListRoomState(ctx, cur.EventDay, cur.PeriodID)
	if err != nil {
		return Live{}, err
	}
	return Live{
		EventDay:  cur.EventDay,
		PeriodID:  cur.PeriodID,
		IsTesting: cur.PeriodID == model.NoPeriod && cfg.AllowNoPeriod,
		Rooms:     rooms,
	}, nil
}

// ListRoomState joins active rooms with their summary and device rows.
// Missing rows show up as zero counters and an offline device.
func (s *Service) ListRoomState(ctx context.Context, eventDay, periodID string) ([]model.RoomView, error) {
	var (
		rooms     []string
		summaries []model.RoomPeriodSummary
		devices   []model.DeviceStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rooms, err = s.store.ActiveRooms(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		summaries, err = s.store.Summaries(gctx, eventDay, periodID)
		return err
	})
	g.Go(func() error {
		var err error
		devices, err = s.store.DeviceStatuses(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load room state: %w", err)
	}

	bySummary := make(map[string]model.RoomPeriodSummary, len(summaries))
	for _, sm := range summaries {
		bySummary[sm.RoomID] = sm
	}
	byDevice := make(map[string]model.DeviceStatus, len(devices))
	for _, d := range devices {
		byDevice[d.RoomID] = d
	}

	out := make([]model.RoomView, 0, len(rooms))
	for _, id := range rooms {
		v := model.RoomView{RoomID: id, ScannerEnabled: true}
		if sm, ok := bySummary[id]; ok {
			v.OKCount, v.DupCount, v.ErrCount = sm.OKCount, sm.DupCount, sm.ErrCount
			v.LastTS, v.LastStudentID, v.LastName, v.LastGrade = sm.LastTS, sm.LastStudentID, sm.LastName, sm.LastGrade
			v.LastStatus, v.LastError = sm.LastStatus, sm.LastError
			v.HelpFlag, v.SupportType, v.SupportTS = sm.HelpFlag, sm.SupportType, sm.SupportTS
			v.LastHeartbeat = sm.LastHeartbeat
		}
		if d, ok := byDevice[id]; ok {
			v.Online, v.BatteryPct, v.Charging = d.Online, d.BatteryPct, d.Charging
			v.QueueLen, v.Scanning, v.ScannerEnabled = d.QueueLen, d.Scanning, d.ScannerEnabled
			v.LastSeenTS = d.LastSeenTS
		}
		out = append(out, v)
	}
	return out, nil
}

// SetControl applies an administrator command to a room.
func (s *Service) SetControl(ctx context.Context, roomID string, action model.ControlAction, reason string, now time.Time) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: room_id required", ErrBadRequest)
	}
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrBadAction, action)
	}
	var message string
	if action == model.ActionDisable {
		if n := clampNote(reason); n != nil {
			message = *n
		}
	}
	if err := s.store.ApplyControl(ctx, roomID, action, message, now.UTC()); err != nil {
		return fmt.Errorf("apply control: %w", err)
	}
	metrics.ControlCommands.WithLabelValues(string(action)).Inc()
	s.log.Info("room control applied", zap.String("room_id", roomID), zap.String("action", string(action)))
	return nil
}

// RequestSupport opens a help request and flags the room on the dashboard.
func (s *Service) RequestSupport(ctx context.Context, roomID, supportType, note string, now time.Time) (model.SupportRequest, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return model.SupportRequest{}, fmt.Errorf("%w: room_id required", ErrBadRequest)
	}
	typ := strings.ToUpper(strings.TrimSpace(supportType))
	if typ != model.SupportScanner {
		typ = model.SupportGeneral
	}
	cur := s.Current(ctx, now)
	req := model.SupportRequest{
		ReqID:       uuid.NewString(),
		EventDay:    cur.EventDay,
		PeriodID:    cur.PeriodID,
		RoomID:      roomID,
		SupportType: typ,
		Note:        clampNote(note),
		Status:      model.SupportOpen,
		CreatedTS:   now.UTC(),
	}
	if err := s.store.CreateSupport(ctx, req); err != nil {
		return model.SupportRequest{}, fmt.Errorf("create support request: %w", err)
	}
	s.log.Info("support requested", zap.String("room_id", roomID), zap.String("support_type", typ))
	return req, nil
}

// ResolveSupport closes a request. Returns store.ErrNotFound for an unknown id.
func (s *Service) ResolveSupport(ctx context.Context, reqID, resolvedBy string, now time.Time) error {
	reqID = strings.TrimSpace(reqID)
	if reqID == "" {
		return fmt.Errorf("%w: req_id required", ErrBadRequest)
	}
	if err := s.store.ResolveSupport(ctx, reqID, resolvedBy, now.UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("resolve support request: %w", err)
	}
	return nil
}

// ListSupport returns requests for the period active at now, newest first.
func (s *Service) ListSupport(ctx context.Context, status string, limit int, now time.Time) ([]model.SupportRequest, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != model.SupportResolved {
		status = model.SupportOpen
	}
	if limit <= 0 {
		limit = defaultSupportLimit
	}
	limit = min(limit, maxSupportLimit)
	cur := s.Current(ctx, now)
	return s.store.ListSupport(ctx, cur.EventDay, cur.PeriodID, status, limit)
}

// BadgeRole returns the role of an active staff badge, or store.ErrNotFound.
func (s *Service) BadgeRole(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id required", ErrBadRequest)
	}
	role, ok, err := s.store.StaffRole(ctx, id)
	if err != nil {
		return "", fmt.Errorf("staff lookup: %w", err)
	}
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

// CanUnlock reports whether a staff role may unlock a device.
func CanUnlock(role string) bool {
	return role == model.RoleAdmin || role == model.RoleTech
}

// Current resolves the period at now. Lookup failures are logged and yield NO_PERIOD.
func (s *Service) Current(ctx context.Context, now time.Time) period.Current {
	cur, err := s.periods.Current(ctx, now, s.currentSettings(ctx).AllowNoPeriod)
	if err != nil {
		s.log.Warn("period lookup failed", zap.Error(err))
	}
	return cur
}

func (s *Service) currentSettings(ctx context.Context) model.Settings {
	if s.settings == nil {
		return model.Settings{AllowNoPeriod: true}
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.log.Warn("settings unavailable", zap.Error(err))
	}
	return cfg
}

func clampBattery(pct *int) *int {
	if pct == nil {
		return nil
	}
	v := min(max(*pct, 0), 100)
	return &v
}

func clampNote(note string) *string {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	if utf8.RuneCountInString(note) > maxNoteLen {
		note = string([]rune(note)[:maxNoteLen])
	}
	return &note
}
