package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"roomscan/internal/attendance"
	"roomscan/internal/device"
	"roomscan/internal/model"
	"roomscan/internal/settings"
)

var (
	// ErrNotLocked is returned for room operations before the device is locked.
	ErrNotLocked = errors.New("device not locked to a room")
	// ErrAlreadyLocked is returned when locking a device that is already locked.
	ErrAlreadyLocked = errors.New("device already locked")
	// ErrScannerDisabled is returned while an administrator has disabled the room.
	ErrScannerDisabled = errors.New("scanner disabled")
	// ErrFlushInProgress is returned when another flush is still running.
	ErrFlushInProgress = errors.New("flush in progress")
)

// Config tunes the offline queue.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	IdleTimeout   time.Duration
	Cooldown      time.Duration
	HistoryLimit  int
	Now           func() time.Time
}

// DefaultConfig mirrors the server's default settings.
func DefaultConfig() Config {
	s := settings.Defaults()
	return Config{
		BatchSize:     s.BatchSize,
		FlushInterval: s.FlushInterval,
		IdleTimeout:   s.IdleTimeout,
		Cooldown:      900 * time.Millisecond,
		HistoryLimit:  120,
		Now:           time.Now,
	}
}

// HistoryEntry is one processed capture as shown on the device.
type HistoryEntry struct {
	StudentID *string
	Status    model.ScanStatus
	Manual    bool
	At        time.Time
}

// Counters are the device's running totals since start.
type Counters struct {
	OK        int
	Duplicate int
	Error     int
}

// State is a snapshot of the queue for display and telemetry.
type State struct {
	RoomID         string
	Scanning       bool
	ScannerEnabled bool
	DisableMessage string
	EventDay       string
	PeriodID       string
	Counters       Counters
	History        []HistoryEntry
}

// OfflineQueue buffers captures durably and drains them to the server in batches.
// The device moves Unlocked -> Locked(room) -> Locked+Scanning; the lock survives
// restarts and is only released by a force-unlock directive or a staff badge.
type OfflineQueue struct {
	storage  Storage
	api      API
	notifier Notifier
	log      *zap.Logger

	mu             sync.Mutex
	cfg            Config
	room           string
	scanning       bool
	scannerEnabled bool
	disableMessage string
	eventDay       string
	periodID       string
	counters       Counters
	history        []HistoryEntry
	lastCapture    time.Time
	lastActivity   time.Time

	flushing atomic.Bool
}

// NewOfflineQueue restores the persisted lock and returns a queue.
func NewOfflineQueue(ctx context.Context, storage Storage, api API, notifier Notifier, cfg Config, log *zap.Logger) (*OfflineQueue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 120
	}
	cfg.BatchSize = min(max(cfg.BatchSize, settings.MinBatchSize), attendance.MaxBatch)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = settings.Defaults().FlushInterval
	}

	room, err := storage.LockedRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lock: %w", err)
	}
	q := &OfflineQueue{
		storage:        storage,
		api:            api,
		notifier:       notifier,
		log:            log,
		cfg:            cfg,
		room:           room,
		scannerEnabled: true,
	}
	if room != "" {
		q.notify(FeedbackInfo, "locked to room "+room)
	}
	return q, nil
}

// Lock binds the device to a room.
func (q *OfflineQueue) Lock(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("room id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.room != "" {
		return fmt.Errorf("%w to %s", ErrAlreadyLocked, q.room)
	}
	if err := q.storage.SetLockedRoom(ctx, roomID); err != nil {
		return fmt.Errorf("persist lock: %w", err)
	}
	q.room = roomID
	q.notify(FeedbackInfo, "locked to room "+roomID)
	return nil
}

func (q *OfflineQueue) unlock(ctx context.Context, why string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.room == "" {
		return nil
	}
	if err := q.storage.SetLockedRoom(ctx, ""); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	q.log.Info("device unlocked", zap.String("room_id", q.room), zap.String("by", why))
	q.room = ""
	q.scanning = false
	q.notify(FeedbackInfo, "unlocked ("+why+")")
	return nil
}

// BadgeUnlock releases the lock when the badge belongs to ADMIN or TECH staff.
func (q *OfflineQueue) BadgeUnlock(ctx context.Context, badgeID string) (bool, error) {
	role, found, err := q.api.BadgeRole(ctx, strings.TrimSpace(badgeID))
	if err != nil {
		return false, err
	}
	if !found || !device.CanUnlock(role) {
		q.notify(FeedbackError, "badge not authorized to unlock")
		return false, nil
	}
	return true, q.unlock(ctx, "badge "+role)
}

// StartScanning enables capture for the locked room.
func (q *OfflineQueue) StartScanning() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.room == "" {
		return ErrNotLocked
	}
	if !q.scannerEnabled {
		return ErrScannerDisabled
	}
	q.scanning = true
	q.lastActivity = q.cfg.Now()
	q.notify(FeedbackInfo, "scanning started")
	return nil
}

// StopScanning disables capture. The buffer is kept.
func (q *OfflineQueue) StopScanning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopLocked("scanning stopped")
}

func (q *OfflineQueue) stopLocked(msg string) {
	if q.scanning {
		q.scanning = false
		q.notify(FeedbackInfo, msg)
	}
}

// Capture buffers one scanned payload. Captures arriving within the cooldown of
// the previous accepted one are ignored and reported as not accepted.
func (q *OfflineQueue) Capture(ctx context.Context, text string) (bool, error) {
	q.mu.Lock()
	if !q.scanning {
		q.mu.Unlock()
		return false, nil
	}
	now := q.cfg.Now()
	if !q.lastCapture.IsZero() && now.Sub(q.lastCapture) < q.cfg.Cooldown {
		q.mu.Unlock()
		return false, nil
	}
	if _, err := q.storage.Append(ctx, Pending{RoomID: q.room, QRText: text, CapturedAt: now}); err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("buffer capture: %w", err)
	}
	q.lastCapture = now
	q.lastActivity = now
	batch := q.cfg.BatchSize
	q.mu.Unlock()

	n, err := q.storage.Len(ctx)
	if err != nil {
		return true, err
	}
	if n >= batch {
		if _, err := q.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
			q.log.Warn("flush after capture failed", zap.Error(err))
		}
	}
	return true, nil
}

// ManualEntry buffers a typed check-in and flushes immediately.
func (q *OfflineQueue) ManualEntry(ctx context.Context, name, studentID string, grade int) error {
	q.mu.Lock()
	if q.room == "" {
		q.mu.Unlock()
		return ErrNotLocked
	}
	if !q.scannerEnabled {
		q.mu.Unlock()
		return ErrScannerDisabled
	}
	now := q.cfg.Now()
	text := strings.Join([]string{strings.TrimSpace(name), strings.TrimSpace(studentID), gradeText(grade)}, ",")
	if _, err := q.storage.Append(ctx, Pending{RoomID: q.room, QRText: text, Manual: true, CapturedAt: now}); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("buffer manual entry: %w", err)
	}
	q.lastActivity = now
	q.mu.Unlock()

	_, err := q.Flush(ctx)
	if errors.Is(err, ErrFlushInProgress) {
		return nil
	}
	return err
}

func gradeText(grade int) string {
	if grade <= 0 {
		return ""
	}
	return strconv.Itoa(grade)
}

// Flush submits the oldest buffered captures. Only one flush runs at a time.
// A batch never mixes rooms: captures are sent under the room they were taken
// in, even after the device has been unlocked or relocked. On success exactly
// the submitted items leave the buffer; on failure the buffer is untouched.
// A closed period stops capture and discards the buffer.
func (q *OfflineQueue) Flush(ctx context.Context) (BatchReply, error) {
	if !q.flushing.CompareAndSwap(false, true) {
		return BatchReply{}, ErrFlushInProgress
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	locked, size := q.room, q.cfg.BatchSize
	q.mu.Unlock()

	pending, err := q.storage.Peek(ctx, size)
	if err != nil {
		return BatchReply{}, fmt.Errorf("read buffer: %w", err)
	}
	if len(pending) == 0 {
		if locked == "" {
			return BatchReply{}, ErrNotLocked
		}
		return BatchReply{}, nil
	}
	room := roomOf(pending[0], locked)
	if room == "" {
		return BatchReply{}, ErrNotLocked
	}
	n := 1
	for n < len(pending) && roomOf(pending[n], locked) == room {
		n++
	}
	pending = pending[:n]

	items := make([]attendance.Item, len(pending))
	ids := make([]int64, len(pending))
	for i, p := range pending {
		items[i] = attendance.Item{QRText: p.QRText, Manual: p.Manual}
		ids[i] = p.ID
	}

	reply, err := q.api.SubmitBatch(ctx, room, items)
	if errors.Is(err, ErrScanningClosed) {
		q.closePeriod(ctx, reply)
		return reply, err
	}
	if err != nil {
		q.log.Warn("batch submit failed, keeping buffer",
			zap.String("room_id", room), zap.Int("items", len(items)), zap.Error(err))
		return BatchReply{}, err
	}

	if err := q.storage.Remove(ctx, ids); err != nil {
		return reply, fmt.Errorf("ack buffer: %w", err)
	}
	q.applyResults(reply, pending)
	return reply, nil
}

// roomOf returns the capture's room. Rows written before rooms were recorded
// belong to the currently locked room.
func roomOf(p Pending, locked string) string {
	if p.RoomID != "" {
		return p.RoomID
	}
	return locked
}

func (q *OfflineQueue) closePeriod(ctx context.Context, reply BatchReply) {
	if err := q.storage.Clear(ctx); err != nil {
		q.log.Error("discard buffer failed", zap.Error(err))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eventDay, q.periodID = reply.EventDay, reply.PeriodID
	q.scanning = false
	q.notify(FeedbackAlert, "scanning closed for "+reply.PeriodID)
}

func (q *OfflineQueue) applyResults(reply BatchReply, submitted []Pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if reply.PeriodID != "" {
		q.eventDay, q.periodID = reply.EventDay, reply.PeriodID
	}
	now := q.cfg.Now()
	entries := make([]HistoryEntry, 0, len(reply.Results))
	for i, r := range reply.Results {
		e := HistoryEntry{StudentID: r.StudentID, Status: r.Status, At: now}
		if i < len(submitted) {
			e.Manual = submitted[i].Manual
			e.At = submitted[i].CapturedAt
		}
		entries = append(entries, e)

		id := "unreadable"
		if r.StudentID != nil {
			id = *r.StudentID
		}
		switch r.Status {
		case model.StatusOK:
			q.counters.OK++
			q.notify(FeedbackOK, "checked in "+id)
		case model.StatusDuplicate:
			q.counters.Duplicate++
			q.notify(FeedbackDuplicate, "already checked in "+id)
		default:
			q.counters.Error++
			q.notify(FeedbackError, "not recorded "+id)
		}
	}
	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	q.history = append(entries, q.history...)
	if len(q.history) > q.cfg.HistoryLimit {
		q.history = q.history[:q.cfg.HistoryLimit]
	}
}

// ApplyDirective acts on the control block returned by a sync poll.
func (q *OfflineQueue) ApplyDirective(ctx context.Context, d model.ControlDirective) error {
	if d.ForceUnlock {
		if err := q.unlock(ctx, "force unlock"); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !d.ScannerEnabled {
		wasEnabled := q.scannerEnabled
		q.scannerEnabled = false
		q.disableMessage = d.DisableMessage
		q.scanning = false
		if wasEnabled {
			msg := "scanner disabled"
			if d.DisableMessage != "" {
				msg += ": " + d.DisableMessage
			}
			q.notify(FeedbackAlert, msg)
		}
		return nil
	}
	if !q.scannerEnabled {
		q.notify(FeedbackInfo, "scanner enabled")
	}
	q.scannerEnabled = true
	q.disableMessage = ""
	return nil
}

// Sync reports telemetry and applies the returned directive.
func (q *OfflineQueue) Sync(ctx context.Context, battery *int, charging bool) (SyncReply, error) {
	n, err := q.storage.Len(ctx)
	if err != nil {
		return SyncReply{}, err
	}
	q.mu.Lock()
	room, scanning := q.room, q.scanning
	q.mu.Unlock()
	if room == "" {
		return SyncReply{}, ErrNotLocked
	}

	reply, err := q.api.ReportStatus(ctx, device.Report{
		RoomID:     room,
		Online:     true,
		BatteryPct: battery,
		Charging:   charging,
		QueueLen:   n,
		Scanning:   scanning,
	})
	if err != nil {
		return SyncReply{}, err
	}
	q.mu.Lock()
	q.eventDay, q.periodID = reply.EventDay, reply.PeriodID
	q.mu.Unlock()
	return reply, q.ApplyDirective(ctx, reply.Control)
}

// RefreshSettings pulls and clamps server settings.
func (q *OfflineQueue) RefreshSettings(ctx context.Context) error {
	w, err := q.api.Settings(ctx)
	if err != nil {
		return err
	}
	s := settings.Clamp(model.Settings{
		BatchSize:     w.BatchSize,
		FlushInterval: time.Duration(w.FlushIntervalMs) * time.Millisecond,
		AllowNoPeriod: w.AllowNoPeriod,
		IdleTimeout:   time.Duration(w.IdleTimeoutMs) * time.Millisecond,
	})
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.BatchSize = s.BatchSize
	q.cfg.FlushInterval = s.FlushInterval
	q.cfg.IdleTimeout = s.IdleTimeout
	return nil
}

// RequestSupport raises a help request for the locked room.
func (q *OfflineQueue) RequestSupport(ctx context.Context, supportType, note string) error {
	q.mu.Lock()
	room := q.room
	q.mu.Unlock()
	if room == "" {
		return ErrNotLocked
	}
	if _, err := q.api.RequestSupport(ctx, room, supportType, note); err != nil {
		return err
	}
	q.notify(FeedbackInfo, "help requested")
	return nil
}

// CheckIdle stops scanning after IdleTimeout without captures. Zero disables it.
func (q *OfflineQueue) CheckIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.scanning || q.cfg.IdleTimeout <= 0 {
		return false
	}
	if q.cfg.Now().Sub(q.lastActivity) < q.cfg.IdleTimeout {
		return false
	}
	q.stopLocked("scanning stopped after inactivity")
	return true
}

// FlushInterval returns the current flush period.
func (q *OfflineQueue) FlushInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.FlushInterval
}

// Snapshot returns the current state.
func (q *OfflineQueue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		RoomID:         q.room,
		Scanning:       q.scanning,
		ScannerEnabled: q.scannerEnabled,
		DisableMessage: q.disableMessage,
		EventDay:       q.eventDay,
		PeriodID:       q.periodID,
		Counters:       q.counters,
		History:        append([]HistoryEntry(nil), q.history...),
	}
}

func (q *OfflineQueue) notify(kind FeedbackKind, msg string) {
	if q.notifier != nil {
		q.notifier.Notify(Feedback{Kind: kind, Message: msg})
	}
}
