package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomscan/internal/attendance"
	"roomscan/internal/device"
	"roomscan/internal/model"
	"roomscan/internal/settings"
)

type fakeAPI struct {
	mu        sync.Mutex
	batches   [][]attendance.Item
	reports   []device.Report
	submitErr error
	closed    bool
	directive model.ControlDirective
	wire      settings.Wire
	roles     map[string]string
	support   []string
	rooms     []string
	gate      chan struct{} // non-nil: SubmitBatch signals entered, then waits for close
	entered   chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		directive: model.ControlDirective{ScannerEnabled: true},
		wire:      settings.ToWire(settings.Defaults()),
		roles:     map[string]string{"900000001": model.RoleTech, "900000002": model.RoleScanner},
	}
}

func (f *fakeAPI) SubmitBatch(_ context.Context, roomID string, items []attendance.Item) (BatchReply, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return BatchReply{EventDay: "2026-05-04", PeriodID: "P2"}, &ClosedError{EventDay: "2026-05-04", PeriodID: "P2"}
	}
	if f.submitErr != nil {
		return BatchReply{}, f.submitErr
	}
	f.batches = append(f.batches, items)
	f.rooms = append(f.rooms, roomID)
	reply := BatchReply{OK: true, EventDay: "2026-05-04", PeriodID: "P1"}
	for _, it := range items {
		p, err := attendance.ParsePayload(it.QRText)
		if err != nil {
			reply.Results = append(reply.Results, attendance.Result{Status: model.StatusError})
			continue
		}
		id := p.StudentID
		reply.Results = append(reply.Results, attendance.Result{Status: model.StatusOK, StudentID: &id})
	}
	return reply, nil
}

func (f *fakeAPI) ReportStatus(_ context.Context, r device.Report) (SyncReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	d := f.directive
	f.directive.ForceUnlock = false
	return SyncReply{OK: true, EventDay: "2026-05-04", PeriodID: "P1", ScanEnabled: true, Control: d}, nil
}

func (f *fakeAPI) Settings(context.Context) (settings.Wire, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wire, nil
}

func (f *fakeAPI) BadgeRole(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	return role, ok, nil
}

func (f *fakeAPI) RequestSupport(_ context.Context, roomID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.support = append(f.support, roomID)
	return "req-1", nil
}

func (f *fakeAPI) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type queueFixture struct {
	q        *OfflineQueue
	api      *fakeAPI
	storage  *MemoryStorage
	notifier *RecordingNotifier
	clock    *testClock
}

func newQueue(t *testing.T, mutate func(*Config)) queueFixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.Now = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}
	api := newFakeAPI()
	storage := NewMemoryStorage()
	notifier := &RecordingNotifier{}
	q, err := NewOfflineQueue(context.Background(), storage, api, notifier, cfg, nil)
	require.NoError(t, err)
	return queueFixture{q: q, api: api, storage: storage, notifier: notifier, clock: clock}
}

func (f queueFixture) scanning(t *testing.T) {
	t.Helper()
	require.NoError(t, f.q.Lock(context.Background(), "R101"))
	require.NoError(t, f.q.StartScanning())
}

func (f queueFixture) buffered(t *testing.T) int {
	t.Helper()
	n, err := f.storage.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestCaptureRequiresScanning(t *testing.T) {
	f := newQueue(t, nil)
	ok, err := f.q.Capture(context.Background(), "123456789")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.q.StartScanning(), ErrNotLocked)
}

func TestCaptureCooldown(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()

	ok, err := f.q.Capture(ctx, "111111111")
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(500 * time.Millisecond)
	ok, err = f.q.Capture(ctx, "222222222")
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(500 * time.Millisecond)
	ok, err = f.q.Capture(ctx, "222222222")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, f.buffered(t))
}

func TestCaptureFlushesAtBatchSize(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()

	for _, id := range []string{"111111111", "222222222", "333333333"} {
		_, err := f.q.Capture(ctx, id)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, 1, f.api.batchCount())
	assert.Zero(t, f.buffered(t))

	s := f.q.Snapshot()
	assert.Equal(t, 3, s.Counters.OK)
	assert.Equal(t, "P1", s.PeriodID)
	require.Len(t, s.History, 3)
	assert.Equal(t, "333333333", *s.History[0].StudentID)
}

func TestFlushSubmitsOldestPrefix(t *testing.T) {
	f := newQueue(t, func(c *Config) { c.BatchSize = 2 })
	require.NoError(t, f.q.Lock(context.Background(), "R101"))
	ctx := context.Background()
	for _, id := range []string{"111111111", "222222222", "333333333"} {
		_, err := f.storage.Append(ctx, Pending{QRText: id, CapturedAt: f.clock.Now()})
		require.NoError(t, err)
	}

	reply, err := f.q.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, reply.Results, 2)

	left, err := f.storage.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "333333333", left[0].QRText)
}

func TestFlushFailureKeepsBuffer(t *testing.T) {
	f := newQueue(t, nil)
	require.NoError(t, f.q.Lock(context.Background(), "R101"))
	ctx := context.Background()
	_, err := f.storage.Append(ctx, Pending{QRText: "111111111"})
	require.NoError(t, err)

	f.api.submitErr = errors.New("connection refused")
	_, err = f.q.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, f.buffered(t))

	f.api.submitErr = nil
	_, err = f.q.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.buffered(t))
}

func TestFlushNotLocked(t *testing.T) {
	f := newQueue(t, nil)
	_, err := f.q.Flush(context.Background())
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestFlushClosedDiscardsBuffer(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()
	_, err := f.q.Capture(ctx, "111111111")
	require.NoError(t, err)

	f.api.closed = true
	_, err = f.q.Flush(ctx)
	assert.ErrorIs(t, err, ErrScanningClosed)

	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "P2", closed.PeriodID)

	assert.Zero(t, f.buffered(t))
	s := f.q.Snapshot()
	assert.False(t, s.Scanning)
	assert.Equal(t, "R101", s.RoomID)
	assert.Equal(t, "P2", s.PeriodID)

	items := f.notifier.Items()
	assert.Equal(t, FeedbackAlert, items[len(items)-1].Kind)
}

func TestManualEntryFlushesImmediately(t *testing.T) {
	f := newQueue(t, nil)
	require.NoError(t, f.q.Lock(context.Background(), "R101"))

	require.NoError(t, f.q.ManualEntry(context.Background(), "Ada Lovelace", "123456789", 11))
	require.Equal(t, 1, f.api.batchCount())
	assert.Equal(t, attendance.Item{QRText: "Ada Lovelace,123456789,11", Manual: true}, f.api.batches[0][0])

	s := f.q.Snapshot()
	require.Len(t, s.History, 1)
	assert.True(t, s.History[0].Manual)
}

func TestLockPersistsAndRejectsRelock(t *testing.T) {
	f := newQueue(t, nil)
	ctx := context.Background()
	require.NoError(t, f.q.Lock(ctx, "R101"))
	assert.ErrorIs(t, f.q.Lock(ctx, "R102"), ErrAlreadyLocked)

	restored, err := NewOfflineQueue(ctx, f.storage, f.api, nil, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, "R101", restored.Snapshot().RoomID)
}

func TestSyncForceUnlockFiresOnce(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()

	f.api.directive.ForceUnlock = true
	_, err := f.q.Sync(ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, f.q.Snapshot().RoomID)

	room, err := f.storage.LockedRoom(ctx)
	require.NoError(t, err)
	assert.Empty(t, room)

	require.NoError(t, f.q.Lock(ctx, "R102"))
	_, err = f.q.Sync(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "R102", f.q.Snapshot().RoomID)
}

func TestSyncReportsQueueLength(t *testing.T) {
	f := newQueue(t, nil)
	ctx := context.Background()
	_, err := f.q.Sync(ctx, nil, false)
	assert.ErrorIs(t, err, ErrNotLocked)

	f.scanning(t)
	_, err = f.q.Capture(ctx, "111111111")
	require.NoError(t, err)

	battery := 64
	_, err = f.q.Sync(ctx, &battery, true)
	require.NoError(t, err)
	require.Len(t, f.api.reports, 1)
	r := f.api.reports[0]
	assert.Equal(t, "R101", r.RoomID)
	assert.Equal(t, 1, r.QueueLen)
	assert.True(t, r.Scanning)
	assert.Equal(t, 64, *r.BatteryPct)
}

func TestDisableThenEnable(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()

	require.NoError(t, f.q.ApplyDirective(ctx, model.ControlDirective{ScannerEnabled: false, DisableMessage: "fire drill"}))
	s := f.q.Snapshot()
	assert.False(t, s.Scanning)
	assert.False(t, s.ScannerEnabled)
	assert.Equal(t, "fire drill", s.DisableMessage)
	assert.ErrorIs(t, f.q.StartScanning(), ErrScannerDisabled)
	assert.ErrorIs(t, f.q.ManualEntry(ctx, "Ada", "123456789", 0), ErrScannerDisabled)

	require.NoError(t, f.q.ApplyDirective(ctx, model.ControlDirective{ScannerEnabled: true}))
	assert.NoError(t, f.q.StartScanning())
	assert.Equal(t, "R101", f.q.Snapshot().RoomID)
}

func TestBadgeUnlock(t *testing.T) {
	f := newQueue(t, nil)
	ctx := context.Background()
	require.NoError(t, f.q.Lock(ctx, "R101"))

	ok, err := f.q.BadgeUnlock(ctx, "900000002")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.q.BadgeUnlock(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "R101", f.q.Snapshot().RoomID)

	ok, err = f.q.BadgeUnlock(ctx, "900000001")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.q.Snapshot().RoomID)
}

func TestHistoryBounded(t *testing.T) {
	f := newQueue(t, func(c *Config) {
		c.BatchSize = 1
		c.HistoryLimit = 2
	})
	f.scanning(t)
	ctx := context.Background()
	for _, id := range []string{"111111111", "222222222", "333333333"} {
		_, err := f.q.Capture(ctx, id)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	s := f.q.Snapshot()
	require.Len(t, s.History, 2)
	assert.Equal(t, "333333333", *s.History[0].StudentID)
	assert.Equal(t, "222222222", *s.History[1].StudentID)
	assert.Equal(t, 3, s.Counters.OK)
}

func TestErrorResultsCounted(t *testing.T) {
	f := newQueue(t, func(c *Config) { c.BatchSize = 1 })
	f.scanning(t)
	_, err := f.q.Capture(context.Background(), "not-a-student")
	require.NoError(t, err)

	s := f.q.Snapshot()
	assert.Equal(t, 1, s.Counters.Error)
	assert.Nil(t, s.History[0].StudentID)
}

func TestCheckIdle(t *testing.T) {
	f := newQueue(t, func(c *Config) { c.IdleTimeout = time.Minute })
	f.scanning(t)

	f.clock.Advance(30 * time.Second)
	assert.False(t, f.q.CheckIdle())
	f.clock.Advance(31 * time.Second)
	assert.True(t, f.q.CheckIdle())
	assert.False(t, f.q.Snapshot().Scanning)
}

func TestRefreshSettingsClamps(t *testing.T) {
	f := newQueue(t, nil)
	f.api.wire = settings.Wire{BatchSize: 50, FlushIntervalMs: 500, IdleTimeoutMs: 0}

	require.NoError(t, f.q.RefreshSettings(context.Background()))
	assert.Equal(t, settings.MinFlushInterval, f.q.FlushInterval())
	assert.Equal(t, settings.MaxBatchSize, f.q.cfg.BatchSize)
}

func TestRequestSupport(t *testing.T) {
	f := newQueue(t, nil)
	ctx := context.Background()
	assert.ErrorIs(t, f.q.RequestSupport(ctx, "GENERAL", ""), ErrNotLocked)

	require.NoError(t, f.q.Lock(ctx, "R101"))
	require.NoError(t, f.q.RequestSupport(ctx, "SCANNER", "jammed"))
	assert.Equal(t, []string{"R101"}, f.api.support)
}

func TestFlushKeepsCapturesWithTheirRoom(t *testing.T) {
	f := newQueue(t, func(c *Config) { c.BatchSize = 10 })
	f.scanning(t)
	ctx := context.Background()

	_, err := f.q.Capture(ctx, "111111111")
	require.NoError(t, err)

	f.api.directive.ForceUnlock = true
	_, err = f.q.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.NoError(t, f.q.Lock(ctx, "R202"))
	require.NoError(t, f.q.StartScanning())
	f.clock.Advance(time.Second)
	_, err = f.q.Capture(ctx, "222222222")
	require.NoError(t, err)

	_, err = f.q.Flush(ctx)
	require.NoError(t, err)
	_, err = f.q.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"R101", "R202"}, f.api.rooms)
	assert.Equal(t, "111111111", f.api.batches[0][0].QRText)
	assert.Equal(t, "222222222", f.api.batches[1][0].QRText)
	assert.Zero(t, f.buffered(t))
}

func TestFlushDrainsAfterUnlock(t *testing.T) {
	f := newQueue(t, nil)
	f.scanning(t)
	ctx := context.Background()
	_, err := f.q.Capture(ctx, "111111111")
	require.NoError(t, err)

	ok, err := f.q.BadgeUnlock(ctx, "900000001")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R101"}, f.api.rooms)

	_, err = f.q.Flush(ctx)
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestFlushIsSingleFlight(t *testing.T) {
	f := newQueue(t, func(c *Config) { c.BatchSize = 10 })
	f.scanning(t)
	ctx := context.Background()
	_, err := f.q.Capture(ctx, "111111111")
	require.NoError(t, err)

	f.api.gate = make(chan struct{})
	f.api.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := f.q.Flush(ctx)
		done <- err
	}()

	select {
	case <-f.api.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached the server")
	}

	_, err = f.q.Flush(ctx)
	assert.ErrorIs(t, err, ErrFlushInProgress)

	// Captures arriving mid-flight must survive the ack of the earlier batch.
	f.clock.Advance(time.Second)
	_, err = f.q.Capture(ctx, "222222222")
	require.NoError(t, err)

	close(f.api.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not finish")
	}

	left, err := f.storage.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "222222222", left[0].QRText)
	assert.Equal(t, "R101", left[0].RoomID)
	require.Len(t, f.api.batches, 1)
	assert.Len(t, f.api.batches[0], 1)
}
