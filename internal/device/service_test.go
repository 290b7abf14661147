package device

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomscan/internal/model"
	"roomscan/internal/period"
	"roomscan/internal/store"
)

var (
	inP1  = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	after = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)
	keyP1 = model.SummaryKey{EventDay: "2026-05-04", PeriodID: "P1", RoomID: "R101"}
)

func intp(v int) *int { return &v }

func newMemory() *store.Memory {
	mem := store.NewMemory()
	mem.SetPeriods([]model.Period{
		{PeriodID: "P1", StartTime: "09:00", EndTime: "10:00", Active: true, SortOrder: 1},
	})
	mem.SetRooms("R101", "R102")
	return mem
}

func newService(mem *store.Memory, settings SettingsSource) *Service {
	return NewService(mem, period.NewService(mem, time.UTC), settings, nil)
}

func TestReportStatusClampsTelemetry(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)

	sync, err := svc.ReportStatus(context.Background(), Report{
		RoomID:     " R101 ",
		Online:     true,
		BatteryPct: intp(140),
		QueueLen:   -3,
		Scanning:   true,
		Note:       strings.Repeat("x", 200),
	}, inP1)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", sync.EventDay)
	assert.Equal(t, "P1", sync.PeriodID)
	assert.True(t, sync.ScanEnabled)
	assert.Equal(t, model.ControlDirective{ScannerEnabled: true}, sync.Control)

	statuses, err := mem.DeviceStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	st := statuses[0]
	assert.Equal(t, "R101", st.RoomID)
	assert.Equal(t, 100, *st.BatteryPct)
	assert.Equal(t, 0, st.QueueLen)
	assert.Len(t, *st.LastNote, maxNoteLen)
	assert.True(t, st.ScannerEnabled)

	sum, ok := mem.Summary(keyP1)
	require.True(t, ok)
	require.NotNil(t, sum.LastHeartbeat)
	assert.Equal(t, inP1, *sum.LastHeartbeat)
}

func TestReportStatusRequiresRoom(t *testing.T) {
	_, err := newService(newMemory(), nil).ReportStatus(context.Background(), Report{}, inP1)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestForceUnlockFiresOnce(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionForceUnlock, "", inP1))

	first, err := svc.ReportStatus(ctx, Report{RoomID: "R101", Online: true}, inP1)
	require.NoError(t, err)
	assert.True(t, first.Control.ForceUnlock)

	second, err := svc.ReportStatus(ctx, Report{RoomID: "R101", Online: true}, inP1.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, second.Control.ForceUnlock)
}

func TestDisableThenEnable(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionForceUnlock, "", inP1))
	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionDisable, "  device swap  ", inP1))

	sync, err := svc.ReportStatus(ctx, Report{RoomID: "R101"}, inP1)
	require.NoError(t, err)
	assert.False(t, sync.Control.ScannerEnabled)
	assert.Equal(t, "device swap", sync.Control.DisableMessage)

	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionForceUnlock, "", inP1))
	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionEnable, "", inP1))

	sync, err = svc.ReportStatus(ctx, Report{RoomID: "R101"}, inP1)
	require.NoError(t, err)
	assert.Equal(t, model.ControlDirective{ScannerEnabled: true}, sync.Control)

	statuses, _ := mem.DeviceStatuses(ctx)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].ScannerEnabled)
}

func TestReportStatusKeepsScannerEnabled(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetControl(ctx, "R101", model.ActionDisable, "", inP1))
	_, err := svc.ReportStatus(ctx, Report{RoomID: "R101", Online: true}, inP1)
	require.NoError(t, err)

	statuses, _ := mem.DeviceStatuses(ctx)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].ScannerEnabled)
	assert.True(t, statuses[0].Online)
}

func TestSetControlValidation(t *testing.T) {
	svc := newService(newMemory(), nil)
	assert.ErrorIs(t, svc.SetControl(context.Background(), "R101", "reboot", "", inP1), ErrBadAction)
	assert.ErrorIs(t, svc.SetControl(context.Background(), "", model.ActionEnable, "", inP1), ErrBadRequest)
}

func TestListRoomStateDefaults(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)
	ctx := context.Background()

	_, err := mem.ApplyScan(ctx, model.ScanEvent{EventDay: "2026-05-04", PeriodID: "P1", RoomID: "R101", StudentID: "123456789", Timestamp: inP1})
	require.NoError(t, err)
	_, err = svc.ReportStatus(ctx, Report{RoomID: "R101", Online: true, BatteryPct: intp(80)}, inP1)
	require.NoError(t, err)

	rooms, err := svc.ListRoomState(ctx, "2026-05-04", "P1")
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	assert.Equal(t, "R101", rooms[0].RoomID)
	assert.Equal(t, 1, rooms[0].OKCount)
	assert.True(t, rooms[0].Online)
	assert.Equal(t, 80, *rooms[0].BatteryPct)

	assert.Equal(t, model.RoomView{RoomID: "R102", ScannerEnabled: true}, rooms[1])
}

type stubSettings struct{ allow bool }

func (s stubSettings) Current(context.Context) (model.Settings, error) {
	return model.Settings{AllowNoPeriod: s.allow}, nil
}

func TestLiveTestingFlag(t *testing.T) {
	mem := newMemory()
	ctx := context.Background()

	live, err := newService(mem, stubSettings{allow: true}).Live(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, model.NoPeriod, live.PeriodID)
	assert.True(t, live.IsTesting)
	assert.Len(t, live.Rooms, 2)

	live, err = newService(mem, stubSettings{allow: false}).Live(ctx, after)
	require.NoError(t, err)
	assert.False(t, live.IsTesting)

	live, err = newService(mem, stubSettings{allow: true}).Live(ctx, inP1)
	require.NoError(t, err)
	assert.Equal(t, "P1", live.PeriodID)
	assert.False(t, live.IsTesting)
}

func TestSupportLifecycle(t *testing.T) {
	mem := newMemory()
	svc := newService(mem, nil)
	ctx := context.Background()

	first, err := svc.RequestSupport(ctx, "R101", "scanner", "jammed", inP1)
	require.NoError(t, err)
	assert.Equal(t, model.SupportScanner, first.SupportType)
	second, err := svc.RequestSupport(ctx, "R101", "whatever", "", inP1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.SupportGeneral, second.SupportType)
	assert.Nil(t, second.Note)

	open, err := svc.ListSupport(ctx, "", 0, inP1)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, second.ReqID, open[0].ReqID)

	require.NoError(t, svc.ResolveSupport(ctx, first.ReqID, "tech1", inP1))
	sum, _ := mem.Summary(keyP1)
	assert.True(t, sum.HelpFlag)

	require.NoError(t, svc.ResolveSupport(ctx, second.ReqID, "tech1", inP1))
	sum, _ = mem.Summary(keyP1)
	assert.False(t, sum.HelpFlag)

	resolved, err := svc.ListSupport(ctx, "resolved", 1, inP1)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)

	assert.ErrorIs(t, svc.ResolveSupport(ctx, "missing", "tech1", inP1), store.ErrNotFound)
}

func TestBadgeRole(t *testing.T) {
	mem := newMemory()
	mem.SetStaff("900000001", model.RoleTech)
	mem.SetStaff("900000002", model.RoleScanner)
	svc := newService(mem, nil)
	ctx := context.Background()

	role, err := svc.BadgeRole(ctx, "900000001")
	require.NoError(t, err)
	assert.True(t, CanUnlock(role))

	role, err = svc.BadgeRole(ctx, "900000002")
	require.NoError(t, err)
	assert.False(t, CanUnlock(role))

	_, err = svc.BadgeRole(ctx, "123456789")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestHeartbeat(t *testing.T) {
	mem := newMemory()
	cur, err := newService(mem, nil).Heartbeat(context.Background(), "R102", inP1)
	require.NoError(t, err)
	assert.Equal(t, "P1", cur.PeriodID)

	sum, ok := mem.Summary(model.SummaryKey{EventDay: "2026-05-04", PeriodID: "P1", RoomID: "R102"})
	require.True(t, ok)
	assert.Equal(t, inP1, *sum.LastHeartbeat)
}
