package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomscan/internal/attendance"
	"roomscan/internal/auth"
	"roomscan/internal/device"
	"roomscan/internal/feed"
	"roomscan/internal/model"
	"roomscan/internal/period"
	"roomscan/internal/settings"
	"roomscan/internal/store"
)

const (
	signingKey = "handler-test-key"
	issuer     = "roomscan"
)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fixture struct {
	router *gin.Engine
	mem    *store.Memory
	feed   *feed.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	closed := false
	mem := store.NewMemory()
	mem.SetPeriods([]model.Period{
		{PeriodID: "P1", StartTime: "09:00", EndTime: "10:00", Active: true, SortOrder: 1},
		{PeriodID: "P2", StartTime: "10:00", EndTime: "11:00", Active: true, ScanEnabled: &closed, SortOrder: 2},
	})
	mem.SetRooms("R101", "R102")
	mem.SetStaff("900000001", model.RoleAdmin)

	mr := miniredis.RunT(t)
	rec := feed.NewRecorder(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 10, time.Hour)

	periods := period.NewService(mem, time.UTC)
	cfg := settings.NewService(mem, nil, nil)
	h := New(Deps{
		Ingest:     attendance.NewService(mem, periods, cfg, nil, nil),
		Device:     device.NewService(mem, periods, cfg, nil),
		Settings:   cfg,
		Feed:       rec,
		SigningKey: signingKey,
		Issuer:     issuer,
		Health: map[string]HealthCheck{
			"db": func(context.Context) bool { return true },
		},
		Now: func() time.Time { return now },
	})
	r := gin.New()
	h.Register(r)
	return fixture{router: r, mem: mem, feed: rec}
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.Issue("900000001", role, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	return tok.Value
}

func (f fixture) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestScanBatch(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/scan_batch", "", gin.H{
		"room_id": "R101",
		"items": []gin.H{
			{"qr_text": "Jane,123456789,10", "manual": false},
			{"qr_text": "123456789", "manual": true},
			{"qr_text": "nope", "manual": false},
		},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "P1", body["period_id"])
	results := body["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].(map[string]any)["status"])
	assert.Equal(t, "duplicate", results[1].(map[string]any)["status"])
	assert.Equal(t, "error", results[2].(map[string]any)["status"])
	assert.Nil(t, results[2].(map[string]any)["student_id"])
}

func TestScanBatchClosed(t *testing.T) {
	f := newFixture(t)
	now = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	defer func() { now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC) }()

	code, body := f.do(t, http.MethodPost, "/v1/scan_batch", "", gin.H{
		"room_id": "R101",
		"items":   []gin.H{{"qr_text": "123456789"}},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, map[string]any{
		"ok":        false,
		"error":     "scanning_closed",
		"event_day": "2026-05-04",
		"period_id": "P2",
	}, body)
}

func TestScanBatchBadRequest(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/scan_batch", "", "{")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", body["error"])

	code, _ = f.do(t, http.MethodPost, "/v1/scan_batch", "", gin.H{"room_id": "", "items": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeviceStatusDeliversUnlockOnce(t *testing.T) {
	f := newFixture(t)
	admin := token(t, model.RoleAdmin)

	code, _ := f.do(t, http.MethodPost, "/v1/admin/room_control", admin, gin.H{"room_id": "R101", "action": "forceUnlock"})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/v1/device_status", "", gin.H{"room_id": "R101", "online": true, "battery_pct": 55})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["scan_enabled"])
	assert.Equal(t, true, body["control"].(map[string]any)["force_unlock"])

	_, body = f.do(t, http.MethodPost, "/v1/device_status", "", gin.H{"room_id": "R101", "online": true})
	assert.Equal(t, false, body["control"].(map[string]any)["force_unlock"])
}

func TestRoomControlRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/v1/admin/room_control", token(t, model.RoleAdmin), gin.H{"room_id": "R101", "action": "reboot"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_action", body["error"])
}

func TestAuthGates(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/live", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "auth_required", body["error"])

	code, body = f.do(t, http.MethodPost, "/v1/admin/room_control", token(t, model.RoleTech), gin.H{"room_id": "R101", "action": "enable"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", body["error"])
}

func TestLive(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/scan_batch", "", gin.H{"room_id": "R102", "items": []gin.H{{"qr_text": "123456789"}}})

	code, body := f.do(t, http.MethodGet, "/v1/live", token(t, model.RoleTech), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["is_testing"])
	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 2)
	assert.Equal(t, float64(0), rooms[0].(map[string]any)["ok_count"])
	assert.Equal(t, float64(1), rooms[1].(map[string]any)["ok_count"])
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/settings", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), body["settings"].(map[string]any)["batchSize"])

	code, body = f.do(t, http.MethodPut, "/v1/admin/settings", token(t, model.RoleAdmin), gin.H{"batchSize": 40})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_settings", body["error"])

	code, body = f.do(t, http.MethodPut, "/v1/admin/settings", token(t, model.RoleAdmin), gin.H{"batchSize": 8, "flushIntervalMs": 5000})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(8), body["settings"].(map[string]any)["batchSize"])
	assert.Equal(t, float64(5000), body["settings"].(map[string]any)["flushIntervalMs"])
}

func TestBadgeRole(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/badge_role", "", gin.H{"id": "900000001"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ADMIN", body["role"])
	assert.Equal(t, true, body["can_unlock"])

	code, body = f.do(t, http.MethodPost, "/v1/badge_role", "", gin.H{"id": "123456789"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
}

func TestSupportFlow(t *testing.T) {
	f := newFixture(t)
	tech := token(t, model.RoleTech)

	code, body := f.do(t, http.MethodPost, "/v1/support_request", "", gin.H{"room_id": "R101", "support_type": "SCANNER", "note": "jam"})
	require.Equal(t, http.StatusOK, code)
	reqID := body["req_id"].(string)

	_, body = f.do(t, http.MethodGet, "/v1/support", tech, nil)
	require.Len(t, body["requests"].([]any), 1)

	code, _ = f.do(t, http.MethodPost, "/v1/support/"+reqID+"/resolve", tech, nil)
	assert.Equal(t, http.StatusOK, code)

	_, body = f.do(t, http.MethodGet, "/v1/support", tech, nil)
	assert.Empty(t, body["requests"].([]any))

	code, _ = f.do(t, http.MethodPost, "/v1/support/missing/resolve", tech, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRecentFeed(t *testing.T) {
	f := newFixture(t)
	student := "123456789"
	require.NoError(t, f.feed.Append(context.Background(), feed.Event{
		EventDay: "2026-05-04", PeriodID: "P1", RoomID: "R101", StudentID: &student, Status: model.StatusOK, At: now,
	}))

	code, body := f.do(t, http.MethodGet, "/v1/rooms/R101/recent?limit=5", token(t, model.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, student, events[0].(map[string]any)["student_id"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["db"])
}
