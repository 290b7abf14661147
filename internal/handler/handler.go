package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"roomscan/internal/attendance"
	"roomscan/internal/auth"
	"roomscan/internal/device"
	"roomscan/internal/feed"
	"roomscan/internal/model"
	"roomscan/internal/settings"
	"roomscan/internal/store"
)

// Feed reads the recent scan feed for a room.
type Feed interface {
	Recent(ctx context.Context, eventDay, periodID, roomID string, limit int) ([]feed.Event, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires services into the HTTP layer.
type Deps struct {
	Ingest     *attendance.Service
	Device     *device.Service
	Settings   *settings.Service
	Feed       Feed
	SigningKey string
	Issuer     string
	Health     map[string]HealthCheck
	Log        *zap.Logger
	Now        func() time.Time
}

// Handler serves the device and supervisor API.
type Handler struct {
	Deps
}

// New creates a handler.
func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{Deps: d}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1")
	v1.POST("/scan_batch", h.scanBatch)
	v1.POST("/device_status", h.deviceStatus)
	v1.POST("/heartbeat", h.heartbeat)
	v1.POST("/support_request", h.supportRequest)
	v1.POST("/badge_role", h.badgeRole)
	v1.GET("/settings", h.getSettings)

	staff := v1.Group("", auth.Require(h.SigningKey, h.Issuer, model.RoleTech, model.RoleAdmin))
	staff.GET("/live", h.live)
	staff.GET("/rooms/:room_id/recent", h.recent)
	staff.GET("/support", h.listSupport)
	staff.POST("/support/:req_id/resolve", h.resolveSupport)

	admin := v1.Group("/admin", auth.Require(h.SigningKey, h.Issuer, model.RoleAdmin))
	admin.POST("/room_control", h.roomControl)
	admin.PUT("/settings", h.putSettings)
}

func (h *Handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		healthy := check(c.Request.Context())
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) scanBatch(c *gin.Context) {
	var req struct {
		RoomID string            `json:"room_id"`
		Items  []attendance.Item `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	batch, err := h.Ingest.Ingest(c.Request.Context(), req.RoomID, req.Items, h.Now())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"event_day": batch.EventDay,
			"period_id": batch.PeriodID,
			"results":   batch.Results,
		})
	case errors.Is(err, attendance.ErrScanningClosed):
		c.JSON(http.StatusConflict, gin.H{
			"ok":        false,
			"error":     "scanning_closed",
			"event_day": batch.EventDay,
			"period_id": batch.PeriodID,
		})
	default:
		h.writeError(c, err)
	}
}

func (h *Handler) deviceStatus(c *gin.Context) {
	var req device.Report
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	sync, err := h.Device.ReportStatus(c.Request.Context(), req, h.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"event_day":    sync.EventDay,
		"period_id":    sync.PeriodID,
		"scan_enabled": sync.ScanEnabled,
		"control":      sync.Control,
	})
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req struct {
		RoomID string `json:"room_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	cur, err := h.Device.Heartbeat(c.Request.Context(), req.RoomID, h.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "event_day": cur.EventDay, "period_id": cur.PeriodID})
}

func (h *Handler) supportRequest(c *gin.Context) {
	var req struct {
		RoomID      string `json:"room_id"`
		SupportType string `json:"support_type"`
		Note        string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	created, err := h.Device.RequestSupport(c.Request.Context(), req.RoomID, req.SupportType, req.Note, h.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "req_id": created.ReqID})
}

func (h *Handler) badgeRole(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	role, err := h.Device.BadgeRole(c.Request.Context(), req.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "role": role, "can_unlock": device.CanUnlock(role)})
}

func (h *Handler) getSettings(c *gin.Context) {
	s, err := h.Settings.Current(c.Request.Context())
	if err != nil {
		h.Log.Warn("settings unavailable, serving defaults", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": settings.ToWire(s)})
}

func (h *Handler) putSettings(c *gin.Context) {
	var req settings.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	s, err := h.Settings.Save(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": settings.ToWire(s)})
}

func (h *Handler) live(c *gin.Context) {
	live, err := h.Device.Live(c.Request.Context(), h.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"event_day":  live.EventDay,
		"period_id":  live.PeriodID,
		"is_testing": live.IsTesting,
		"rooms":      live.Rooms,
	})
}

func (h *Handler) recent(c *gin.Context) {
	if h.Feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "feed_unavailable"})
		return
	}
	cur := h.Device.Current(c.Request.Context(), h.Now())
	eventDay := c.DefaultQuery("event_day", cur.EventDay)
	periodID := c.DefaultQuery("period_id", cur.PeriodID)
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := h.Feed.Recent(c.Request.Context(), eventDay, periodID, c.Param("room_id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "event_day": eventDay, "period_id": periodID, "events": events})
}

func (h *Handler) listSupport(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	reqs, err := h.Device.ListSupport(c.Request.Context(), c.Query("status"), limit, h.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []model.SupportRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "requests": reqs})
}

func (h *Handler) resolveSupport(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	if err := h.Device.ResolveSupport(c.Request.Context(), c.Param("req_id"), claims.Subject, h.Now()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) roomControl(c *gin.Context) {
	var req struct {
		RoomID string              `json:"room_id"`
		Action model.ControlAction `json:"action"`
		Reason string              `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.Device.SetControl(c.Request.Context(), req.RoomID, req.Action, req.Reason, h.Now()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request"})
}

// writeError maps service errors onto status codes and error codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, attendance.ErrBadRequest), errors.Is(err, device.ErrBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, device.ErrBadAction):
		status, code = http.StatusBadRequest, "bad_action"
	case errors.Is(err, settings.ErrInvalid):
		status, code = http.StatusBadRequest, "invalid_settings"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, attendance.ErrStorage):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	}
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"ok": false, "error": code})
}
