package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"roomscan/internal/attendance"
	"roomscan/internal/device"
	"roomscan/internal/model"
	"roomscan/internal/settings"
)

// ErrScanningClosed is matched by *ClosedError.
var ErrScanningClosed = errors.New("scanning closed")

// ClosedError reports that the server refused a batch because the period is closed.
type ClosedError struct {
	EventDay string
	PeriodID string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("scanning closed for %s %s", e.EventDay, e.PeriodID)
}

func (e *ClosedError) Is(target error) bool { return target == ErrScanningClosed }

// BatchReply is the server's answer to a scan batch.
type BatchReply struct {
	OK       bool                `json:"ok"`
	EventDay string              `json:"event_day"`
	PeriodID string              `json:"period_id"`
	Results  []attendance.Result `json:"results"`
}

// SyncReply is the server's answer to a status report.
type SyncReply struct {
	OK          bool                   `json:"ok"`
	EventDay    string                 `json:"event_day"`
	PeriodID    string                 `json:"period_id"`
	ScanEnabled bool                   `json:"scan_enabled"`
	Control     model.ControlDirective `json:"control"`
}

// API is the server surface a device uses.
type API interface {
	SubmitBatch(ctx context.Context, roomID string, items []attendance.Item) (BatchReply, error)
	ReportStatus(ctx context.Context, r device.Report) (SyncReply, error)
	Settings(ctx context.Context) (settings.Wire, error)
	BadgeRole(ctx context.Context, id string) (string, bool, error)
	RequestSupport(ctx context.Context, roomID, supportType, note string) (string, error)
}

type errorReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	EventDay string `json:"event_day"`
	PeriodID string `json:"period_id"`
}

// HTTPAPI talks to the roomscan API over HTTP.
type HTTPAPI struct {
	http *resty.Client
	log  *zap.Logger
}

// NewHTTPAPI creates a client for baseURL. Batches are safe to retry since the
// server deduplicates them.
func NewHTTPAPI(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPAPI {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPAPI{http: client, log: log}
}

func (a *HTTPAPI) SubmitBatch(ctx context.Context, roomID string, items []attendance.Item) (BatchReply, error) {
	var (
		out     BatchReply
		failure errorReply
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"room_id": roomID, "items": items}).
		SetResult(&out).
		SetError(&failure).
		Post("/v1/scan_batch")
	if err != nil {
		return BatchReply{}, fmt.Errorf("scan batch: %w", err)
	}
	if resp.StatusCode() == http.StatusConflict && failure.Error == "scanning_closed" {
		return BatchReply{EventDay: failure.EventDay, PeriodID: failure.PeriodID},
			&ClosedError{EventDay: failure.EventDay, PeriodID: failure.PeriodID}
	}
	if resp.IsError() {
		return BatchReply{}, statusError("scan batch", resp, failure)
	}
	return out, nil
}

func (a *HTTPAPI) ReportStatus(ctx context.Context, r device.Report) (SyncReply, error) {
	var (
		out     SyncReply
		failure errorReply
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(r).
		SetResult(&out).
		SetError(&failure).
		Post("/v1/device_status")
	if err != nil {
		return SyncReply{}, fmt.Errorf("device status: %w", err)
	}
	if resp.IsError() {
		return SyncReply{}, statusError("device status", resp, failure)
	}
	return out, nil
}

func (a *HTTPAPI) Settings(ctx context.Context) (settings.Wire, error) {
	var out struct {
		OK       bool          `json:"ok"`
		Settings settings.Wire `json:"settings"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&out).Get("/v1/settings")
	if err != nil {
		return settings.Wire{}, fmt.Errorf("settings: %w", err)
	}
	if resp.IsError() {
		return settings.Wire{}, statusError("settings", resp, errorReply{})
	}
	return out.Settings, nil
}

// BadgeRole resolves a staff badge. An unknown badge is not an error.
func (a *HTTPAPI) BadgeRole(ctx context.Context, id string) (string, bool, error) {
	var (
		out struct {
			OK   bool   `json:"ok"`
			Role string `json:"role"`
		}
		failure errorReply
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"id": id}).
		SetResult(&out).
		SetError(&failure).
		Post("/v1/badge_role")
	if err != nil {
		return "", false, fmt.Errorf("badge role: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", false, nil
	}
	if resp.IsError() {
		return "", false, statusError("badge role", resp, failure)
	}
	return out.Role, true, nil
}

func (a *HTTPAPI) RequestSupport(ctx context.Context, roomID, supportType, note string) (string, error) {
	var (
		out struct {
			OK    bool   `json:"ok"`
			ReqID string `json:"req_id"`
		}
		failure errorReply
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"room_id": roomID, "support_type": supportType, "note": note}).
		SetResult(&out).
		SetError(&failure).
		Post("/v1/support_request")
	if err != nil {
		return "", fmt.Errorf("support request: %w", err)
	}
	if resp.IsError() {
		return "", statusError("support request", resp, failure)
	}
	return out.ReqID, nil
}

// Live fetches the supervisor dashboard with an operator token.
func (a *HTTPAPI) Live(ctx context.Context, token string) (device.Live, error) {
	var (
		out     device.Live
		failure errorReply
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		SetError(&failure).
		Get("/v1/live")
	if err != nil {
		return device.Live{}, fmt.Errorf("live: %w", err)
	}
	if resp.IsError() {
		return device.Live{}, statusError("live", resp, failure)
	}
	return out, nil
}

// RoomControl sends an administrator command with an operator token.
func (a *HTTPAPI) RoomControl(ctx context.Context, token, roomID string, action model.ControlAction, reason string) error {
	var failure errorReply
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"room_id": roomID, "action": string(action), "reason": reason}).
		SetError(&failure).
		Post("/v1/admin/room_control")
	if err != nil {
		return fmt.Errorf("room control: %w", err)
	}
	if resp.IsError() {
		return statusError("room control", resp, failure)
	}
	return nil
}

func statusError(op string, resp *resty.Response, failure errorReply) error {
	code := failure.Error
	if code == "" {
		code = http.StatusText(resp.StatusCode())
	}
	return fmt.Errorf("%s: %s (status %d)", op, code, resp.StatusCode())
}
