package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"roomscan/internal/model"
)

// Keys stored in the settings table.
const (
	KeyBatchSize     = "batchSize"
	KeyFlushInterval = "flushIntervalMs"
	KeyAllowNoPeriod = "allowNoPeriod"
	KeyIdleTimeout   = "idleTimeoutMs"
)

// Limits applied to device-facing values.
const (
	MinBatchSize     = 1
	MaxBatchSize     = 10
	MinFlushInterval = 2 * time.Second
	MaxFlushInterval = 60 * time.Second
)

// ErrInvalid is returned for an update outside the accepted ranges.
var ErrInvalid = errors.New("invalid settings")

// Defaults returns the settings used when the table has no value.
func Defaults() model.Settings {
	return model.Settings{
		BatchSize:     5,
		FlushInterval: 12 * time.Second,
		AllowNoPeriod: true,
		IdleTimeout:   10 * time.Minute,
	}
}

// FromValues decodes raw table values, clamping what devices will use.
// Unparseable values fall back to defaults.
func FromValues(values map[string]string) model.Settings {
	s := Defaults()
	if v, err := strconv.Atoi(values[KeyBatchSize]); err == nil {
		s.BatchSize = v
	}
	if v, err := strconv.Atoi(values[KeyFlushInterval]); err == nil {
		s.FlushInterval = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.ParseBool(values[KeyAllowNoPeriod]); err == nil {
		s.AllowNoPeriod = v
	}
	if v, err := strconv.Atoi(values[KeyIdleTimeout]); err == nil && v >= 0 {
		s.IdleTimeout = time.Duration(v) * time.Millisecond
	}
	return Clamp(s)
}

// Clamp bounds batch size and flush interval.
func Clamp(s model.Settings) model.Settings {
	s.BatchSize = min(max(s.BatchSize, MinBatchSize), MaxBatchSize)
	s.FlushInterval = min(max(s.FlushInterval, MinFlushInterval), MaxFlushInterval)
	if s.IdleTimeout < 0 {
		s.IdleTimeout = 0
	}
	return s
}

// Wire is the JSON shape served to devices and accepted from admins.
type Wire struct {
	BatchSize       int  `json:"batchSize"`
	FlushIntervalMs int  `json:"flushIntervalMs"`
	AllowNoPeriod   bool `json:"allowNoPeriod"`
	IdleTimeoutMs   int  `json:"idleTimeoutMs"`
}

// ToWire converts settings to their JSON shape.
func ToWire(s model.Settings) Wire {
	return Wire{
		BatchSize:       s.BatchSize,
		FlushIntervalMs: int(s.FlushInterval / time.Millisecond),
		AllowNoPeriod:   s.AllowNoPeriod,
		IdleTimeoutMs:   int(s.IdleTimeout / time.Millisecond),
	}
}

// Update is a partial admin change. Nil fields are left as they are.
type Update struct {
	BatchSize       *int  `json:"batchSize"`
	FlushIntervalMs *int  `json:"flushIntervalMs"`
	AllowNoPeriod   *bool `json:"allowNoPeriod"`
	IdleTimeoutMs   *int  `json:"idleTimeoutMs"`
}

// Values validates u and returns the table rows to write.
func (u Update) Values() (map[string]string, error) {
	out := make(map[string]string)
	if u.BatchSize != nil {
		if *u.BatchSize < MinBatchSize || *u.BatchSize > MaxBatchSize {
			return nil, fmt.Errorf("%w: batchSize must be %d..%d", ErrInvalid, MinBatchSize, MaxBatchSize)
		}
		out[KeyBatchSize] = strconv.Itoa(*u.BatchSize)
	}
	if u.FlushIntervalMs != nil {
		d := time.Duration(*u.FlushIntervalMs) * time.Millisecond
		if d < MinFlushInterval || d > MaxFlushInterval {
			return nil, fmt.Errorf("%w: flushIntervalMs must be %d..%d", ErrInvalid,
				MinFlushInterval.Milliseconds(), MaxFlushInterval.Milliseconds())
		}
		out[KeyFlushInterval] = strconv.Itoa(*u.FlushIntervalMs)
	}
	if u.AllowNoPeriod != nil {
		out[KeyAllowNoPeriod] = strconv.FormatBool(*u.AllowNoPeriod)
	}
	if u.IdleTimeoutMs != nil {
		if *u.IdleTimeoutMs < 0 {
			return nil, fmt.Errorf("%w: idleTimeoutMs must not be negative", ErrInvalid)
		}
		out[KeyIdleTimeout] = strconv.Itoa(*u.IdleTimeoutMs)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	return out, nil
}

// Store persists raw settings rows.
type Store interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Service reads settings through an optional cache.
type Service struct {
	store Store
	cache *Cache
	log   *zap.Logger
}

// NewService creates a settings service. cache may be nil.
func NewService(store Store, cache *Cache, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cache: cache, log: log}
}

// Current returns the effective settings.
func (s *Service) Current(ctx context.Context) (model.Settings, error) {
	if s.cache != nil {
		if values, ok := s.cache.Get(ctx); ok {
			return FromValues(values), nil
		}
	}
	values, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Defaults(), fmt.Errorf("load settings: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, values); err != nil {
			s.log.Warn("settings cache write failed", zap.Error(err))
		}
	}
	return FromValues(values), nil
}

// Save validates and writes an admin update, then drops the cached copy.
func (s *Service) Save(ctx context.Context, u Update) (model.Settings, error) {
	values, err := u.Values()
	if err != nil {
		return model.Settings{}, err
	}
	if err := s.store.SaveSettings(ctx, values); err != nil {
		return model.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn("settings cache invalidate failed", zap.Error(err))
		}
	}
	return s.Current(ctx)
}
