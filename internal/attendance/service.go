package attendance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomscan/internal/feed"
	"roomscan/internal/metrics"
	"roomscan/internal/model"
	"roomscan/internal/period"
	"roomscan/internal/queue"
	"roomscan/internal/settings"
)

// MaxBatch is the most items accepted per call; extras are dropped.
const MaxBatch = 10

const publishTimeout = time.Second

// Source roles recorded on each scan.
const (
	SourceScanner = "SCANNER"
	SourceManual  = "MANUAL"
)

// Item is one raw capture from a device.
type Item struct {
	QRText string `json:"qr_text"`
	Manual bool   `json:"manual"`
}

// Result is the outcome for one item, in input order.
type Result struct {
	Status    model.ScanStatus `json:"status"`
	StudentID *string          `json:"student_id"`
}

// Batch is the response to an ingestion call.
type Batch struct {
	EventDay string   `json:"event_day"`
	PeriodID string   `json:"period_id"`
	Results  []Result `json:"results"`
}

// Store records scans and keeps the room-period summary consistent with them.
type Store interface {
	period.Source
	ApplyScan(ctx context.Context, ev model.ScanEvent) (model.ScanStatus, error)
	RecordFailure(ctx context.Context, f model.Failure) error
}

// SettingsSource supplies runtime settings.
type SettingsSource interface {
	Current(ctx context.Context) (model.Settings, error)
}

// Publisher receives one feed message per processed item.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Service coordinates batch ingestion.
type Service struct {
	store     Store
	periods   *period.Service
	settings  SettingsSource
	publisher Publisher
	log       *zap.Logger

	inflight sync.WaitGroup
}

// NewService creates an ingestion service. settings and publisher may be nil.
func NewService(store Store, periods *period.Service, settings SettingsSource, publisher Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, periods: periods, settings: settings, publisher: publisher, log: log}
}


// Ingest validates and records a batch of captures for a room.
// A closed period rejects the whole batch before any write; the returned Batch
// still carries the resolved event day and period.
func (s *Service) Ingest(ctx context.Context, roomID string, items []Item, now time.Time) (Batch, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Batch{}, fmt.Errorf("%w: room_id required", ErrBadRequest)
	}
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	cur, err := s.periods.Current(ctx, now, s.allowNoPeriod(ctx))
	if err != nil {
		s.log.Error("resolve period failed", zap.String("room_id", roomID), zap.Error(err))
		metrics.BatchesRejected.WithLabelValues("storage").Inc()
		return Batch{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	batch := Batch{EventDay: cur.EventDay, PeriodID: cur.PeriodID}
	if cur.Closed() {
		metrics.BatchesRejected.WithLabelValues("scanning_closed").Inc()
		return batch, ErrScanningClosed
	}

	if len(items) > MaxBatch {
		items = items[:MaxBatch]
	}
	key := cur.Key(roomID)
	at := now.UTC()
	results := make([]Result, len(items))
	names := make([]*string, len(items))

	// Items are applied in input order so the summary's last_* fields end on the
	// final item of the batch.
	var attempted, faulted int
	for i, it := range items {
		p, err := ParsePayload(it.QRText)
		if err != nil {
			results[i] = Result{Status: model.StatusError}
			s.recordFailure(ctx, key, results[i], at, i)
			continue
		}
		id := p.StudentID
		names[i] = p.Name
		role := SourceScanner
		if it.Manual {
			role = SourceManual
		}
		attempted++
		status, err := s.store.ApplyScan(ctx, model.ScanEvent{
			ScanID:     uuid.NewString(),
			EventDay:   key.EventDay,
			PeriodID:   key.PeriodID,
			RoomID:     roomID,
			StudentID:  id,
			Grade:      p.Grade,
			Name:       p.Name,
			Timestamp:  at,
			SourceRole: role,
		})
		if err != nil {
			s.log.Warn("apply scan failed",
				zap.String("room_id", roomID),
				zap.String("student_id", id),
				zap.Error(err))
			faulted++
			results[i] = Result{Status: model.StatusError, StudentID: &id}
			s.recordFailure(ctx, key, results[i], at, i)
			continue
		}
		results[i] = Result{Status: status, StudentID: &id}
	}

	if attempted > 0 && faulted == attempted {
		metrics.BatchesRejected.WithLabelValues("storage").Inc()
		return batch, fmt.Errorf("%w: %d of %d items failed", ErrStorage, faulted, attempted)
	}

	batch.Results = results
	msgs := make([]queue.Message, 0, len(results))
	for i, r := range results {
		metrics.ScanItems.WithLabelValues(string(r.Status)).Inc()
		if msg, err := feedMessage(key, items[i].Manual, names[i], r, at); err == nil {
			msgs = append(msgs, msg)
		}
	}
	s.publish(ctx, roomID, msgs)
	s.log.Info("scan batch ingested",
		zap.String("room_id", roomID),
		zap.String("event_day", key.EventDay),
		zap.String("period_id", key.PeriodID),
		zap.Int("items", len(results)))
	return batch, nil
}

func (s *Service) recordFailure(ctx context.Context, key model.SummaryKey, r Result, at time.Time, idx int) {
	f := model.Failure{Key: key, StudentID: r.StudentID, Reason: failureReason(r), At: at}
	if err := s.store.RecordFailure(ctx, f); err != nil {
		s.log.Warn("record failure failed", zap.String("room_id", key.RoomID), zap.Int("item", idx), zap.Error(err))
	}
}

func (s *Service) allowNoPeriod(ctx context.Context) bool {
	if s.settings == nil {
		return settings.Defaults().AllowNoPeriod
	}
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		s.log.Warn("settings unavailable, using defaults", zap.Error(err))
		return settings.Defaults().AllowNoPeriod
	}
	return cfg.AllowNoPeriod
}

func failureReason(r Result) string {
	if r.StudentID == nil {
		return "parse"
	}
	return "storage"
}

func feedMessage(key model.SummaryKey, manual bool, name *string, r Result, at time.Time) (queue.Message, error) {
	ev := feed.Event{
		EventDay:  key.EventDay,
		PeriodID:  key.PeriodID,
		RoomID:    key.RoomID,
		StudentID: r.StudentID,
		Name:      name,
		Status:    r.Status,
		Manual:    manual,
		At:        at,
	}
	if r.Status == model.StatusError {
		ev.Error = failureReason(r)
	}
	return queue.NewMessage(queue.TypeScanRecorded, ev)
}

// publish hands the batch's feed events to a background goroutine so a slow
// queue never delays the device's response. The whole batch shares one deadline.
func (s *Service) publish(ctx context.Context, roomID string, msgs []queue.Message) {
	if s.publisher == nil || len(msgs) == 0 {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		for _, msg := range msgs {
			if err := s.publisher.Publish(pubCtx, msg); err != nil {
				s.log.Warn("publish scan events failed", zap.String("room_id", roomID), zap.Error(err))
				return
			}
		}
	}()
}

// Drain waits for pending feed publishes or until ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
