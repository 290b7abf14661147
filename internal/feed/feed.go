package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomscan/internal/metrics"
	"roomscan/internal/model"
	"roomscan/internal/queue"
)

// Event is one processed scan item as seen by supervisors.
type Event struct {
	EventDay  string           `json:"event_day"`
	PeriodID  string           `json:"period_id"`
	RoomID    string           `json:"room_id"`
	StudentID *string          `json:"student_id"`
	Name      *string          `json:"name,omitempty"`
	Status    model.ScanStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	Manual    bool             `json:"manual"`
	At        time.Time        `json:"at"`
}

// Recorder keeps a bounded, expiring list of recent events per room and period.
type Recorder struct {
	client *redis.Client
	size   int64
	ttl    time.Duration
}

// NewRecorder creates a Redis-backed recent feed.
func NewRecorder(client *redis.Client, size int, ttl time.Duration) *Recorder {
	if size <= 0 {
		size = 50
	}
	if ttl <= 0 {
		ttl = 36 * time.Hour
	}
	return &Recorder{client: client, size: int64(size), ttl: ttl}
}

func key(eventDay, periodID, roomID string) string {
	return fmt.Sprintf("roomscan:feed:%s:%s:%s", eventDay, periodID, roomID)
}

// Append pushes ev to the head of its room feed.
func (r *Recorder) Append(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	k := key(ev.EventDay, ev.PeriodID, ev.RoomID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, k, raw)
	pipe.LTrim(ctx, k, 0, r.size-1)
	pipe.Expire(ctx, k, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit events, newest first.
func (r *Recorder) Recent(ctx context.Context, eventDay, periodID, roomID string, limit int) ([]Event, error) {
	if limit <= 0 || int64(limit) > r.size {
		limit = int(r.size)
	}
	vals, err := r.client.LRange(ctx, key(eventDay, periodID, roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(vals))
	for _, v := range vals {
		var ev Event
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Worker drains scan events from the queue into the recorder.
type Worker struct {
	q        queue.Queue
	recorder *Recorder
	log      *zap.Logger
}

// NewWorker wires a queue consumer to a recorder.
func NewWorker(q queue.Queue, recorder *Recorder, log *zap.Logger) *Worker {
	return &Worker{q: q, recorder: recorder, log: log}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for msg := range messages {
		w.Handle(ctx, msg)
	}
	return nil
}

// Handle applies a single message. Unknown types are ignored.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeScanRecorded {
		metrics.FeedEvents.WithLabelValues("skipped").Inc()
		return
	}
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		metrics.FeedEvents.WithLabelValues("invalid").Inc()
		w.log.Warn("undecodable scan event", zap.Error(err))
		return
	}
	if err := w.recorder.Append(ctx, ev); err != nil {
		metrics.FeedEvents.WithLabelValues("failed").Inc()
		w.log.Error("feed append failed", zap.String("room_id", ev.RoomID), zap.Error(err))
		return
	}
	metrics.FeedEvents.WithLabelValues("applied").Inc()
	w.log.Debug("feed event applied",
		zap.String("room_id", ev.RoomID),
		zap.String("period_id", ev.PeriodID),
		zap.String("status", string(ev.Status)))
}
