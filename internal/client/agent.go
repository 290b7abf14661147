package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Telemetry reads battery state. Either value may be unknown.
type Telemetry func() (battery *int, charging bool)

// Agent drives an OfflineQueue from an input stream and two timers.
type Agent struct {
	queue        *OfflineQueue
	in           io.Reader
	syncInterval time.Duration
	telemetry    Telemetry
	log          *zap.Logger
}

// NewAgent creates an agent reading commands and captures from in.
func NewAgent(q *OfflineQueue, in io.Reader, syncInterval time.Duration, telemetry Telemetry, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	if telemetry == nil {
		telemetry = func() (*int, bool) { return nil, false }
	}
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}
	return &Agent{queue: q, in: in, syncInterval: syncInterval, telemetry: telemetry, log: log}
}

// Run blocks until ctx is cancelled or the input stream ends.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.queue.RefreshSettings(ctx); err != nil {
		a.log.Warn("settings fetch failed, using defaults", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.flushLoop(gctx) })
	g.Go(func() error { return a.syncLoop(gctx) })
	g.Go(func() error {
		defer cancel()
		return a.inputLoop(gctx)
	})
	err := g.Wait()

	// Best-effort drain of whatever is left before exiting.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if _, ferr := a.queue.Flush(drainCtx); ferr != nil && !quietFlushError(ferr) {
		a.log.Warn("final flush failed", zap.Error(ferr))
	}
	return err
}

func (a *Agent) flushLoop(ctx context.Context) error {
	timer := time.NewTimer(a.queue.FlushInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			a.queue.CheckIdle()
			if _, err := a.queue.Flush(ctx); err != nil && !quietFlushError(err) {
				a.log.Warn("periodic flush failed", zap.Error(err))
			}
			timer.Reset(a.queue.FlushInterval())
		}
	}
}

func (a *Agent) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			battery, charging := a.telemetry()
			if _, err := a.queue.Sync(ctx, battery, charging); err != nil && !errors.Is(err, ErrNotLocked) {
				a.log.Warn("sync failed", zap.Error(err))
			}
			if err := a.queue.RefreshSettings(ctx); err != nil {
				a.log.Debug("settings refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) inputLoop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := a.HandleLine(ctx, line); err != nil {
				a.queue.notify(FeedbackError, err.Error())
			}
		}
	}
}

// HandleLine interprets one input line. Known commands are lock, unlock,
// manual, start, stop, flush, help and status; anything else is a capture.
func (a *Agent) HandleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "lock":
		return a.queue.Lock(ctx, arg)
	case "unlock":
		_, err := a.queue.BadgeUnlock(ctx, arg)
		return err
	case "manual":
		name, id, grade, err := parseManual(arg)
		if err != nil {
			return err
		}
		return a.queue.ManualEntry(ctx, name, id, grade)
	case "start":
		return a.queue.StartScanning()
	case "stop":
		a.queue.StopScanning()
		return nil
	case "flush":
		_, err := a.queue.Flush(ctx)
		if quietFlushError(err) {
			return nil
		}
		return err
	case "help":
		return a.queue.RequestSupport(ctx, "GENERAL", arg)
	case "status":
		s := a.queue.Snapshot()
		a.queue.notify(FeedbackInfo, fmt.Sprintf("room=%s period=%s scanning=%v enabled=%v ok=%d dup=%d err=%d",
			s.RoomID, s.PeriodID, s.Scanning, s.ScannerEnabled, s.Counters.OK, s.Counters.Duplicate, s.Counters.Error))
		return nil
	}
	_, err := a.queue.Capture(ctx, line)
	return err
}

func parseManual(arg string) (name, id string, grade int, err error) {
	parts := strings.Split(arg, ",")
	if len(parts) < 2 {
		return "", "", 0, fmt.Errorf("manual entry needs NAME,ID[,GRADE]")
	}
	name, id = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		grade, err = strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return "", "", 0, fmt.Errorf("bad grade %q", parts[2])
		}
	}
	return name, id, grade, nil
}

func quietFlushError(err error) bool {
	return errors.Is(err, ErrNotLocked) || errors.Is(err, ErrFlushInProgress)
}
