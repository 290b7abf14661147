package client

import (
	"context"
	"sync"
	"time"
)

// Pending is one capture waiting to be submitted. RoomID is the room the
// device was locked to when the capture was taken.
type Pending struct {
	ID         int64
	RoomID     string
	QRText     string
	Manual     bool
	CapturedAt time.Time
}

// Storage is the device's durable FIFO buffer plus its persisted lock.
type Storage interface {
	Append(ctx context.Context, p Pending) (int64, error)
	Peek(ctx context.Context, n int) ([]Pending, error)
	Remove(ctx context.Context, ids []int64) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	LockedRoom(ctx context.Context) (string, error)
	SetLockedRoom(ctx context.Context, roomID string) error
	Close() error
}

// MemoryStorage keeps everything in process. Nothing survives a restart.
type MemoryStorage struct {
	mu     sync.Mutex
	nextID int64
	items  []Pending
	room   string
}

// NewMemoryStorage creates an empty buffer.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Append(_ context.Context, p Pending) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.items = append(m.items, p)
	return p.ID, nil
}

func (m *MemoryStorage) Peek(_ context.Context, n int) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n = min(n, len(m.items))
	return append([]Pending(nil), m.items[:n]...), nil
}

func (m *MemoryStorage) Remove(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.items[:0]
	for _, p := range m.items {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	m.items = kept
	return nil
}

func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	return nil
}

func (m *MemoryStorage) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryStorage) LockedRoom(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room, nil
}

func (m *MemoryStorage) SetLockedRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.room = roomID
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
