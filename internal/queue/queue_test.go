package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msg, err := NewMessage(TypeScanRecorded, map[string]string{"room_id": "R1"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, TypeScanRecorded, got.Type)
		assert.JSONEq(t, `{"room_id":"R1"}`, string(got.Body))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "b"}), context.DeadlineExceeded)
}

func TestRedisQueueFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, "test:queue")
	q.block = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, room := range []string{"R1", "R2"} {
		msg, err := NewMessage(TypeScanRecorded, map[string]string{"room_id": room})
		require.NoError(t, err)
		require.NoError(t, q.Publish(ctx, msg))
	}
	require.NoError(t, client.LPush(ctx, "test:queue", "not json").Err())

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	var rooms []string
	for len(rooms) < 2 {
		select {
		case got := <-ch:
			rooms = append(rooms, string(got.Body))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", rooms)
		}
	}
	assert.Equal(t, []string{`{"room_id":"R1"}`, `{"room_id":"R2"}`}, rooms)

	cancel()
	for range ch {
	}
}
