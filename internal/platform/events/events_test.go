package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New(TransferApproved, LocationTopic("abc"), "Transfer", "t-1", map[string]int{"beds": 3})

	assert.Equal(t, "location:abc", e.Topic)
	assert.Equal(t, TransferApproved, e.Type)
	assert.JSONEq(t, `{"beds":3}`, string(e.Data))
	assert.False(t, e.Timestamp.IsZero())
}

type failing struct{ calls int }

func (f *failing) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestEmit_ContinuesPastFailures(t *testing.T) {
	p := &failing{}
	Emit(context.Background(), p, zerolog.Nop(),
		New(LocationCreated, TopicLocations, "Location", "1", nil),
		New(LocationCreated, LocationTopic("1"), "Location", "1", nil),
	)
	assert.Equal(t, 2, p.calls)

	Emit(context.Background(), nil, zerolog.Nop(), New(LocationCreated, TopicLocations, "Location", "1", nil))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ctx, New(CapacityChanged, TopicLocations, "Location", "x", i)))
	}

	got := r.Drain()
	assert.Len(t, got, 2, "events beyond capacity are dropped")
	assert.Empty(t, r.Drain())
}

func TestDecode(t *testing.T) {
	raw, err := json.Marshal(New(TransferCompleted, TopicTransfers, "Transfer", "t-2", nil))
	require.NoError(t, err)

	e, err := decode(string(raw))
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, e.Type)
	assert.Equal(t, "t-2", e.ResourceID)

	_, err = decode("{not json")
	assert.Error(t, err)

	_, err = decode(`{"type":"transfer.created"}`)
	assert.Error(t, err, "topic is required")
}

func TestRedisBus_PublishUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	bus := NewRedisBus(client, "", zerolog.Nop())
	assert.Equal(t, DefaultChannel, bus.channel)

	err := bus.Publish(context.Background(), New(TransferCreated, TopicTransfers, "Transfer", "t", nil))
	assert.ErrorContains(t, err, "failed to publish event")
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-url://")
	assert.ErrorContains(t, err, "parse redis url")
}
