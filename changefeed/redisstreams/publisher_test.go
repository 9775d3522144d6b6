package redisstreams

import (
	"bytes"
	"context"
	stdErrors "errors"
	"log"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/changefeed"
	"gopersist/logging"
)

type fakeClient struct {
	added  []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &changefeed.Message{
		ID:         "msg-1",
		Type:       changefeed.EventEntityCreated,
		Timestamp:  ts,
		EntityType: "Task",
		EntityID:   "t-1",
		Payload:    map[string]any{"priority": 42},
		Metadata:   map[string]any{"source": "api"},
	}

	values, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, "Task", decoded.EntityType)
	assert.Equal(t, "t-1", decoded.EntityID)
	assert.Equal(t, ts.UnixNano(), decoded.Timestamp.UnixNano())
	assert.Equal(t, float64(42), decoded.Payload["priority"])
	assert.Equal(t, "api", decoded.Metadata["source"])
}

func TestDecodeFallbacks(t *testing.T) {
	decoded, err := Decode(redis.XMessage{ID: "2-0", Values: map[string]any{
		"type":      changefeed.EventEntityDeleted,
		"timestamp": "1700000000000000000",
		"payload":   "null",
	}})
	require.NoError(t, err)
	assert.Equal(t, "2-0", decoded.ID)
	assert.Equal(t, int64(1700000000000000000), decoded.Timestamp.UnixNano())
	assert.Nil(t, decoded.Payload)

	_, err = Decode(redis.XMessage{ID: "3-0", Values: map[string]any{"payload": "{"}})
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	fake := &fakeClient{}
	p := newPublisher(Config{MaxLen: 1000, MaxPublishConcurrency: 2, Logger: logging.NewNoopLogger()}, fake, true)

	messages := []*changefeed.Message{
		changefeed.NewMessage(changefeed.EventEntityCreated, "Task", "t-1", map[string]any{"title": "a"}),
		changefeed.NewMessage(changefeed.EventLinkAdded, "Tag_tasks_Task", "t-1", nil),
	}
	require.NoError(t, p.PublishAll(ctx, messages))
	require.Len(t, fake.added, 2)
	assert.Equal(t, "changefeed:Task", fake.added[0].Stream)
	assert.Equal(t, "changefeed:Tag_tasks_Task", fake.added[1].Stream)
	assert.Equal(t, int64(1000), fake.added[0].MaxLen)
	assert.True(t, fake.added[0].Approx)

	values, ok := fake.added[0].Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, messages[0].ID, values["id"])
	assert.Equal(t, `{"title":"a"}`, values["payload"])

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
}

func TestPublisher_Errors(t *testing.T) {
	boom := stdErrors.New("connection refused")
	fake := &fakeClient{err: boom}
	var out bytes.Buffer
	logger := logging.NewStdLogger("").WithOutput(log.New(&out, "", 0))
	p := newPublisher(Config{StreamPrefix: "cf:", Logger: logger}, fake, false)

	err := p.Publish(context.Background(), changefeed.NewMessage(changefeed.EventEntityUpdated, "Task", "t-1", nil))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, out.String(), "[WARN] 写入 Redis Stream 失败 stream=cf:Task")
	assert.Equal(t, "cf:Task", p.StreamName("Task"))

	require.NoError(t, p.Close())
	assert.False(t, fake.closed, "borrowed clients stay open")

	_, err = NewPublisher(Config{})
	assert.Error(t, err)
}
