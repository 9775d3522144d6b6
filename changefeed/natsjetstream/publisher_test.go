package natsjetstream

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/changefeed"
	"gopersist/logging"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeJetStream struct {
	published []published
	err       error
}

func (f *fakeJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, published{subject: subj, data: data, opts: len(opts)})
	return &nats.PubAck{Stream: "CHANGEFEED", Sequence: uint64(len(f.published))}, nil
}

func TestMarshalUnmarshal(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &changefeed.Message{
		ID:         "msg-1",
		Type:       changefeed.EventEntityUpdated,
		Timestamp:  ts,
		EntityType: "Task",
		EntityID:   "t-1",
		Payload:    map[string]any{"estimate": 99.5},
		Metadata:   map[string]any{"tenant": "demo"},
	}
	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, "t-1", decoded.EntityID)
	assert.Equal(t, ts.UnixNano(), decoded.Timestamp.UnixNano())
	assert.Equal(t, 99.5, decoded.Payload["estimate"])
	assert.Equal(t, "demo", decoded.Metadata["tenant"])

	deleted, err := Marshal(changefeed.NewMessage(changefeed.EventEntityDeleted, "Task", "t-1", nil))
	require.NoError(t, err)
	decoded, err = Unmarshal(deleted)
	require.NoError(t, err)
	assert.Nil(t, decoded.Payload)
}

func TestPublisher_Publish(t *testing.T) {
	fake := &fakeJetStream{}
	p := newPublisher(Config{Logger: logging.NewNoopLogger()}, fake)

	msg := changefeed.NewMessage(changefeed.EventEntityCreated, "Task", "t-1", map[string]any{"title": "a"})
	require.NoError(t, p.Publish(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.PublishAll(ctx, []*changefeed.Message{msg}))

	require.Len(t, fake.published, 2)
	assert.Equal(t, "changefeed.Task.entity.created", fake.published[0].subject)
	assert.Equal(t, 1, fake.published[0].opts)
	assert.Equal(t, 2, fake.published[1].opts, "a deadline is passed through")

	decoded, err := Unmarshal(fake.published[0].data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.NoError(t, p.Close())
}

func TestPublisher_Error(t *testing.T) {
	boom := stdErrors.New("no responders")
	p := newPublisher(Config{SubjectPrefix: "cf.", Logger: logging.NewNoopLogger()}, &fakeJetStream{err: boom})
	msg := changefeed.NewMessage(changefeed.EventLinkRemoved, "Tag_tasks_Task", "t-1", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), msg), boom)
	assert.Equal(t, "cf.Tag_tasks_Task.link.removed", p.SubjectName(msg))
}
