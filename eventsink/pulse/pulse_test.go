package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/eventsink/inmem"
	clientspulse "github.com/cascaderun/cascade/eventsink/pulse/clients/pulse"
	"github.com/cascaderun/cascade/trace"
)

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, sink: &fakeSink{ch: make(chan *streaming.Event, 16)}}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error { return nil }

type fakeStream struct {
	name string
	sink *fakeSink
	adds []addCall
}

type addCall struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	s.adds = append(s.adds, addCall{event: event, payload: payload})
	s.sink.ch <- &streaming.Event{Payload: payload}
	return "1-0", nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeSink struct {
	ch     chan *streaming.Event
	acked  []*streaming.Event
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(ctx context.Context, ev *streaming.Event) error {
	s.acked = append(s.acked, ev)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) {
	s.closed = true
	close(s.ch)
}

func TestSinkAppendDelegatesAndPublishesToStream(t *testing.T) {
	cli := newFakeClient()
	inner := inmem.New(inmem.WithFlushPolicy(1, time.Hour))
	sink, err := New(Options{Inner: inner, Client: cli})
	require.NoError(t, err)

	rec := eventsink.Record{SessionID: "S1", TraceID: trace.ID("t1"), NodeType: trace.NodeWard}
	require.NoError(t, sink.Append(context.Background(), rec))

	stream, ok := cli.streams["cascade-events"]
	require.True(t, ok)
	require.Len(t, stream.adds, 1)

	var got eventsink.Record
	require.NoError(t, json.Unmarshal(stream.adds[0].payload, &got))
	assert.Equal(t, "S1", got.SessionID)
}

func TestSinkQueryDelegatesToInner(t *testing.T) {
	cli := newFakeClient()
	inner := inmem.New(inmem.WithFlushPolicy(1, time.Hour))
	sink, err := New(Options{Inner: inner, Client: cli})
	require.NoError(t, err)

	rec := eventsink.Record{SessionID: "S1", TraceID: trace.ID("t1"), NodeType: trace.NodeWard}
	require.NoError(t, sink.Append(context.Background(), rec))

	out, err := sink.Query(context.Background(), eventsink.Query{SessionID: "S1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, trace.ID("t1"), out[0].TraceID)
}

func TestSinkSubscribeDecodesPublishedRecords(t *testing.T) {
	cli := newFakeClient()
	inner := inmem.New(inmem.WithFlushPolicy(1, time.Hour))
	sink, err := New(Options{Inner: inner, Client: cli})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sink.Subscribe(ctx)
	require.NoError(t, err)

	rec := eventsink.Record{SessionID: "S2", TraceID: trace.ID("t2"), NodeType: trace.NodeWard}
	require.NoError(t, sink.Append(context.Background(), rec))

	got := <-ch
	assert.Equal(t, trace.ID("t2"), got.TraceID)
}

func TestNewRequiresInnerAndClient(t *testing.T) {
	_, err := New(Options{Client: newFakeClient()})
	assert.Error(t, err)

	_, err = New(Options{Inner: inmem.New(inmem.WithFlushPolicy(1, time.Hour))})
	assert.Error(t, err)
}
