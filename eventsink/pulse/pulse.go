// Package pulse decorates another eventsink.Sink with a Redis-backed
// goa.design/pulse stream for low-latency Subscribe fan-out, per the
// postgres Sink's own "production deployments that need sub-poll-interval
// latency should front the sink with the Pulse/Redis fan-out" note. Append
// still writes through to the wrapped Sink (Postgres/Mongo/in-memory) for
// durability and Query; Pulse only carries the live notification.
//
// eventsink.Sink.Subscribe takes no session/cascade scoping (it hands back
// every record appended after the call, matching the in-memory and
// Postgres backends), so every record is published to one shared stream
// rather than split by session — a per-session topic would leave
// Subscribe unable to name which topic to rejoin.
//
// Grounded on the teacher's features/stream/pulse package (Sink/Envelope/
// Options shape) and its clients/pulse wrapper (Client/Stream/Add/NewSink),
// generalized from a single runtime.Event type to eventsink.Record.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"

	"github.com/cascaderun/cascade/eventsink"
	clientspulse "github.com/cascaderun/cascade/eventsink/pulse/clients/pulse"
)

const defaultStreamName = "cascade-events"

// Options configures the fan-out Sink.
type Options struct {
	// Inner is the durable backend Append/Query delegate to. Required.
	Inner eventsink.Sink
	// Client is the Pulse client used to publish/subscribe. Required.
	Client clientspulse.Client
	// StreamName overrides the shared Pulse stream name. Defaults to
	// "cascade-events".
	StreamName string
	// ConsumerGroup names the Pulse consumer group Subscribe registers
	// under. Defaults to "cascade-subscribers".
	ConsumerGroup string
}

// Sink is an eventsink.Sink that durably appends through Inner and also
// publishes each record to a Pulse stream for Subscribe.
type Sink struct {
	inner      eventsink.Sink
	client     clientspulse.Client
	streamName string
	group      string
}

// New builds a fan-out Sink. Returns an error if Inner or Client is nil.
func New(opts Options) (*Sink, error) {
	if opts.Inner == nil {
		return nil, errors.New("inner sink is required")
	}
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	group := opts.ConsumerGroup
	if group == "" {
		group = "cascade-subscribers"
	}
	return &Sink{inner: opts.Inner, client: opts.Client, streamName: name, group: group}, nil
}

// Append writes rec to Inner, then best-effort publishes it to the shared
// Pulse stream. A publish failure does not fail Append: the record is
// already durable in Inner, and Subscribe consumers that missed the live
// notification can still recover it via Query.
func (s *Sink) Append(ctx context.Context, rec eventsink.Record) error {
	if err := s.inner.Append(ctx, rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	stream, err := s.client.Stream(s.streamName)
	if err != nil {
		return nil
	}
	_, _ = stream.Add(ctx, string(rec.NodeType), payload)
	return nil
}

// Query delegates to Inner; Pulse carries only live notifications, never
// the durable/queryable record set.
func (s *Sink) Query(ctx context.Context, q eventsink.Query) ([]eventsink.Record, error) {
	return s.inner.Query(ctx, q)
}

// Subscribe opens a Pulse consumer group on the shared stream and decodes
// each arriving event back into an eventsink.Record, acknowledging it once
// handed to the caller's channel.
func (s *Sink) Subscribe(ctx context.Context) (<-chan eventsink.Record, error) {
	stream, err := s.client.Stream(s.streamName)
	if err != nil {
		return nil, fmt.Errorf("open pulse subscribe stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, s.group)
	if err != nil {
		return nil, fmt.Errorf("create pulse consumer group: %w", err)
	}
	ch := make(chan eventsink.Record, 64)
	go func() {
		defer close(ch)
		defer sink.Close(context.Background())
		events := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				rec, err := decodeRecord(ev)
				if err == nil {
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
				}
				_ = sink.Ack(ctx, ev)
			}
		}
	}()
	return ch, nil
}

func decodeRecord(ev *streaming.Event) (eventsink.Record, error) {
	var rec eventsink.Record
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		return eventsink.Record{}, err
	}
	return rec, nil
}
