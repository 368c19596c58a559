// Package mongo is an alternate durable Event Sink backend over MongoDB,
// for operators who already run Mongo for contextcard/mongo and would
// rather not stand up Postgres as well. It implements the same
// eventsink.Sink contract (Append/Query/Subscribe) as eventsink/postgres,
// trading arbitrary-predicate SQL for a handful of indexed Mongo queries
// covering the predicates spec.md §6 actually names.
//
// Grounded on the teacher's features/run/mongo and features/runlog/mongo
// clients (Options/New construction shape, index-ensured-at-construction,
// timeout-wrapped operations) generalized from their fixed run/session
// document shapes to eventsink.Record.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/trace"
)

const (
	defaultCollection = "cascade_events"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo-backed Sink.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	// PollEvery bounds Subscribe's polling cadence against the collection.
	// Defaults to 250ms, matching eventsink/postgres.
	PollEvery time.Duration
}

// Sink is a durable eventsink.Sink backed by MongoDB.
type Sink struct {
	coll      *mongodriver.Collection
	timeout   time.Duration
	pollEvery time.Duration
}

type recordDoc struct {
	Timestamp time.Time `bson:"timestamp"`
	SessionID string    `bson:"session_id"`
	TraceID   string    `bson:"trace_id"`
	NodeType  string    `bson:"node_type"`

	ParentID        string `bson:"parent_id,omitempty"`
	ParentSessionID string `bson:"parent_session_id,omitempty"`
	Role            string `bson:"role,omitempty"`
	Depth           int    `bson:"depth"`
	CascadeID       string `bson:"cascade_id,omitempty"`
	PhaseName       string `bson:"phase_name,omitempty"`

	SoundingIndex *int `bson:"sounding_index,omitempty"`
	IsWinner      bool `bson:"is_winner"`
	ReforgeStep   *int `bson:"reforge_step,omitempty"`
	AttemptNumber int  `bson:"attempt_number"`
	TurnNumber    int  `bson:"turn_number"`

	Model             string  `bson:"model,omitempty"`
	ProviderRequestID string  `bson:"provider_request_id,omitempty"`
	TokensIn          int     `bson:"tokens_in"`
	TokensOut         int     `bson:"tokens_out"`
	Cost              float64 `bson:"cost"`
	DurationMS        int64   `bson:"duration_ms"`

	Payload     []byte         `bson:"payload,omitempty"`
	ContentHash string         `bson:"content_hash,omitempty"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	SemanticActor string       `bson:"semantic_actor,omitempty"`
}

// New constructs a Sink, ensuring the indexes Query relies on exist.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pollEvery := opts.PollEvery
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Sink{coll: coll, timeout: timeout, pollEvery: pollEvery}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "trace_id", Value: 1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "content_hash", Value: 1}}},
		{Keys: bson.D{{Key: "node_type", Value: 1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

// Append durably writes rec.
func (s *Sink) Append(ctx context.Context, rec eventsink.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, toDoc(rec))
	return err
}

// Query implements eventsink.Sink over the predicates spec.md §6 names.
func (s *Sink) Query(ctx context.Context, q eventsink.Query) ([]eventsink.Record, error) {
	if q.TraceID != "" && q.WithAncestors {
		return s.ancestorChain(ctx, q.TraceID)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := buildFilter(q)
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]eventsink.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}

func (s *Sink) ancestorChain(ctx context.Context, id trace.ID) ([]eventsink.Record, error) {
	var out []eventsink.Record
	seen := map[trace.ID]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		var doc recordDoc
		err := s.coll.FindOne(ctx, bson.D{{Key: "trace_id", Value: string(id)}}).Decode(&doc)
		cancel()
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := fromDoc(doc)
		out = append(out, rec)
		id = rec.ParentID
	}
	return out, nil
}

// Subscribe polls for newly appended records every PollEvery interval, the
// same tradeoff eventsink/postgres makes: simplicity over sub-poll-interval
// latency. Front this Sink with eventsink/pulse for lower latency.
func (s *Sink) Subscribe(ctx context.Context) (<-chan eventsink.Record, error) {
	ch := make(chan eventsink.Record, 64)
	go func() {
		defer close(ch)
		since := time.Now()
		t := time.NewTicker(s.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				recs, err := s.Query(ctx, eventsink.Query{Since: since})
				if err != nil {
					continue
				}
				for _, r := range recs {
					select {
					case ch <- r:
					case <-ctx.Done():
						return
					}
					if r.Timestamp.After(since) {
						since = r.Timestamp
					}
				}
			}
		}
	}()
	return ch, nil
}

func buildFilter(q eventsink.Query) bson.D {
	filter := bson.D{}
	if q.SessionID != "" {
		filter = append(filter, bson.E{Key: "session_id", Value: q.SessionID})
	}
	if q.TraceID != "" {
		filter = append(filter, bson.E{Key: "trace_id", Value: string(q.TraceID)})
	}
	if len(q.NodeTypes) > 0 {
		types := make([]string, len(q.NodeTypes))
		for i, nt := range q.NodeTypes {
			types[i] = string(nt)
		}
		filter = append(filter, bson.E{Key: "node_type", Value: bson.D{{Key: "$in", Value: types}}})
	}
	if q.PhaseName != "" {
		filter = append(filter, bson.E{Key: "phase_name", Value: q.PhaseName})
	}
	if q.ContentHash != "" {
		filter = append(filter, bson.E{Key: "content_hash", Value: q.ContentHash})
	}
	if !q.Since.IsZero() {
		filter = append(filter, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gt", Value: q.Since}}})
	}
	return filter
}

func toDoc(rec eventsink.Record) recordDoc {
	return recordDoc{
		Timestamp: rec.Timestamp, SessionID: rec.SessionID, TraceID: string(rec.TraceID), NodeType: string(rec.NodeType),
		ParentID: string(rec.ParentID), ParentSessionID: rec.ParentSessionID, Role: rec.Role, Depth: rec.Depth,
		CascadeID: rec.CascadeID, PhaseName: rec.PhaseName,
		SoundingIndex: rec.SoundingIndex, IsWinner: rec.IsWinner, ReforgeStep: rec.ReforgeStep,
		AttemptNumber: rec.AttemptNumber, TurnNumber: rec.TurnNumber,
		Model: rec.Model, ProviderRequestID: rec.ProviderRequestID, TokensIn: rec.TokensIn, TokensOut: rec.TokensOut,
		Cost: rec.Cost, DurationMS: rec.DurationMS,
		Payload: append([]byte(nil), rec.Payload...), ContentHash: rec.ContentHash,
		Metadata: rec.Metadata, SemanticActor: rec.SemanticActor,
	}
}

func fromDoc(d recordDoc) eventsink.Record {
	return eventsink.Record{
		Timestamp: d.Timestamp, SessionID: d.SessionID, TraceID: trace.ID(d.TraceID), NodeType: trace.NodeType(d.NodeType),
		ParentID: trace.ID(d.ParentID), ParentSessionID: d.ParentSessionID, Role: d.Role, Depth: d.Depth,
		CascadeID: d.CascadeID, PhaseName: d.PhaseName,
		SoundingIndex: d.SoundingIndex, IsWinner: d.IsWinner, ReforgeStep: d.ReforgeStep,
		AttemptNumber: d.AttemptNumber, TurnNumber: d.TurnNumber,
		Model: d.Model, ProviderRequestID: d.ProviderRequestID, TokensIn: d.TokensIn, TokensOut: d.TokensOut,
		Cost: d.Cost, DurationMS: d.DurationMS,
		Payload: append([]byte(nil), d.Payload...), ContentHash: d.ContentHash,
		Metadata: d.Metadata, SemanticActor: d.SemanticActor,
	}
}
