// Package mongo wires contextcard.Store to MongoDB, mirroring the shape of
// the teacher's features/memory/mongo client: a thin Store wrapper around a
// driver-backed collection, index-ensured at construction time.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cascaderun/cascade/contextcard"
)

const (
	defaultCollection = "context_cards"
	defaultTimeout     = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements contextcard.Store over a MongoDB collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type cardDoc struct {
	SessionID       string    `bson:"session_id"`
	ContentHash     string    `bson:"content_hash"`
	PhaseName       string    `bson:"phase_name"`
	Summary         string    `bson:"summary"`
	Keywords        []string  `bson:"keywords"`
	Embedding       []float32 `bson:"embedding,omitempty"`
	EstimatedTokens int       `bson:"estimated_tokens"`
	IsAnchor        bool      `bson:"is_anchor"`
	IsCallout       bool      `bson:"is_callout"`
	WriteOrder      int64     `bson:"write_order"`
}

// New constructs a Store, ensuring the (session_id, content_hash) unique
// index exists.
func New(opts Options) (*Store, error) {
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
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "content_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	_, err = coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "write_order", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Put implements contextcard.Store.
func (s *Store) Put(ctx context.Context, card contextcard.Card) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	doc := cardDoc{
		SessionID:       card.SessionID,
		ContentHash:     card.ContentHash,
		PhaseName:       card.PhaseName,
		Summary:         card.Summary,
		Keywords:        card.Keywords,
		Embedding:       card.Embedding,
		EstimatedTokens: card.EstimatedTokens,
		IsAnchor:        card.IsAnchor,
		IsCallout:       card.IsCallout,
		WriteOrder:      time.Now().UnixNano(),
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "session_id", Value: card.SessionID}, {Key: "content_hash", Value: card.ContentHash}},
		bson.D{{Key: "$set", Value: doc}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// ForSession implements contextcard.Store.
func (s *Store) ForSession(ctx context.Context, sessionID string) ([]contextcard.Card, error) {
	return s.query(ctx, bson.D{{Key: "session_id", Value: sessionID}})
}

// ForPhases implements contextcard.Store.
func (s *Store) ForPhases(ctx context.Context, sessionID string, phases []string) ([]contextcard.Card, error) {
	filter := bson.D{{Key: "session_id", Value: sessionID}}
	if len(phases) > 0 {
		filter = append(filter, bson.E{Key: "phase_name", Value: bson.D{{Key: "$in", Value: phases}}})
	}
	return s.query(ctx, filter)
}

func (s *Store) query(ctx context.Context, filter bson.D) ([]contextcard.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "write_order", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []cardDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]contextcard.Card, len(docs))
	for i, d := range docs {
		out[i] = contextcard.Card{
			SessionID:       d.SessionID,
			ContentHash:     d.ContentHash,
			PhaseName:       d.PhaseName,
			Summary:         d.Summary,
			Keywords:        d.Keywords,
			Embedding:       d.Embedding,
			EstimatedTokens: d.EstimatedTokens,
			IsAnchor:        d.IsAnchor,
			IsCallout:       d.IsCallout,
		}
	}
	return out, nil
}
