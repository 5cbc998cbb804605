package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TollLedger/internal/event"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMongoCollection is the collection the dashboard has always read.
const DefaultMongoCollection = "rfid_logs"

// mongoDecision is the stored document shape.
type mongoDecision struct {
	ID        string    `bson:"_id"`
	UID       string    `bson:"uid"`
	Timestamp time.Time `bson:"timestamp"`
	Outcome   string    `bson:"outcome"`
	Balance   int64     `bson:"balance"`
	Deducted  *int64    `bson:"deducted,omitempty"`
	Message   string    `bson:"message,omitempty"`
}

func toMongoDecision(d event.Decision) mongoDecision {
	return mongoDecision{
		ID:        d.DecisionID.String(),
		UID:       d.Identifier,
		Timestamp: d.Timestamp,
		Outcome:   string(d.Outcome),
		Balance:   d.Balance,
		Deducted:  d.Deducted,
		Message:   d.Message,
	}
}

func (m mongoDecision) toDecision() (event.Decision, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return event.Decision{}, fmt.Errorf("parse decision id %q: %w", m.ID, err)
	}
	return event.Decision{
		DecisionID: id,
		Identifier: m.UID,
		Timestamp:  m.Timestamp.UTC(),
		Outcome:    event.Outcome(m.Outcome),
		Balance:    m.Balance,
		Deducted:   m.Deducted,
		Message:    m.Message,
	}, nil
}

// MongoDecisionStore keeps decisions in a MongoDB collection keyed by
// decision id.
type MongoDecisionStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo opens a client and verifies the server is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func NewMongoDecisionStore(client *mongo.Client, database, collection string) *MongoDecisionStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoDecisionStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}
}

// EnsureIndexes creates the timestamp index used by Recent.
func (s *MongoDecisionStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create decision indexes: %w", err)
	}
	return nil
}

func (s *MongoDecisionStore) AppendBatch(ctx context.Context, decisions []event.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(decisions))
	for _, d := range decisions {
		docs = append(docs, toMongoDecision(d))
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicateKeys(err) {
		return fmt.Errorf("%w: insert %d decisions: %v", ErrLogWrite, len(decisions), err)
	}
	return nil
}

func (s *MongoDecisionStore) Recent(ctx context.Context, limit int) ([]event.Decision, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find decisions: %w", err)
	}

	var docs []mongoDecision
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}

	decisions := make([]event.Decision, 0, len(docs))
	for _, doc := range docs {
		d, err := doc.toDecision()
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Close disconnects the underlying client.
func (s *MongoDecisionStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// onlyDuplicateKeys reports whether a bulk insert failed solely because some
// decisions were already stored.
func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
