package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/x402-foundation/forwarder"
)

// MongoStore persists events in a MongoDB collection
type MongoStore struct {
	coll *mongo.Collection
}

// eventDocument keeps the indexed fields queryable and the event itself as JSON,
// so big amounts survive without BSON's 64-bit integer limit.
type eventDocument struct {
	ID        string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	Type      string    `bson:"type"`
	Timestamp time.Time `bson:"timestamp"`
	Payload   string    `bson:"payload"`
}

// ConnectMongo connects to uri and uses database.collection for events.
// The returned function disconnects the client.
func ConnectMongo(ctx context.Context, uri, database, collection string) (*MongoStore, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to reach mongo: %w", err)
	}
	log.Info("Connected to MongoDB audit store", "database", database, "collection", collection)
	return NewMongoStore(client.Database(database).Collection(collection)), client.Disconnect, nil
}

// NewMongoStore uses an existing collection
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// Publish inserts an event
func (s *MongoStore) Publish(ctx context.Context, event forwarder.Event) error {
	doc, err := toDocument(event, time.Now().UnixNano())
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
	}
	return nil
}

// List returns matching events in publish order
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]forwarder.Event, error) {
	query := bson.M{}
	if filter.Type != "" {
		query["type"] = string(filter.Type)
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	out := make([]forwarder.Event, 0, len(docs))
	for _, doc := range docs {
		event, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func toDocument(event forwarder.Event, seq int64) (eventDocument, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return eventDocument{}, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	return eventDocument{
		ID:        event.ID,
		Seq:       seq,
		Type:      string(event.Type),
		Timestamp: event.Timestamp.UTC(),
		Payload:   string(payload),
	}, nil
}

func fromDocument(doc eventDocument) (forwarder.Event, error) {
	var event forwarder.Event
	if err := json.Unmarshal([]byte(doc.Payload), &event); err != nil {
		return forwarder.Event{}, fmt.Errorf("failed to decode event %s: %w", doc.ID, err)
	}
	return event, nil
}
