package logsink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSink appends records as documents in a MongoDB collection.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoSink connects to MongoDB and targets database/collection. The
// connection is verified with a ping before the sink is returned.
func NewMongoSink(ctx context.Context, uri, database, collection string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return &MongoSink{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// Append inserts one document.
func (m *MongoSink) Append(ctx context.Context, record any) error {
	if _, err := m.coll.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("inserting into %s: %w", m.coll.Name(), err)
	}
	return nil
}

// Close disconnects the underlying client.
func (m *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
