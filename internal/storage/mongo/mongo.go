// Package mongo implements the inventory, ledger and member directory on
// MongoDB. Conditional writes use filtered updates and a partial unique
// index; no multi-document transactions are needed, so a standalone
// server works.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookwise/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

const (
	defaultTimeout = 10 * time.Second

	collectionTitles  = "titles"
	collectionLoans   = "loans"
	collectionMembers = "members"
)

// Config captures the settings for one MongoDB database.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Connect dials, pings and selects the database.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, *mongo.Database, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetTimeout(timeout))
	if err != nil {
		return nil, nil, wrap("mongo connect", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, wrap("mongo ping", err)
	}
	return client, client.Database(cfg.Database), nil
}

// EnsureIndexes creates the indexes the stores depend on for correctness.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := db.Collection(collectionLoans).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// At most one active loan per user and title.
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "title_id", Value: 1}},
			Options: options.Index().
				SetName("one_active_per_title").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "active", Value: 1}, {Key: "due_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("active_due"),
		},
	})
	if err != nil {
		return wrap("create loan indexes", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if unavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(err error) bool {
	if mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	var selErr topology.ServerSelectionError
	return errors.As(err, &selErr)
}
