// Package mongodb opens MongoDB client connections.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/retry"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Connect dials uri and retries the primary ping until it succeeds or ctx is
// done.
func Connect(ctx context.Context, uri, database string, logger observability.Logger) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	err = retry.Forever(ctx, logger, "MongoDB connection", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to reach mongo: %w", err)
	}

	logger.Info("✅ Connected to MongoDB", zap.String("database", database))
	return client, client.Database(database), nil
}
