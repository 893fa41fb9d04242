package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	defaultURI      = "mongodb://localhost:27017"
	defaultDatabase = "tabscribe"
	connectTimeout  = 10 * time.Second
)

// Client owns the archive connection. The archive writes one document per
// finished session, so a small pool is enough.
type Client struct {
	client   *mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects to uri and verifies the primary is reachable
func NewClient(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Client, error) {
	if uri == "" {
		uri = defaultURI
	}
	if dbName == "" {
		dbName = defaultDatabase
	}

	opts := options.Client().
		ApplyURI(uri).
		SetAppName("tabscribe").
		SetMaxPoolSize(4).
		SetRetryWrites(true).
		SetServerSelectionTimeout(5 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect transcript archive: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping transcript archive: %w", err)
	}

	logger.Info("Transcript archive connected", zap.String("database", dbName))
	return &Client{client: client, Database: client.Database(dbName), logger: logger}, nil
}

// Close disconnects, waiting at most connectTimeout for in-flight writes
func (c *Client) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Warn("Transcript archive disconnect failed", zap.Error(err))
		return err
	}
	return nil
}
