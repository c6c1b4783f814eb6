// Package db manages the MongoDB connection backing the namespace.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "neptalk"

// namespaceCollection holds one document per namespace path.
const namespaceCollection = "namespace"

// Client wraps mongo.Client and exposes the namespace collection.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, verifies the connection and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if database == "" {
		database = DefaultDatabase
	}
	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// NamespaceCollection returns the collection holding namespace nodes.
func (c *Client) NamespaceCollection() *mongo.Collection {
	return c.db.Collection(namespaceCollection)
}

// Drop removes the namespace collection. Used by integration tests.
func (c *Client) Drop(ctx context.Context) error {
	return c.NamespaceCollection().Drop(ctx)
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
