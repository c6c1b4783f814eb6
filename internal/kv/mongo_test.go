package kv

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/db"
)

// Integration test: requires MONGODB_URI pointing at a replica set so
// change streams are available.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	storeContract(t, func(t *testing.T) Store { return newMongoStore(t, uri) })
}

func TestMongoStore_Update(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	updaterContract(t, newMongoStore(t, uri))
}

func newMongoStore(t *testing.T, uri string) *MongoStore {
	ctx := context.Background()
	c, err := db.New(ctx, uri, "neptalk_kv_test_"+strconv.FormatInt(time.Now().UnixNano(), 10))
	require.NoError(t, err)
	s := NewMongoStore(c.NamespaceCollection(), zap.NewNop())
	t.Cleanup(func() {
		_ = s.Close()
		_ = c.Drop(context.Background())
		_ = c.Close(context.Background())
	})
	return s
}
