package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/data"
	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/middleware"
)

const bufSize = 1024 * 1024

// serve starts a namespace server on an in-memory listener and returns a
// connection to it.
func serve(t *testing.T, store kv.Store, serverOpts []grpc.ServerOption, dialOpts ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer(serverOpts...)
	Register(s, NewServer(store, nil))
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts := append([]grpc.DialOption{
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func nextEvent(t *testing.T, ch <-chan kv.Event) kv.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return kv.Event{}
}

func TestClient_GetSet(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := NewClient(serve(t, kv.NewMemoryStore(), nil), nil)

	_, err := c.Get(ctx, "missing")
	req.ErrorIs(err, kv.ErrNotFound)

	value := map[string]any{
		"name":  "Ada",
		"count": 3,
		"tags":  []any{"a", true, nil},
	}
	req.NoError(c.Set(ctx, "uid-ada", value))

	got, err := c.Get(ctx, "uid-ada")
	req.NoError(err)
	req.Equal(map[string]any{
		"name":  "Ada",
		"count": float64(3),
		"tags":  []any{"a", true, nil},
	}, got)

	req.NoError(c.Set(ctx, "uid-ada", nil))
	_, err = c.Get(ctx, "uid-ada")
	req.ErrorIs(err, kv.ErrNotFound)

	_, err = c.Get(ctx, "")
	req.ErrorIs(err, kv.ErrInvalidPath)
}

func TestClient_Watch(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := kv.NewMemoryStore()
	c := NewClient(serve(t, store, nil), nil)

	events, err := c.Watch(ctx, "conversation_m1/messages")
	req.NoError(err)

	first := nextEvent(t, events)
	req.False(first.Exists)
	req.Equal("conversation_m1/messages", first.Path)

	req.NoError(store.Set(ctx, "conversation_m1/messages", []any{"one"}))
	ev := nextEvent(t, events)
	req.True(ev.Exists)
	req.Equal([]any{"one"}, ev.Value)

	req.NoError(c.Set(ctx, "conversation_m1/messages", []any{"one", "two"}))
	ev = nextEvent(t, events)
	req.Equal([]any{"one", "two"}, ev.Value)

	cancel()
	for range events {
	}
}

func TestClient_DeadlineMapsToContextError(t *testing.T) {
	c := NewClient(serve(t, kv.NewMemoryStore(), nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAuthInterceptors(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	store := kv.NewMemoryStore()
	serverOpts := []grpc.ServerOption{
		grpc.UnaryInterceptor(AuthUnaryInterceptor(jwtMgr, nil)),
		grpc.StreamInterceptor(AuthStreamInterceptor(jwtMgr, nil)),
	}

	anon := NewClient(serve(t, store, serverOpts), nil)
	_, err := anon.Get(ctx, "k")
	req.ErrorIs(err, ErrUnauthenticated)
	_, err = anon.Watch(ctx, "k")
	req.ErrorIs(err, ErrUnauthenticated)

	forged := NewClient(serve(t, store, serverOpts, grpc.WithPerRPCCredentials(BearerToken("forged", false))), nil)
	_, err = forged.Get(ctx, "k")
	req.ErrorIs(err, ErrUnauthenticated)

	token, _, err := jwtMgr.GenerateToken("uid-ada", "ada@example.com")
	req.NoError(err)
	authed := NewClient(serve(t, store, serverOpts, grpc.WithPerRPCCredentials(BearerToken(token, false))), nil)
	req.NoError(authed.Set(ctx, "k", "v"))
	got, err := authed.Get(ctx, "k")
	req.NoError(err)
	req.Equal("v", got)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := authed.Watch(wctx, "k")
	req.NoError(err)
	req.Equal("v", nextEvent(t, events).Value)
}

func TestRateLimitedWrites(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	limiters := middleware.NewLimiters(1, 2, time.Minute)
	defer limiters.Stop()

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			AuthUnaryInterceptor(jwtMgr, nil),
			middleware.UnaryRateLimit(limiters, SetMethod),
		),
	}
	token, _, err := jwtMgr.GenerateToken("uid-ada", "ada@example.com")
	req.NoError(err)
	c := NewClient(serve(t, kv.NewMemoryStore(), serverOpts, grpc.WithPerRPCCredentials(BearerToken(token, false))), nil)

	req.NoError(c.Set(ctx, "k", "1"))
	req.NoError(c.Set(ctx, "k", "2"))
	req.ErrorIs(c.Set(ctx, "k", "3"), ErrRateLimited)

	got, err := c.Get(ctx, "k")
	req.NoError(err)
	req.Equal("2", got)
}

// The data layer runs unchanged over the remote client.
func TestDataStoresOverRPC(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	stores := data.NewStores(NewClient(serve(t, kv.NewMemoryStore(), nil), nil), data.Options{})

	req.NoError(stores.Users.RegisterUser(ctx, data.UserRecord{
		UID: "uid-ada", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
	}))
	users, err := stores.Users.ListAllUsers(ctx)
	req.NoError(err)
	req.Len(users, 1)

	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := stores.Messages.Subscribe(sub, "conversation_m1")
	req.NoError(err)
	select {
	case u := <-updates:
		req.ErrorIs(u.Err, data.ErrFetchFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial update")
	}

	req.NoError(stores.Messages.Append(ctx, "conversation_m1", data.MessageRecord{
		ID: "m1", Kind: data.Text("hi"), SentAt: time.Now(), SenderEmail: "ada@example.com", SenderName: "Ada",
	}))
	select {
	case u := <-updates:
		req.NoError(u.Err)
		req.Len(u.Messages, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after append")
	}
}

// Clients on separate connections share nothing but the server, like two
// devices of one account. Their updates must still not be lost.
func TestClient_UpdateAcrossConnections(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := kv.NewMemoryStore()
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	Register(s, NewServer(store, nil))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	dial := func() *Client {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		req.NoError(err)
		t.Cleanup(func() { _ = conn.Close() })
		return NewClient(conn, nil)
	}
	clients := []*Client{dial(), dial()}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			err := c.Update(ctx, "counter", func(cur any, exists bool) (any, error) {
				n := 0.0
				if exists {
					n = cur.(float64)
				}
				return n + 1, nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}(clients[i%2])
	}
	wg.Wait()

	got, err := store.Get(ctx, "counter")
	req.NoError(err)
	req.Equal(float64(20), got)
}

func TestClient_UpdateDeletesAndCreates(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := kv.NewMemoryStore()
	c := NewClient(serve(t, store, nil), nil)

	req.NoError(c.Update(ctx, "k", func(cur any, exists bool) (any, error) {
		req.False(exists)
		return map[string]any{"n": 1}, nil
	}))
	req.NoError(c.Update(ctx, "k", func(cur any, exists bool) (any, error) {
		req.Equal(map[string]any{"n": float64(1)}, cur)
		return nil, nil
	}))
	_, err := store.Get(ctx, "k")
	req.ErrorIs(err, kv.ErrNotFound)
}

func TestServer_CompareAndSetRejectsMovedValue(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := kv.NewMemoryStore()
	req.NoError(store.Set(ctx, "k", "new"))
	srv := NewServer(store, nil)

	stale, err := swapRequest("k", "old", true, "mine")
	req.NoError(err)
	_, err = srv.CompareAndSet(ctx, stale)
	req.Equal(codes.Aborted, status.Code(err))

	absent, err := swapRequest("k", nil, false, "mine")
	req.NoError(err)
	_, err = srv.CompareAndSet(ctx, absent)
	req.Equal(codes.Aborted, status.Code(err))

	fresh, err := swapRequest("k", "new", true, "mine")
	req.NoError(err)
	_, err = srv.CompareAndSet(ctx, fresh)
	req.NoError(err)
	got, _ := store.Get(ctx, "k")
	req.Equal("mine", got)
}

func TestClient_UpdateNeedsAtomicStore(t *testing.T) {
	plain := struct{ kv.Store }{kv.NewMemoryStore()}
	c := NewClient(serve(t, plain, nil), nil)

	err := c.Update(context.Background(), "k", func(any, bool) (any, error) { return "v", nil })
	require.ErrorIs(t, err, kv.ErrRejected)
}

// Separate data stores stand in for separate CLI processes: their per-path
// locks are not shared, so only the server keeps appends from being lost.
func TestDataStoresOverRPC_ConcurrentWriters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	conn := serve(t, kv.NewMemoryStore(), nil)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores := data.NewStores(NewClient(conn, nil), data.Options{})
			err := stores.Messages.Append(ctx, "conversation_m0", data.MessageRecord{
				ID: fmt.Sprintf("m%d", i), Kind: data.Text("hi"), SentAt: time.Now(),
				SenderEmail: "ada@example.com", SenderName: "Ada",
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := data.NewStores(NewClient(conn, nil), data.Options{}).Messages.List(ctx, "conversation_m0")
	req.NoError(err)
	req.Len(msgs, writers)
}
