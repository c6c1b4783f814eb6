package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

var (
	// ErrUnauthenticated is returned when the server rejects the token.
	ErrUnauthenticated = fmt.Errorf("%w: rpc: unauthenticated", kv.ErrRejected)
	// ErrRateLimited is returned when the server refuses a write for rate.
	ErrRateLimited = errors.New("rpc: rate limited")
	// ErrContended is returned by Update after too many lost races.
	ErrContended = errors.New("rpc: too many conflicting writers")
)

// maxSwapAttempts bounds how often Update re-reads after another client
// changed the value first.
const maxSwapAttempts = 32

// Client is a kv.Store backed by a remote namespace server.
type Client struct {
	conn grpc.ClientConnInterface
	log  *zap.Logger
}

// NewClient returns a Client on conn. log may be nil.
func NewClient(conn grpc.ClientConnInterface, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{conn: conn, log: log}
}

// Get implements kv.Store.
func (c *Client) Get(ctx context.Context, path string) (any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetMethod, pathRequest(path), out); err != nil {
		return nil, fromStatus(err)
	}
	return normalize.Value(out.GetFields()["value"].AsInterface()), nil
}

// Set implements kv.Store.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	val, err := structpb.NewValue(normalize.Value(value))
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", kv.ErrRejected, path, err)
	}
	req := pathRequest(path)
	req.Fields["value"] = val
	if err := c.conn.Invoke(ctx, SetMethod, req, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Update implements kv.Updater with optimistic concurrency: it reads the
// value, applies fn and asks the server to store the result only if the
// value is unchanged, starting over when it is not.
func (c *Client) Update(ctx context.Context, path string, fn kv.UpdateFunc) error {
	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		cur, err := c.Get(ctx, path)
		exists := err == nil
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil {
			return err
		}

		req, err := swapRequest(path, cur, exists, next)
		if err != nil {
			return err
		}
		err = c.conn.Invoke(ctx, CompareAndSetMethod, req, new(emptypb.Empty))
		if status.Code(err) == codes.Aborted {
			c.log.Debug("compare-and-set lost, retrying", zap.String("path", path), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return fromStatus(err)
		}
		return nil
	}
	return fmt.Errorf("update %s: %w", path, ErrContended)
}

func swapRequest(path string, cur any, exists bool, next any) (*structpb.Struct, error) {
	req := pathRequest(path)
	req.Fields["exists"] = structpb.NewBoolValue(exists)
	if exists {
		expected, err := structpb.NewValue(cur)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %w", kv.ErrRejected, path, err)
		}
		req.Fields["expected"] = expected
	}
	val, err := structpb.NewValue(normalize.Value(next))
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", kv.ErrRejected, path, err)
	}
	req.Fields["value"] = val
	return req, nil
}

// Watch implements kv.Store. The channel closes when ctx is done or the
// stream breaks; a broken stream is logged.
func (c *Client) Watch(ctx context.Context, path string) (<-chan kv.Event, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(pathRequest(path)); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}

	// The first message proves the server accepted the watch, so a bad
	// path or token fails here rather than as a silently closed channel.
	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		return nil, fromStatus(err)
	}

	out := make(chan kv.Event, 1)
	out <- eventOf(first)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.log.Warn("watch stream ended", zap.String("path", path), zap.Error(err))
				}
				return
			}
			select {
			case out <- eventOf(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func pathRequest(path string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"path": structpb.NewStringValue(path)}}
}

func eventOf(msg *structpb.Struct) kv.Event {
	f := msg.GetFields()
	return kv.Event{
		Path:   f["path"].GetStringValue(),
		Value:  normalize.Value(f["value"].AsInterface()),
		Exists: f["exists"].GetBoolValue(),
	}
}

// fromStatus maps gRPC codes back onto the errors callers of kv.Store
// check for.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		return kv.ErrNotFound
	case codes.InvalidArgument:
		sentinel = kv.ErrInvalidPath
	case codes.Unavailable:
		sentinel = kv.ErrClosed
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.Unauthenticated:
		sentinel = ErrUnauthenticated
	case codes.ResourceExhausted:
		sentinel = ErrRateLimited
	case codes.Unimplemented:
		sentinel = kv.ErrRejected
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// bearer attaches a token to every call.
type bearer struct {
	token  string
	secure bool
}

// BearerToken returns per-RPC credentials sending token as
// "authorization: Bearer <token>". requireTLS refuses to send it over an
// insecure connection.
func BearerToken(token string, requireTLS bool) credentials.PerRPCCredentials {
	return bearer{token: token, secure: requireTLS}
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }
