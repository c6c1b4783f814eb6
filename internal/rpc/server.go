package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/kv"
)

// Server exposes a kv.Store.
type Server struct {
	store kv.Store
	log   *zap.Logger
}

// NewServer returns a Server backed by store.
func NewServer(store kv.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, log: log}
}

// Get returns the value stored at the requested path.
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path := pathOf(req)
	v, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, toStatus(err)
	}
	val, err := structpb.NewValue(v)
	if err != nil {
		s.log.Error("value not encodable", zap.String("path", path), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode %s: %v", path, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"value": val}}, nil
}

// Set replaces the value at the requested path. A null or missing value
// deletes it.
func (s *Server) Set(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	path := pathOf(req)
	var v any
	if val, ok := req.GetFields()["value"]; ok {
		v = val.AsInterface()
	}
	if err := s.store.Set(ctx, path, v); err != nil {
		return nil, toStatus(err)
	}

	fields := []zap.Field{zap.String("path", path)}
	if c, ok := auth.ClaimsFromContext(ctx); ok {
		fields = append(fields, zap.String("uid", c.UserID))
	}
	s.log.Debug("set", fields...)
	return &emptypb.Empty{}, nil
}

// errMoved aborts a CompareAndSet whose expected value is no longer stored.
var errMoved = errors.New("value changed since it was read")

// CompareAndSet replaces the value at path only if the path still holds
// expected, or still holds nothing when exists is false. The check and the
// write run inside the store's Updater, so they are atomic for every
// client of this server.
func (s *Server) CompareAndSet(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	u, ok := s.store.(kv.Updater)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "store has no atomic update")
	}
	path := pathOf(req)
	f := req.GetFields()
	wantExists := f["exists"].GetBoolValue()
	expected := f["expected"]
	var next any
	if val, ok := f["value"]; ok {
		next = val.AsInterface()
	}

	err := u.Update(ctx, path, func(cur any, exists bool) (any, error) {
		if exists != wantExists {
			return nil, errMoved
		}
		if exists {
			stored, err := structpb.NewValue(cur)
			if err != nil {
				return nil, err
			}
			if !proto.Equal(stored, expected) {
				return nil, errMoved
			}
		}
		return next, nil
	})
	if errors.Is(err, errMoved) {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Watch streams the current value of the requested path and then every
// change, until the client goes away.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	path := pathOf(req)

	events, err := s.store.Watch(ctx, path)
	if err != nil {
		return toStatus(err)
	}
	s.log.Debug("watch started", zap.String("path", path))
	defer s.log.Debug("watch ended", zap.String("path", path))

	for ev := range events {
		msg, err := eventMessage(ev)
		if err != nil {
			return status.Errorf(codes.Internal, "encode %s: %v", ev.Path, err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unavailable, "store closed")
}

func pathOf(req *structpb.Struct) string {
	return req.GetFields()["path"].GetStringValue()
}

func eventMessage(ev kv.Event) (*structpb.Struct, error) {
	val, err := structpb.NewValue(ev.Value)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":   structpb.NewStringValue(ev.Path),
		"value":  val,
		"exists": structpb.NewBoolValue(ev.Exists),
	}}, nil
}

// toStatus maps store errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, kv.ErrInvalidPath):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, kv.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
