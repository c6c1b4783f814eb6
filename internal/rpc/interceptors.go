package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
)

// claimsFromMetadata verifies the bearer token carried in ctx.
func claimsFromMetadata(ctx context.Context, j *auth.JWTManager) (*auth.Claims, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer"))
	if token == "" {
		return nil, status.Errorf(codes.Unauthenticated, "invalid token")
	}

	claims, err := j.VerifyToken(token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "unauthenticated: %v", err)
	}
	return claims, nil
}

// AuthUnaryInterceptor rejects calls without a valid bearer token and
// stores the verified claims in the handler's context. Methods in public
// skip the check.
func AuthUnaryInterceptor(j *auth.JWTManager, public map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}
		claims, err := claimsFromMetadata(ctx, j)
		if err != nil {
			return nil, err
		}
		return handler(auth.WithClaims(ctx, claims), req)
	}
}

// AuthStreamInterceptor is the stream equivalent of AuthUnaryInterceptor.
func AuthStreamInterceptor(j *auth.JWTManager, public map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if public[info.FullMethod] {
			return handler(srv, ss)
		}
		claims, err := claimsFromMetadata(ss.Context(), j)
		if err != nil {
			return err
		}
		return handler(srv, claimsStream{ServerStream: ss, ctx: auth.WithClaims(ss.Context(), claims)})
	}
}

// claimsStream overrides Context to carry verified claims.
type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s claimsStream) Context() context.Context { return s.ctx }
