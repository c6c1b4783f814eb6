// Command kvserver serves a namespace backend over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/config"
	"github.com/PaulBabatuyi/neptalk/internal/db"
	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/logger"
	"github.com/PaulBabatuyi/neptalk/internal/middleware"
	"github.com/PaulBabatuyi/neptalk/internal/rpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kvserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	closeStore := sync.OnceValue(closer)
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	jwtMgr, err := newJWTManager(cfg)
	if err != nil {
		return err
	}

	limiters := middleware.NewLimiters(cfg.RateLimitRPM, cfg.RateBurst, time.Minute)
	defer limiters.Stop()

	serverOpts, err := serverOptions(cfg, jwtMgr, limiters)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(serverOpts...)
	rpc.Register(grpcServer, rpc.NewServer(store, log.Named("rpc")))

	lis, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address(), err)
	}

	log.Info("gRPC server listening", zap.String("address", cfg.Address()), zap.String("backend", cfg.Backend))
	return serve(ctx, grpcServer, lis, closeStore, shutdownGrace, log)
}

// shutdownGrace bounds how long in-flight calls may run after a stop signal.
const shutdownGrace = 10 * time.Second

// serve runs srv on lis until ctx is done or Serve fails. Open watches only
// end when the store closes, so shutdown closes it before waiting on
// GracefulStop; calls still running after grace are cut off.
func serve(ctx context.Context, srv *grpc.Server, lis net.Listener, closeStore func() error, grace time.Duration, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server exit: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gRPC server")
		if err := closeStore(); err != nil {
			log.Warn("closing store", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grace):
			log.Warn("graceful stop timed out", zap.Duration("grace", grace))
			srv.Stop()
			<-stopped
		}
		return nil
	})
	return g.Wait()
}

// openStore builds the configured backend and the function that releases it.
func openStore(ctx context.Context, cfg config.Server, log *zap.Logger) (kv.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		s, err := kv.OpenBadger(cfg.BadgerPath, log.Named("badger"))
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		return s, s.Close, nil

	case config.BackendMongo:
		client, err := db.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		s := kv.NewMongoStore(client.NamespaceCollection(), log.Named("mongo"))
		return s, closeAll(s, func() error { return client.Close(context.Background()) }), nil
	}

	s := kv.NewMemoryStore()
	return s, s.Close, nil
}

func closeAll(c io.Closer, more func() error) func() error {
	return func() error {
		return errors.Join(c.Close(), more())
	}
}

// newJWTManager prefers JWT_KEYS, which allows key rotation, over the
// single JWT_SECRET.
func newJWTManager(cfg config.Server) (*auth.JWTManager, error) {
	const ttl = 24 * time.Hour
	if cfg.JWTKeys != "" {
		keys, err := auth.ParseKeys(cfg.JWTKeys)
		if err != nil {
			return nil, fmt.Errorf("JWT_KEYS: %w", err)
		}
		return auth.NewJWTManagerFromKeys(keys, cfg.JWTActiveKid, ttl), nil
	}
	return auth.NewJWTManager(cfg.JWTSecret, ttl), nil
}

// serverOptions assembles TLS and the interceptor chains: auth first so the
// limiters can key writes and watch opens by principal.
func serverOptions(cfg config.Server, jwtMgr *auth.JWTManager, limiters *middleware.Limiters) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certs: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			rpc.AuthUnaryInterceptor(jwtMgr, nil),
			middleware.UnaryRateLimit(limiters, rpc.SetMethod, rpc.CompareAndSetMethod),
		),
		grpc.ChainStreamInterceptor(
			rpc.AuthStreamInterceptor(jwtMgr, nil),
			middleware.StreamRateLimit(limiters, rpc.WatchMethod),
		),
	)
	return opts, nil
}
