// Command neptalk is a terminal client for a kvserver.
//
//	neptalk [-addr host:port] [-token JWT] <command> [flags]
//
// Commands: token, register, users, send, conversations, messages, read.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/chat"
	"github.com/PaulBabatuyi/neptalk/internal/config"
	"github.com/PaulBabatuyi/neptalk/internal/data"
	"github.com/PaulBabatuyi/neptalk/internal/identity"
	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/logger"
	"github.com/PaulBabatuyi/neptalk/internal/retry"
	"github.com/PaulBabatuyi/neptalk/internal/rpc"
)

var errUsage = errors.New("usage: neptalk [-addr host:port] [-token JWT] <token|register|users|send|conversations|messages|read> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "neptalk: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every connected command needs.
type app struct {
	out    io.Writer
	log    *zap.Logger
	claims *auth.Claims
	stores data.Stores
	chat   *chat.Service
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("neptalk", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "kvserver address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (see the token command)")
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "connect with TLS")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	// token works offline: it signs with the server's secret
	if cmd == "token" {
		return tokenCmd(rest, out)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, closeConn, err := connect(cfg, log, out)
	if err != nil {
		return err
	}
	defer closeConn()

	return a.dispatch(ctx, cmd, rest)
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "register":
		return a.registerCmd(ctx, args)
	case "users":
		return a.usersCmd(ctx, args)
	case "send":
		return a.sendCmd(ctx, args)
	case "conversations":
		return a.conversationsCmd(ctx, args)
	case "messages":
		return a.messagesCmd(ctx, args)
	case "read":
		return a.readCmd(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// connect dials the server and wires the data layer over it.
func connect(cfg config.Client, log *zap.Logger, out io.Writer) (*app, func(), error) {
	if cfg.Token == "" {
		return nil, nil, errors.New("no token: pass -token or set NEPTALK_TOKEN")
	}
	claims, err := auth.PeekClaims(cfg.Token)
	if err != nil {
		return nil, nil, err
	}

	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(rpc.BearerToken(cfg.Token, cfg.TLS)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	closeConn := func() { _ = conn.Close() }

	a := newApp(rpc.NewClient(conn, log.Named("rpc")), cfg, claims, log, out)
	return a, closeConn, nil
}

// newApp builds the stores, identity and fan-out service over store.
func newApp(store kv.Store, cfg config.Client, claims *auth.Claims, log *zap.Logger, out io.Writer) *app {
	if cfg.ClientRPM > 0 {
		store = kv.NewLimited(store, cfg.ClientRPM, 5)
	}

	policy := retry.DefaultPolicy
	if cfg.RetryAttempts > 0 {
		policy.Attempts = cfg.RetryAttempts
	}
	stores := data.NewStores(store, data.Options{
		Timeout: cfg.StoreTimeout,
		Retry:   policy,
		Dates:   data.NewDateFormatter(),
		Logger:  log.Named("data"),
	})

	token := cfg.Token
	resolver := identity.NewResolver(
		identity.TokenProvider{Parse: auth.PeekClaims, Token: func(context.Context) string { return token }},
		identity.ProfileNames{Users: stores.Users},
		log.Named("identity"),
	)

	return &app{
		out:    out,
		log:    log,
		claims: claims,
		stores: stores,
		chat:   chat.NewService(resolver, stores.Conversations, stores.Messages, log.Named("chat")),
	}
}
