package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
)

// Limiters hands out one token bucket per caller and forgets callers that
// stay idle for ten sweep intervals.
type Limiters struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	buckets map[string]*bucket
	idle    time.Duration
	quit    chan struct{}
	once    sync.Once
}

type bucket struct {
	*rate.Limiter
	touched time.Time
}

// NewLimiters allows perMinute events per caller with the given burst and
// sweeps idle callers every sweepEvery.
func NewLimiters(perMinute, burst int, sweepEvery time.Duration) *Limiters {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiters{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: make(map[string]*bucket),
		idle:    10 * sweepEvery,
		quit:    make(chan struct{}),
	}
	go l.sweepLoop(sweepEvery)
	return l
}

func (l *Limiters) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.sweep(now.Add(-l.idle))
		case <-l.quit:
			return
		}
	}
}

// sweep drops buckets untouched since cutoff and reports how many went.
func (l *Limiters) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.touched.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Stop ends the sweeper. Safe to call twice.
func (l *Limiters) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Len is the number of callers currently tracked.
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow takes one token from key's bucket.
func (l *Limiters) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.touched = time.Now()
	l.mu.Unlock()
	return b.Allow()
}

// UnaryRateLimit limits the listed methods per caller. Callers are keyed
// by uid, so it has to run after the auth interceptor; anonymous calls fall
// back to the remote address.
func UnaryRateLimit(l *Limiters, methods ...string) grpc.UnaryServerInterceptor {
	limited := toSet(methods)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limited[info.FullMethod] && !l.Allow(info.FullMethod+"|"+caller(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// StreamRateLimit limits how often a caller may open the listed streams.
// Messages on an open stream are not counted.
func StreamRateLimit(l *Limiters, methods ...string) grpc.StreamServerInterceptor {
	limited := toSet(methods)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if limited[info.FullMethod] && !l.Allow(info.FullMethod+"|"+caller(ss.Context())) {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}

func toSet(methods []string) map[string]bool {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return set
}

func caller(ctx context.Context) string {
	if c, ok := auth.ClaimsFromContext(ctx); ok {
		return "uid:" + c.UserID
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "addr:" + p.Addr.String()
	}
	return "unknown"
}
