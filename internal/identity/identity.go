// Package identity resolves who is acting: the authenticated principal and
// the display name other users see.
package identity

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// Principal is the authenticated account behind a request.
type Principal struct {
	UID   string
	Email string
}

// Identity is a principal together with its display name.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
}

// Provider reports the current principal, if any.
type Provider interface {
	CurrentPrincipal(ctx context.Context) (Principal, bool)
}

// NameSource looks up the display name for a principal.
type NameSource interface {
	DisplayName(ctx context.Context, p Principal) (string, bool)
}

// Resolver combines a Provider and a NameSource.
type Resolver struct {
	provider Provider
	names    NameSource
	log      *zap.Logger
}

// NewResolver returns a Resolver. log may be nil.
func NewResolver(provider Provider, names NameSource, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{provider: provider, names: names, log: log}
}

// Current returns the acting identity. It is absent when there is no
// principal, or when the principal has no email or display name.
func (r *Resolver) Current(ctx context.Context) (Identity, bool) {
	p, ok := r.provider.CurrentPrincipal(ctx)
	if !ok || p.UID == "" || p.Email == "" {
		return Identity{}, false
	}
	name, ok := r.names.DisplayName(ctx, p)
	if !ok || name == "" {
		r.log.Debug("no display name for principal", zap.String("uid", p.UID))
		return Identity{}, false
	}
	return Identity{UID: p.UID, Email: normalize.Email(p.Email), DisplayName: name}, true
}

var sanitizer = strings.NewReplacer(".", "-", "@", "-")

// Sanitize makes an email usable as a single path segment by replacing
// "." and "@" with "-".
func Sanitize(email string) string {
	return sanitizer.Replace(email)
}
