package identity

import (
	"context"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/data"
)

// Static always reports the same principal. The zero value reports none.
type Static struct {
	Principal Principal
}

// CurrentPrincipal implements Provider.
func (s Static) CurrentPrincipal(context.Context) (Principal, bool) {
	return s.Principal, s.Principal.UID != ""
}

// TokenProvider derives the principal from a bearer token. Token returns
// the raw token for the current call; an empty string means signed out.
// Parse is JWTManager.VerifyToken where the keys are known, or
// auth.PeekClaims on clients.
type TokenProvider struct {
	Parse func(token string) (*auth.Claims, error)
	Token func(ctx context.Context) string
}

// CurrentPrincipal implements Provider. Invalid or expired tokens report no
// principal.
func (t TokenProvider) CurrentPrincipal(ctx context.Context) (Principal, bool) {
	if t.Parse == nil || t.Token == nil {
		return Principal{}, false
	}
	raw := t.Token(ctx)
	if raw == "" {
		return Principal{}, false
	}
	claims, err := t.Parse(raw)
	if err != nil {
		return Principal{}, false
	}
	return Principal{UID: claims.UserID, Email: claims.Email}, true
}

// ClaimsProvider reports the principal whose claims an auth interceptor
// stored in the context.
type ClaimsProvider struct{}

// CurrentPrincipal implements Provider.
func (ClaimsProvider) CurrentPrincipal(ctx context.Context) (Principal, bool) {
	c, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return Principal{}, false
	}
	return Principal{UID: c.UserID, Email: c.Email}, true
}

// StaticNames maps uids to display names.
type StaticNames map[string]string

// DisplayName implements NameSource.
func (n StaticNames) DisplayName(_ context.Context, p Principal) (string, bool) {
	name, ok := n[p.UID]
	return name, ok
}

// ProfileNames reads display names from registered user profiles.
type ProfileNames struct {
	Users *data.UsersStore
}

// DisplayName implements NameSource.
func (n ProfileNames) DisplayName(ctx context.Context, p Principal) (string, bool) {
	u, err := n.Users.Profile(ctx, p.UID)
	if err != nil {
		return "", false
	}
	name := u.DisplayName()
	return name, name != ""
}
