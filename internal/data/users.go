package data

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/kv"
)

// UsersStore owns user profiles and the flat user directory.
type UsersStore struct {
	b *Backend
}

// NewUsersStore returns a UsersStore on b.
func NewUsersStore(b *Backend) *UsersStore {
	return &UsersStore{b: b}
}

// UserExists reports whether a profile object is stored for uid. A path
// holding something other than an object counts as absent; a failed read
// is returned as an error rather than reported as absence.
func (u *UsersStore) UserExists(ctx context.Context, uid string) (bool, error) {
	if uid == "" {
		return false, nil
	}
	v, err := u.b.get(ctx, profilePath(uid))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, ok := v.(map[string]any)
	return ok, nil
}

// RegisterUser writes the profile and then adds the user to the directory.
// A profile failure stops before the directory is touched. A directory
// failure leaves the profile in place; the returned error says so, and
// registering again repairs the directory without duplicating the entry.
func (u *UsersStore) RegisterUser(ctx context.Context, user UserRecord) error {
	if err := validate.Struct(user); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	if err := u.b.set(ctx, profilePath(user.UID), encodeProfile(user)); err != nil {
		u.b.log.Error("profile write failed", zap.String("uid", user.UID), zap.Error(err))
		return err
	}

	entry := encodeDirectoryEntry(DirectoryEntry{UID: user.UID, Name: user.DisplayName(), Email: user.Email})
	err := u.b.modifyList(ctx, UsersPath, func(list []any) ([]any, error) {
		return upsertByKey(list, "uid", user.UID, entry), nil
	})
	if err != nil {
		u.b.log.Error("directory update failed after profile write",
			zap.String("uid", user.UID), zap.Error(err))
		return fmt.Errorf("profile %s stored but directory not updated: %w", user.UID, err)
	}
	return nil
}

// ListAllUsers returns every well-formed directory entry. Malformed entries
// are skipped; a directory that is missing or not a list is ErrFetchFailed.
func (u *UsersStore) ListAllUsers(ctx context.Context) ([]DirectoryEntry, error) {
	entries, _, err := fetchList(ctx, u.b, UsersPath, decodeDirectoryEntry)
	return entries, err
}

// Profile loads the profile stored for uid.
func (u *UsersStore) Profile(ctx context.Context, uid string) (UserRecord, error) {
	v, err := u.b.get(ctx, profilePath(uid))
	if errors.Is(err, kv.ErrNotFound) {
		return UserRecord{}, fmt.Errorf("%w: no profile for %s", ErrFetchFailed, uid)
	}
	if err != nil {
		return UserRecord{}, err
	}
	user, err := decodeProfile(uid, v)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return user, nil
}
