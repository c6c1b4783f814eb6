package data

import (
	"context"
	"fmt"
)

// ConversationsUpdate is one delivery of a subscribed conversation list.
// Err is set, and Conversations empty, when the list could not be read at
// all. Skipped counts malformed entries left out of Conversations.
type ConversationsUpdate struct {
	Conversations []ConversationSummary
	Skipped       int
	Err           error
}

// ConversationsStore owns each user's list of conversation summaries.
type ConversationsStore struct {
	b *Backend
}

// NewConversationsStore returns a ConversationsStore on b.
func NewConversationsStore(b *Backend) *ConversationsStore {
	return &ConversationsStore{b: b}
}

// Upsert writes s into ownerUID's list, replacing the entry with the same
// id or appending it. Repeating the call is harmless.
func (c *ConversationsStore) Upsert(ctx context.Context, ownerUID string, s ConversationSummary) error {
	if ownerUID == "" || s.ID == "" {
		return fmt.Errorf("%w: conversation owner and id are required", ErrMalformedRecord)
	}
	doc := encodeConversation(s, c.b.dates)
	return c.b.modifyList(ctx, conversationsPath(ownerUID), func(list []any) ([]any, error) {
		return upsertByKey(list, "id", s.ID, doc), nil
	})
}

// MarkRead flags the latest message of one of uid's conversations as read.
func (c *ConversationsStore) MarkRead(ctx context.Context, uid, conversationID string) error {
	return c.b.modifyList(ctx, conversationsPath(uid), func(list []any) ([]any, error) {
		i := indexByKey(list, "id", conversationID)
		if i < 0 {
			return nil, fmt.Errorf("%w: conversation %s for %s", ErrNotFound, conversationID, uid)
		}
		entry, _ := list[i].(map[string]any)
		latest, ok := entry["latest_message"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: conversation %s has no latest message", ErrMalformedRecord, conversationID)
		}
		out := append([]any(nil), list...)
		updated := make(map[string]any, len(entry))
		for k, v := range entry {
			updated[k] = v
		}
		lm := make(map[string]any, len(latest))
		for k, v := range latest {
			lm[k] = v
		}
		lm["is_read"] = true
		updated["latest_message"] = lm
		out[i] = updated
		return out, nil
	})
}

// List reads uid's conversations once.
func (c *ConversationsStore) List(ctx context.Context, uid string) ([]ConversationSummary, error) {
	items, _, err := fetchList(ctx, c.b, conversationsPath(uid), c.decode)
	return items, err
}

// Subscribe delivers uid's full conversation list now and again after every
// change, until ctx is done. The channel is closed afterwards.
func (c *ConversationsStore) Subscribe(ctx context.Context, uid string) (<-chan ConversationsUpdate, error) {
	return watchList(ctx, c.b, conversationsPath(uid), c.decode,
		func(items []ConversationSummary, skipped int, err error) ConversationsUpdate {
			return ConversationsUpdate{Conversations: items, Skipped: skipped, Err: err}
		})
}

func (c *ConversationsStore) decode(v any) (ConversationSummary, error) {
	return decodeConversation(v, c.b.dates)
}
