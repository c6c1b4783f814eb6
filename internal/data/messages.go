package data

import (
	"context"
	"fmt"
)

// MessagesUpdate is one delivery of a subscribed message list.
type MessagesUpdate struct {
	Messages []MessageRecord
	Skipped  int
	Err      error
}

// MessagesStore owns the message list of each conversation.
type MessagesStore struct {
	b *Backend
}

// NewMessagesStore returns a MessagesStore on b.
func NewMessagesStore(b *Backend) *MessagesStore {
	return &MessagesStore{b: b}
}

// Append adds m to the end of the conversation's message list. The list is
// read, extended and written back; a message whose id is already present is
// not added twice, so retries are safe.
func (s *MessagesStore) Append(ctx context.Context, conversationID string, m MessageRecord) error {
	if conversationID == "" || m.ID == "" {
		return fmt.Errorf("%w: conversation and message id are required", ErrMalformedRecord)
	}
	doc, err := encodeMessage(m, s.b.dates)
	if err != nil {
		return err
	}
	return s.b.modifyList(ctx, messagesPath(conversationID), func(list []any) ([]any, error) {
		if indexByKey(list, "id", m.ID) >= 0 {
			return list, nil
		}
		return append(append(make([]any, 0, len(list)+1), list...), doc), nil
	})
}

// List reads a conversation's messages once, in stored order.
func (s *MessagesStore) List(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	items, _, err := fetchList(ctx, s.b, messagesPath(conversationID), s.decode)
	return items, err
}

// Subscribe delivers the conversation's full message list now and again
// after every change, until ctx is done.
func (s *MessagesStore) Subscribe(ctx context.Context, conversationID string) (<-chan MessagesUpdate, error) {
	return watchList(ctx, s.b, messagesPath(conversationID), s.decode,
		func(items []MessageRecord, skipped int, err error) MessagesUpdate {
			return MessagesUpdate{Messages: items, Skipped: skipped, Err: err}
		})
}

func (s *MessagesStore) decode(v any) (MessageRecord, error) {
	return decodeMessage(v, s.b.dates)
}
