package data

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// The *Doc types are the stored shape of each entity. Pointer fields make
// "present" distinct from "zero": a missing key fails validation while an
// empty string or false is accepted.

type profileDoc struct {
	FirstName *string `json:"firstName" validate:"required"`
	LastName  *string `json:"lastName" validate:"required"`
	Email     *string `json:"email" validate:"required"`
}

type directoryDoc struct {
	UID   *string `json:"uid" validate:"required"`
	Name  *string `json:"name" validate:"required"`
	Email *string `json:"email" validate:"required"`
}

type latestMessageDoc struct {
	Date    *string `json:"date" validate:"required"`
	Message *string `json:"message" validate:"required"`
	IsRead  *bool   `json:"is_read" validate:"required"`
	SentAt  *int64  `json:"sent_at"`
}

type conversationDoc struct {
	ID            *string           `json:"id" validate:"required"`
	ReceiverEmail *string           `json:"receiver_email" validate:"required"`
	ReceiverUID   *string           `json:"receiver_uid" validate:"required"`
	Name          *string           `json:"name" validate:"required"`
	LatestMessage *latestMessageDoc `json:"latest_message" validate:"required"`
}

type messageDoc struct {
	ID          *string `json:"id" validate:"required"`
	Type        *string `json:"type" validate:"required"`
	Content     *string `json:"content" validate:"required"`
	Date        *string `json:"date" validate:"required"`
	SentAt      *int64  `json:"sent_at"`
	SenderEmail *string `json:"sender_email" validate:"required"`
	Name        *string `json:"name" validate:"required"`
	IsRead      *bool   `json:"is_read" validate:"required"`
}

// decodeDoc maps an untyped store value onto dst and validates it. Any
// mismatch, including a field of the wrong type, is ErrMalformedRecord.
func decodeDoc(v any, dst any) error {
	if _, ok := v.(map[string]any); !ok {
		return fmt.Errorf("%w: expected object, got %T", ErrMalformedRecord, v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return nil
}

func encodeProfile(u UserRecord) map[string]any {
	return map[string]any{
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"email":     u.Email,
	}
}

func decodeProfile(uid string, v any) (UserRecord, error) {
	var d profileDoc
	if err := decodeDoc(v, &d); err != nil {
		return UserRecord{}, err
	}
	return UserRecord{UID: uid, FirstName: *d.FirstName, LastName: *d.LastName, Email: *d.Email}, nil
}

func encodeDirectoryEntry(e DirectoryEntry) map[string]any {
	return map[string]any{
		"uid":   e.UID,
		"name":  e.Name,
		"email": e.Email,
	}
}

func decodeDirectoryEntry(v any) (DirectoryEntry, error) {
	var d directoryDoc
	if err := decodeDoc(v, &d); err != nil {
		return DirectoryEntry{}, err
	}
	return DirectoryEntry{UID: *d.UID, Name: *d.Name, Email: *d.Email}, nil
}

func encodeConversation(c ConversationSummary, dates DateFormatter) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"receiver_email": c.PeerEmail,
		"receiver_uid":   c.PeerUID,
		"name":           c.PeerName,
		"latest_message": map[string]any{
			"date":    dates.Format(c.Latest.SentAt),
			"sent_at": toMillis(c.Latest.SentAt),
			"message": c.Latest.Text,
			"is_read": c.Latest.IsRead,
		},
	}
}

func decodeConversation(v any, dates DateFormatter) (ConversationSummary, error) {
	var d conversationDoc
	if err := decodeDoc(v, &d); err != nil {
		return ConversationSummary{}, err
	}
	lm := d.LatestMessage
	latest := LatestMessage{Date: *lm.Date, Text: *lm.Message, IsRead: *lm.IsRead}
	if lm.SentAt != nil {
		latest.SentAt = fromMillis(*lm.SentAt)
	} else if t, ok := dates.Parse(*lm.Date); ok {
		latest.SentAt = t
	}
	return ConversationSummary{
		ID:        *d.ID,
		PeerEmail: *d.ReceiverEmail,
		PeerUID:   *d.ReceiverUID,
		PeerName:  *d.Name,
		Latest:    latest,
	}, nil
}

func encodeMessage(m MessageRecord, dates DateFormatter) (map[string]any, error) {
	typ, content, err := EncodeKind(m.Kind)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":           m.ID,
		"type":         typ,
		"content":      content,
		"date":         dates.Format(m.SentAt),
		"sent_at":      toMillis(m.SentAt),
		"sender_email": m.SenderEmail,
		"name":         m.SenderName,
		"is_read":      m.IsRead,
	}, nil
}

// decodeMessage prefers the numeric sent_at and falls back to parsing the
// display date; a record with neither is malformed.
func decodeMessage(v any, dates DateFormatter) (MessageRecord, error) {
	var d messageDoc
	if err := decodeDoc(v, &d); err != nil {
		return MessageRecord{}, err
	}

	var sentAt time.Time
	switch {
	case d.SentAt != nil:
		sentAt = fromMillis(*d.SentAt)
	default:
		t, ok := dates.Parse(*d.Date)
		if !ok {
			return MessageRecord{}, fmt.Errorf("%w: unparseable date %q", ErrMalformedRecord, *d.Date)
		}
		sentAt = t
	}

	return MessageRecord{
		ID:          *d.ID,
		Kind:        DecodeKind(*d.Type, *d.Content),
		SentAt:      sentAt,
		SenderEmail: *d.SenderEmail,
		SenderName:  *d.Name,
		IsRead:      *d.IsRead,
	}, nil
}
