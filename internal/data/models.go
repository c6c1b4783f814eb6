// Package data is the data-access layer over the shared namespace: the
// user directory, the per-user conversation lists and the per-conversation
// message lists.
//
// Persisted layout:
//
//	/{uid}                      {firstName, lastName, email}
//	/users                      [{name, email, uid}, ...]
//	/{uid}/conversations        [{id, receiver_email, receiver_uid, name,
//	                              latest_message: {date, message, is_read, sent_at}}, ...]
//	/{conversationId}/messages  [{id, type, content, date, sent_at, sender_email, name, is_read}, ...]
package data

import (
	"strings"
	"time"

	"github.com/PaulBabatuyi/neptalk/internal/kv"
)

// UsersPath holds the flat user directory.
const UsersPath = "users"

// conversationIDPrefix is prepended to the id of the message that opened a
// conversation.
const conversationIDPrefix = "conversation_"

// UserRecord is the profile written once at registration. The uid names a
// top-level path, so it may not collide with UsersPath or be a dot segment.
type UserRecord struct {
	UID       string `validate:"required,excludes=/,ne=users,ne=.,ne=.."`
	FirstName string `validate:"required"`
	LastName  string
	Email     string `validate:"required,email"`
}

// DisplayName is the name shown to other users.
func (u UserRecord) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// DirectoryEntry is the projection of a UserRecord kept in /users.
type DirectoryEntry struct {
	UID   string
	Name  string
	Email string
}

// LatestMessage is the preview embedded in a conversation summary.
type LatestMessage struct {
	Date   string // formatted for display
	SentAt time.Time
	Text   string
	IsRead bool
}

// ConversationSummary is one party's mirror of a conversation. Peer is the
// other party.
type ConversationSummary struct {
	ID        string
	PeerEmail string
	PeerUID   string
	PeerName  string
	Latest    LatestMessage
}

// MessageRecord is one message in a conversation.
type MessageRecord struct {
	ID          string
	Kind        Kind
	SentAt      time.Time
	SenderEmail string
	SenderName  string
	IsRead      bool
}

// ConversationID derives a conversation id from the id of the message that
// created it.
func ConversationID(messageID string) string {
	return conversationIDPrefix + messageID
}

func profilePath(uid string) string { return kv.Join(uid) }

func conversationsPath(uid string) string { return kv.Join(uid, "conversations") }

func messagesPath(conversationID string) string { return kv.Join(conversationID, "messages") }
