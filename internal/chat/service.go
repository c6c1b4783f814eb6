// Package chat writes conversations: the two per-user mirrors and the
// shared message list.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/data"
	"github.com/PaulBabatuyi/neptalk/internal/identity"
	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// ErrNotAttempted marks a leg skipped because an earlier one failed.
var ErrNotAttempted = errors.New("not attempted")

// IdentityResolver reports the sender.
type IdentityResolver interface {
	Current(ctx context.Context) (identity.Identity, bool)
}

// ConversationWriter upserts a summary into one user's conversation list.
type ConversationWriter interface {
	Upsert(ctx context.Context, ownerUID string, s data.ConversationSummary) error
}

// MessageAppender appends to a conversation's message list.
type MessageAppender interface {
	Append(ctx context.Context, conversationID string, m data.MessageRecord) error
}

// Message is an outgoing message.
type Message struct {
	ID     string
	SentAt time.Time // zero means now
	Kind   data.Kind
}

// Peer is the receiving user.
type Peer struct {
	Email string
	UID   string
	Name  string
}

// FanoutResult reports each write of a fan-out separately. A nil field
// means that write succeeded.
type FanoutResult struct {
	ConversationID string
	Sender         error
	Receiver       error
	Message        error
}

// OK reports whether every write succeeded.
func (r FanoutResult) OK() bool {
	return r.Sender == nil && r.Receiver == nil && r.Message == nil
}

// Err returns nil when every write succeeded. Otherwise it wraps
// data.ErrPartialWrite and each failed write.
func (r FanoutResult) Err() error {
	if r.OK() {
		return nil
	}
	var legs []error
	if r.Sender != nil {
		legs = append(legs, fmt.Errorf("sender mirror: %w", r.Sender))
	}
	if r.Receiver != nil {
		legs = append(legs, fmt.Errorf("receiver mirror: %w", r.Receiver))
	}
	if r.Message != nil {
		legs = append(legs, fmt.Errorf("message: %w", r.Message))
	}
	return fmt.Errorf("%w: conversation %s: %w", data.ErrPartialWrite, r.ConversationID, errors.Join(legs...))
}

// Service fans a message out to both parties.
type Service struct {
	ids   IdentityResolver
	convs ConversationWriter
	msgs  MessageAppender
	log   *zap.Logger
	now   func() time.Time
}

// NewService returns a Service. log may be nil.
func NewService(ids IdentityResolver, convs ConversationWriter, msgs MessageAppender, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ids: ids, convs: convs, msgs: msgs, log: log, now: time.Now}
}

// CreateConversation starts a conversation with to whose id derives from
// m.ID. Both mirrors are written concurrently and both are checked; the
// first message is appended only once the sender's mirror exists. Every
// write is an upsert keyed by id, so calling again after a partial failure
// repairs the missing parts without duplicating anything.
func (s *Service) CreateConversation(ctx context.Context, to Peer, m Message) (FanoutResult, error) {
	me, rec, err := s.prepare(ctx, to, m)
	if err != nil {
		return FanoutResult{}, err
	}
	convID := data.ConversationID(m.ID)
	res := FanoutResult{ConversationID: convID}

	res.Sender, res.Receiver = s.writeMirrors(ctx, me, to, convID, rec)
	if res.Sender != nil {
		res.Message = ErrNotAttempted
	} else {
		res.Message = s.msgs.Append(ctx, convID, rec)
	}

	s.report("create conversation", res)
	return res, res.Err()
}

// SendMessage adds m to an existing conversation and refreshes the latest
// message shown in both mirrors. Mirrors are only touched after the
// message itself is stored.
func (s *Service) SendMessage(ctx context.Context, conversationID string, to Peer, m Message) (FanoutResult, error) {
	if conversationID == "" {
		return FanoutResult{}, fmt.Errorf("%w: conversation id is required", data.ErrMalformedRecord)
	}
	me, rec, err := s.prepare(ctx, to, m)
	if err != nil {
		return FanoutResult{}, err
	}
	res := FanoutResult{ConversationID: conversationID}

	res.Message = s.msgs.Append(ctx, conversationID, rec)
	if res.Message != nil {
		res.Sender, res.Receiver = ErrNotAttempted, ErrNotAttempted
	} else {
		res.Sender, res.Receiver = s.writeMirrors(ctx, me, to, conversationID, rec)
	}

	s.report("send message", res)
	return res, res.Err()
}

// prepare checks preconditions. Nothing has been written when it fails.
func (s *Service) prepare(ctx context.Context, to Peer, m Message) (identity.Identity, data.MessageRecord, error) {
	me, ok := s.ids.Current(ctx)
	if !ok {
		return identity.Identity{}, data.MessageRecord{}, data.ErrUnauthenticated
	}
	if m.ID == "" || to.UID == "" || to.Email == "" {
		return identity.Identity{}, data.MessageRecord{}, fmt.Errorf("%w: message id and receiver uid and email are required", data.ErrMalformedRecord)
	}
	if _, _, err := data.EncodeKind(m.Kind); err != nil {
		return identity.Identity{}, data.MessageRecord{}, err
	}
	sentAt := m.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	return me, data.MessageRecord{
		ID:          m.ID,
		Kind:        m.Kind,
		SentAt:      sentAt.UTC(),
		SenderEmail: me.Email,
		SenderName:  me.DisplayName,
	}, nil
}

// writeMirrors upserts the sender's and the receiver's summary in parallel
// and returns each outcome.
func (s *Service) writeMirrors(ctx context.Context, me identity.Identity, to Peer, convID string, rec data.MessageRecord) (senderErr, receiverErr error) {
	text, err := data.Preview(rec.Kind)
	if err != nil {
		return err, err
	}
	latest := data.LatestMessage{SentAt: rec.SentAt, Text: text}

	mine := data.ConversationSummary{
		ID:        convID,
		PeerEmail: normalize.Email(to.Email),
		PeerUID:   to.UID,
		PeerName:  to.Name,
		Latest:    latest,
	}
	theirs := data.ConversationSummary{
		ID:        convID,
		PeerEmail: me.Email,
		PeerUID:   me.UID,
		PeerName:  me.DisplayName,
		Latest:    latest,
	}

	// Each leg is reported on its own, so one failing must not cancel the other.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		senderErr = s.convs.Upsert(ctx, me.UID, mine)
	}()
	go func() {
		defer wg.Done()
		receiverErr = s.convs.Upsert(ctx, to.UID, theirs)
	}()
	wg.Wait()
	return senderErr, receiverErr
}

func (s *Service) report(op string, res FanoutResult) {
	if res.OK() {
		s.log.Debug(op, zap.String("conversation_id", res.ConversationID))
		return
	}
	s.log.Warn(op+" partially failed",
		zap.String("conversation_id", res.ConversationID),
		zap.NamedError("sender", res.Sender),
		zap.NamedError("receiver", res.Receiver),
		zap.NamedError("message", res.Message))
}
