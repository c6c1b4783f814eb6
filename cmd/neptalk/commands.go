package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/PaulBabatuyi/neptalk/internal/auth"
	"github.com/PaulBabatuyi/neptalk/internal/chat"
	"github.com/PaulBabatuyi/neptalk/internal/data"
	"github.com/PaulBabatuyi/neptalk/internal/identity"
	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// sendableKinds are the wire types accepted by send -kind.
var sendableKinds = []string{
	data.TypeText, data.TypeAttributedText, data.TypeEmoji, data.TypePhoto, data.TypeVideo,
	data.TypeAudio, data.TypeLocation, data.TypeContact, data.TypeLinkPreview,
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func tokenCmd(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing secret shared with the server")
	email := fs.String("email", "", "account email")
	uid := fs.String("uid", "", "account uid (default: derived from email)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *email == "" {
		return errors.New("token: -secret and -email are required")
	}
	if *uid == "" {
		*uid = identity.Sanitize(normalize.Email(*email))
	}

	token, _, err := auth.NewJWTManager(*secret, *ttl).GenerateToken(*uid, *email)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func (a *app) registerCmd(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user := data.UserRecord{UID: a.claims.UserID, FirstName: *first, LastName: *last, Email: a.claims.Email}
	if err := a.stores.Users.RegisterUser(ctx, user); err != nil {
		return err
	}
	_, err := fmt.Fprintf(a.out, "registered %s as %s\n", user.Email, user.UID)
	return err
}

func (a *app) usersCmd(ctx context.Context, _ []string) error {
	users, err := a.stores.Users.ListAllUsers(ctx)
	if err != nil {
		return err
	}
	printUsers(a.out, users)
	return nil
}

func (a *app) sendCmd(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	to := fs.String("to", "", "receiver email")
	toUID := fs.String("to-uid", "", "receiver uid (default: derived from email)")
	toName := fs.String("to-name", "", "receiver name (default: from the directory)")
	convID := fs.String("conversation", "", "existing conversation id; empty starts a new one")
	kind := fs.String("kind", data.TypeText, "message kind: "+strings.Join(sendableKinds, ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	if *to == "" || content == "" {
		return errors.New("send: -to and message content are required")
	}
	if !lo.Contains(sendableKinds, *kind) {
		return fmt.Errorf("send: unknown kind %q", *kind)
	}

	peer := chat.Peer{Email: normalize.Email(*to), UID: *toUID, Name: *toName}
	if peer.UID == "" {
		peer.UID = identity.Sanitize(peer.Email)
	}
	if peer.Name == "" {
		peer.Name = a.lookupName(ctx, peer)
	}

	k, err := data.ParseKind(*kind, content)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	msg := chat.Message{ID: uuid.NewString(), SentAt: time.Now(), Kind: k}

	var res chat.FanoutResult
	if *convID == "" {
		res, err = a.chat.CreateConversation(ctx, peer, msg)
	} else {
		res, err = a.chat.SendMessage(ctx, *convID, peer, msg)
	}
	if res.ConversationID != "" {
		fmt.Fprintf(a.out, "conversation %s\n", res.ConversationID)
	}
	return err
}

// lookupName finds the receiver in the directory, falling back to the email.
func (a *app) lookupName(ctx context.Context, p chat.Peer) string {
	users, err := a.stores.Users.ListAllUsers(ctx)
	if err != nil {
		return p.Email
	}
	if u, ok := lo.Find(users, func(u data.DirectoryEntry) bool { return u.UID == p.UID }); ok {
		return u.Name
	}
	return p.Email
}

func (a *app) conversationsCmd(ctx context.Context, args []string) error {
	fs := newFlagSet("conversations")
	watch := fs.Bool("watch", false, "keep printing the list as it changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*watch {
		list, err := a.stores.Conversations.List(ctx, a.claims.UserID)
		if err != nil {
			return err
		}
		printConversations(a.out, list)
		return nil
	}

	updates, err := a.stores.Conversations.Subscribe(ctx, a.claims.UserID)
	if err != nil {
		return err
	}
	for u := range updates {
		if u.Err != nil {
			fmt.Fprintf(a.out, "-- %v\n", u.Err)
			continue
		}
		printConversations(a.out, u.Conversations)
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) messagesCmd(ctx context.Context, args []string) error {
	fs := newFlagSet("messages")
	convID := fs.String("conversation", "", "conversation id")
	watch := fs.Bool("watch", false, "keep printing the list as it changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *convID == "" {
		return errors.New("messages: -conversation is required")
	}

	if !*watch {
		msgs, err := a.stores.Messages.List(ctx, *convID)
		if err != nil {
			return err
		}
		printMessages(a.out, msgs, a.stores.Dates())
		return nil
	}

	updates, err := a.stores.Messages.Subscribe(ctx, *convID)
	if err != nil {
		return err
	}
	for u := range updates {
		if u.Err != nil {
			fmt.Fprintf(a.out, "-- %v\n", u.Err)
			continue
		}
		printMessages(a.out, u.Messages, a.stores.Dates())
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) readCmd(ctx context.Context, args []string) error {
	fs := newFlagSet("read")
	convID := fs.String("conversation", "", "conversation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *convID == "" {
		return errors.New("read: -conversation is required")
	}
	return a.stores.Conversations.MarkRead(ctx, a.claims.UserID, *convID)
}
