package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/provider"
	"github.com/mailmirror/mailmirror/internal/sync"
)

// Sender is the outbound path. It shares the token manager with the
// sync engine, so a send never triggers a second refresh while a sync
// for the same principal holds one in flight.
type Sender struct {
	tokens       sync.TokenProvider
	mailboxes    sync.MailboxFactory
	messages     sync.MessageRepo
	providerName provider.Name
	log          *zap.Logger
}

// NewSender creates a send path.
func NewSender(tokens sync.TokenProvider, mailboxes sync.MailboxFactory, messages sync.MessageRepo, providerName provider.Name, log *zap.Logger) *Sender {
	return &Sender{
		tokens:       tokens,
		mailboxes:    mailboxes,
		messages:     messages,
		providerName: providerName,
		log:          log,
	}
}

// Send delivers a plain-text message and mirrors the outbound copy
// under the provider-returned id, so a later sync recognizes it and
// does not re-ingest it as new inbound mail. Fails fast with
// mail.ErrNeedsReauth; retryable provider failures are surfaced to the
// caller, never retried here.
func (s *Sender) Send(ctx context.Context, principalID, to, subject, body string) (*mail.Message, error) {
	if _, err := s.tokens.GetValidToken(ctx, principalID); err != nil {
		if errors.Is(err, mail.ErrNeedsReauth) {
			return nil, mail.ErrNeedsReauth
		}
		return nil, err
	}

	box, err := s.mailboxes(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}

	res, err := box.SendMessage(ctx, to, subject, body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &mail.Message{
		PrincipalID: principalID,
		Provider:    string(s.providerName),
		ProviderID:  res.ProviderID,
		ThreadID:    res.ThreadID,
		Subject:     subject,
		Sender:      "me",
		Snippet:     snippet(body),
		Body:        body,
		Folder:      "SENT",
		Read:        true,
		ReceivedAt:  now,
		IngestedAt:  now,
	}

	if _, err := s.messages.UpsertMessage(ctx, msg); err != nil {
		// The provider accepted the message; losing the local copy is
		// a repository failure the caller must know about.
		return nil, fmt.Errorf("persist sent message: %w", err)
	}

	s.log.Info("message sent",
		zap.String("principal_id", principalID),
		zap.String("provider_id", res.ProviderID))
	return msg, nil
}

func snippet(body string) string {
	const max = 120
	if len(body) <= max {
		return body
	}
	return body[:max]
}
