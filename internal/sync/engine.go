package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/metrics"
	"github.com/mailmirror/mailmirror/internal/provider"
)

// DefaultMaxMessages bounds a run when the caller does not.
const DefaultMaxMessages = 500

// maxPages caps pagination regardless of what the provider returns, so
// a misbehaving cursor cannot loop a run forever.
const maxPages = 1000

// TokenProvider hands out currently-valid access tokens.
type TokenProvider interface {
	GetValidToken(ctx context.Context, principalID string) (string, error)
}

// MessageRepo is the mirror persistence the engine writes through.
type MessageRepo interface {
	ExistsByProviderID(ctx context.Context, principalID, providerID string) (bool, error)
	UpsertMessage(ctx context.Context, msg *mail.Message) (bool, error)
	GetCursor(ctx context.Context, principalID string) (*mail.Cursor, error)
	SetCursor(ctx context.Context, principalID string, cursor mail.Cursor) error
}

// MailboxFactory builds the provider mailbox for one principal.
type MailboxFactory func(ctx context.Context, principalID string) (provider.Mailbox, error)

// Report is the outcome of one sync run. Errors holds per-message
// failures that were skipped; NeedsReauth means the run was cut short
// because the credential requires a fresh grant.
type Report struct {
	Fetched     int      `json:"fetched"`
	Ingested    int      `json:"ingested"`
	Errors      []string `json:"errors"`
	NeedsReauth bool     `json:"needs_reauth"`
}

// Engine pulls remote messages into the local mirror.
type Engine struct {
	tokens       TokenProvider
	mailboxes    MailboxFactory
	messages     MessageRepo
	providerName provider.Name
	pageSize     int64
	log          *zap.Logger
}

// NewEngine creates a sync engine.
func NewEngine(tokens TokenProvider, mailboxes MailboxFactory, messages MessageRepo, providerName provider.Name, pageSize int64, log *zap.Logger) *Engine {
	return &Engine{
		tokens:       tokens,
		mailboxes:    mailboxes,
		messages:     messages,
		providerName: providerName,
		pageSize:     pageSize,
		log:          log,
	}
}

// SyncPrincipal runs one incremental sync for a principal, fetching at
// most maxMessages messages. Already-mirrored messages are skipped via
// the repository existence check, so an interrupted run can safely be
// re-run. The cursor is advanced only past messages that are durably
// persisted.
func (e *Engine) SyncPrincipal(ctx context.Context, principalID string, maxMessages int) (*Report, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	rep := &Report{}

	if _, err := e.tokens.GetValidToken(ctx, principalID); err != nil {
		if errors.Is(err, mail.ErrNeedsReauth) {
			rep.NeedsReauth = true
			metrics.SyncRuns.WithLabelValues("needs_reauth").Inc()
			return rep, nil
		}
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return rep, err
	}

	box, err := e.mailboxes(ctx, principalID)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("create mailbox: %w", err)
	}

	pageCursor := ""
	lastPersisted := ""

	advanceCursor := func() {
		if lastPersisted == "" {
			return
		}
		if err := e.messages.SetCursor(ctx, principalID, mail.Cursor{Value: lastPersisted, UpdatedAt: nowUTC()}); err != nil {
			e.log.Error("failed to advance cursor",
				zap.String("principal_id", principalID), zap.Error(err))
		}
		lastPersisted = ""
	}

	for pages := 0; pages < maxPages; pages++ {
		if err := ctx.Err(); err != nil {
			metrics.SyncRuns.WithLabelValues("error").Inc()
			return rep, err
		}

		page, err := box.ListMessageIDs(ctx, pageCursor, e.pageSize)
		if err != nil {
			if errors.Is(err, mail.ErrNeedsReauth) {
				rep.NeedsReauth = true
				metrics.SyncRuns.WithLabelValues("needs_reauth").Inc()
				return rep, nil
			}
			metrics.SyncRuns.WithLabelValues("error").Inc()
			return rep, err
		}

		for _, id := range page.IDs {
			if rep.Fetched >= maxMessages {
				break
			}
			if err := ctx.Err(); err != nil {
				advanceCursor()
				metrics.SyncRuns.WithLabelValues("error").Inc()
				return rep, err
			}

			exists, err := e.messages.ExistsByProviderID(ctx, principalID, id)
			if err != nil {
				advanceCursor()
				metrics.SyncRuns.WithLabelValues("error").Inc()
				return rep, fmt.Errorf("repository: %w", err)
			}
			if exists {
				continue
			}

			detail, err := box.FetchMessage(ctx, id)
			rep.Fetched++
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", id, err))
				if abort, reauth := batchLevel(err); abort {
					advanceCursor()
					if reauth {
						rep.NeedsReauth = true
						metrics.SyncRuns.WithLabelValues("needs_reauth").Inc()
						return rep, nil
					}
					metrics.SyncRuns.WithLabelValues("error").Inc()
					return rep, err
				}
				// Single bad message: skip, the batch goes on.
				e.log.Warn("skipping message",
					zap.String("principal_id", principalID),
					zap.String("message_id", id), zap.Error(err))
				continue
			}

			msg := e.normalize(principalID, detail)
			created, err := e.messages.UpsertMessage(ctx, msg)
			if err != nil {
				advanceCursor()
				metrics.SyncRuns.WithLabelValues("error").Inc()
				return rep, fmt.Errorf("repository: %w", err)
			}
			if created {
				rep.Ingested++
				metrics.MessagesIngested.Inc()
			}
			lastPersisted = id
		}

		// Everything persisted so far is durable; the cursor may
		// reflect it even if the run dies on the next page.
		advanceCursor()

		if page.NextCursor == "" || rep.Fetched >= maxMessages {
			break
		}
		pageCursor = page.NextCursor
	}

	metrics.SyncRuns.WithLabelValues("ok").Inc()
	e.log.Info("sync run complete",
		zap.String("principal_id", principalID),
		zap.Int("fetched", rep.Fetched),
		zap.Int("ingested", rep.Ingested),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// batchLevel reports whether err poisons the whole run (revoked token,
// rate limit, reauth) rather than just one message.
func batchLevel(err error) (abort, reauth bool) {
	switch {
	case errors.Is(err, mail.ErrNeedsReauth):
		return true, true
	case errors.Is(err, mail.ErrTokenRevoked):
		return true, false
	case errors.Is(err, mail.ErrRateLimited):
		return true, false
	}
	return false, false
}

func (e *Engine) normalize(principalID string, d *provider.MessageDetail) *mail.Message {
	now := nowUTC()
	received := d.ReceivedAt
	if received.IsZero() {
		// No parseable date from the provider: receipt time falls back
		// to ingestion time rather than failing the message.
		received = now
	}
	return &mail.Message{
		PrincipalID: principalID,
		Provider:    string(e.providerName),
		ProviderID:  d.ID,
		ThreadID:    d.ThreadID,
		Subject:     d.Subject,
		Sender:      d.Sender,
		Snippet:     d.Snippet,
		Body:        d.Body,
		Labels:      d.Labels,
		Folder:      d.Folder,
		Read:        d.Read,
		Starred:     d.Starred,
		ReceivedAt:  received,
		IngestedAt:  now,
	}
}
