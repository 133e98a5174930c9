package provider

import (
	"context"
	"time"
)

// Name identifies a mailbox provider.
type Name string

const (
	Google    Name = "GOOGLE"
	Microsoft Name = "MICROSOFT"
)

// Page is one page of message ids. An empty NextCursor is the only
// signal that the listing is exhausted.
type Page struct {
	IDs        []string
	NextCursor string
}

// MessageDetail is a provider message normalized to the fields the
// mirror keeps. ReceivedAt is the zero time when the provider gave no
// parseable date; callers substitute their own timestamp.
type MessageDetail struct {
	ID         string
	ThreadID   string
	Subject    string
	Sender     string
	Snippet    string
	Body       string
	Labels     []string
	Folder     string
	Read       bool
	Starred    bool
	ReceivedAt time.Time
}

// SendResult is the provider's acknowledgement of a sent message.
type SendResult struct {
	ProviderID string
	ThreadID   string
}

// Mailbox is the remote mailbox surface the core consumes. Failures
// are classified: mail.IsRetryable for 429/5xx/network,
// mail.IsFatal for revoked tokens and malformed requests.
type Mailbox interface {
	// ListMessageIDs returns one page of message ids. pageCursor is the
	// opaque token from the previous page, empty for the first.
	ListMessageIDs(ctx context.Context, pageCursor string, pageSize int64) (*Page, error)

	// FetchMessage retrieves one message. Missing headers are never an
	// error: documented defaults fill the gaps.
	FetchMessage(ctx context.Context, id string) (*MessageDetail, error)

	// SendMessage delivers a plain-text message. The wire payload is a
	// deterministic function of (to, subject, body).
	SendMessage(ctx context.Context, to, subject, body string) (*SendResult, error)
}
