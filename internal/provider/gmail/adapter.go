package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	netmail "net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/metrics"
	"github.com/mailmirror/mailmirror/internal/provider"
)

// Documented defaults for absent headers.
const (
	DefaultSubject = "(No Subject)"
	DefaultSender  = "Unknown"
)

// Adapter implements provider.Mailbox for Gmail.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter. The token source is expected to come
// from the token manager so every request rides on a validated token.
// Extra options are for tests (endpoint override).
func New(ctx context.Context, ts oauth2.TokenSource, extra ...option.ClientOption) (*Adapter, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, extra...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListMessageIDs returns one page of message ids.
func (a *Adapter) ListMessageIDs(ctx context.Context, pageCursor string, pageSize int64) (*provider.Page, error) {
	call := a.svc.Users.Messages.List("me").Context(ctx).IncludeSpamTrash(false).MaxResults(pageSize)
	if pageCursor != "" {
		call = call.PageToken(pageCursor)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("list", err)
	}
	metrics.ProviderRequests.WithLabelValues("list", "ok").Inc()

	page := &provider.Page{NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// FetchMessage retrieves one message in full and normalizes it.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*provider.MessageDetail, error) {
	msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get", err)
	}
	metrics.ProviderRequests.WithLabelValues("get", "ok").Inc()
	return normalize(msg), nil
}

// SendMessage sends a plain-text message as a raw RFC 2822 payload.
func (a *Adapter) SendMessage(ctx context.Context, to, subject, body string) (*provider.SendResult, error) {
	raw := BuildRawMessage(to, subject, body)
	resp, err := a.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, classify("send", err)
	}
	metrics.ProviderRequests.WithLabelValues("send", "ok").Inc()
	return &provider.SendResult{ProviderID: resp.Id, ThreadID: resp.ThreadId}, nil
}

// BuildRawMessage assembles the base64url wire payload. Header order
// and line endings are fixed so the same (to, subject, body) always
// produces the same bytes.
func BuildRawMessage(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// normalize converts a Gmail message to a MessageDetail. Header lookups
// are case-sensitive name matches per the provider contract.
func normalize(m *gmail.Message) *provider.MessageDetail {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	detail := &provider.MessageDetail{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  DefaultSubject,
		Sender:   DefaultSender,
		Snippet:  m.Snippet,
		Body:     extractBody(m.Payload),
		Labels:   m.LabelIds,
		Folder:   folderFromLabels(m.LabelIds),
		Read:     !hasLabel(m.LabelIds, "UNREAD"),
		Starred:  hasLabel(m.LabelIds, "STARRED"),
	}

	if v, ok := headers["Subject"]; ok && v != "" {
		detail.Subject = v
	}
	if v, ok := headers["From"]; ok && v != "" {
		detail.Sender = v
	}
	if v, ok := headers["Date"]; ok {
		if t, err := netmail.ParseDate(v); err == nil {
			detail.ReceivedAt = t.UTC()
		}
	}
	if detail.ReceivedAt.IsZero() && m.InternalDate > 0 {
		detail.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}

	return detail
}

// extractBody pulls the first text/plain body out of the payload.
// Anything else (multipart trees, attachments) is out of scope.
func extractBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if len(p.Parts) > 0 {
		for _, part := range p.Parts {
			if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
				return decodeBody(part.Body.Data)
			}
		}
		return ""
	}
	if p.Body != nil && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	return ""
}

// decodeBody handles base64url with or without padding; Gmail emits both.
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func folderFromLabels(labels []string) string {
	switch {
	case hasLabel(labels, "SENT"):
		return "SENT"
	case hasLabel(labels, "INBOX"):
		return "INBOX"
	default:
		return "ARCHIVE"
	}
}

// classify maps a Gmail API failure onto the core taxonomy. Tokens were
// validated just before the call, so a 401/403 here means revocation
// out-of-band, not staleness.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		metrics.ProviderRequests.WithLabelValues(op, "canceled").Inc()
		return err
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == http.StatusTooManyRequests:
			metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
			return mail.Retryable(fmt.Errorf("gmail %s: %w", op, mail.ErrRateLimited))
		case ge.Code >= 500:
			metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
			return mail.Retryable(fmt.Errorf("gmail %s: %w", op, err))
		case ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden:
			metrics.ProviderRequests.WithLabelValues(op, "fatal").Inc()
			return mail.Fatal(fmt.Errorf("gmail %s: %w", op, mail.ErrTokenRevoked))
		default:
			metrics.ProviderRequests.WithLabelValues(op, "fatal").Inc()
			return mail.Fatal(fmt.Errorf("gmail %s: %w", op, err))
		}
	}

	// Refresh failures surface through the token source already
	// classified; pass them through unchanged.
	if errors.Is(err, mail.ErrNeedsReauth) || mail.IsRetryable(err) || mail.IsFatal(err) {
		return err
	}

	metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
	return mail.Retryable(fmt.Errorf("gmail %s: %w", op, err))
}
