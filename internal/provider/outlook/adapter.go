package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/metrics"
	"github.com/mailmirror/mailmirror/internal/provider"
)

var selectFields = []string{
	"id", "conversationId", "subject", "from", "bodyPreview", "body",
	"receivedDateTime", "isRead", "flag", "parentFolderId",
}

// TokenProvider hands out currently-valid access tokens. Satisfied by
// the token manager, so Graph calls share its single-flight refresh.
type TokenProvider interface {
	GetValidToken(ctx context.Context, principalID string) (string, error)
}

// Adapter implements provider.Mailbox for Outlook/Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient

	// Graph identifies folders by opaque per-mailbox ids; the
	// well-known ones are resolved once and cached.
	folderMu sync.Mutex
	folders  map[string]string
}

// New creates an Outlook adapter for one principal.
func New(tokens TokenProvider, principalID string) (*Adapter, error) {
	cred := &managedTokenCredential{tokens: tokens, principalID: principalID}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// ListMessageIDs returns one page of message ids. Graph paginates with
// a full nextLink URL, which is what pageCursor carries here.
func (a *Adapter) ListMessageIDs(ctx context.Context, pageCursor string, pageSize int64) (*provider.Page, error) {
	var result models.MessageCollectionResponseable
	var err error

	if pageCursor == "" {
		top := int32(pageSize)
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:    &top,
				Select: []string{"id"},
			},
		}
		result, err = a.client.Me().Messages().Get(ctx, requestConfig)
	} else {
		builder := users.NewItemMessagesRequestBuilder(pageCursor, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list", err)
	}
	metrics.ProviderRequests.WithLabelValues("list", "ok").Inc()

	page := &provider.Page{}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextCursor = *next
	}
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	return page, nil
}

// FetchMessage retrieves one message and normalizes it.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*provider.MessageDetail, error) {
	if err := a.ensureFolders(ctx); err != nil {
		return nil, classify("folders", err)
	}

	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	}
	msg, err := a.client.Me().Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, classify("get", err)
	}
	metrics.ProviderRequests.WithLabelValues("get", "ok").Inc()
	return normalize(msg, a.folderOf), nil
}

// ensureFolders resolves the well-known folder ids for this mailbox.
// Listing /me/messages spans every folder including Sent Items, so the
// sent copy of an outbound message must be recognized by its parent
// folder or it would surface as new inbound mail.
func (a *Adapter) ensureFolders(ctx context.Context) error {
	a.folderMu.Lock()
	defer a.folderMu.Unlock()
	if a.folders != nil {
		return nil
	}

	resolved := make(map[string]string, 2)
	for known, name := range map[string]string{"inbox": "INBOX", "sentitems": "SENT"} {
		folder, err := a.client.Me().MailFolders().ByMailFolderId(known).Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("resolve %s folder: %w", known, err)
		}
		if id := folder.GetId(); id != nil {
			resolved[*id] = name
		}
	}
	a.folders = resolved
	return nil
}

func (a *Adapter) folderOf(parentID string) string {
	a.folderMu.Lock()
	defer a.folderMu.Unlock()
	if name, ok := a.folders[parentID]; ok {
		return name
	}
	return "ARCHIVE"
}

// SendMessage sends a plain-text message through Graph.
func (a *Adapter) SendMessage(ctx context.Context, to, subject, body string) (*provider.SendResult, error) {
	msg := models.NewMessage()
	msg.SetSubject(&subject)

	content := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	content.SetContentType(&contentType)
	content.SetContent(&body)
	msg.SetBody(content)

	addr := models.NewEmailAddress()
	addr.SetAddress(&to)
	recipient := models.NewRecipient()
	recipient.SetEmailAddress(addr)
	msg.SetToRecipients([]models.Recipientable{recipient})

	request := users.NewItemSendMailPostRequestBody()
	request.SetMessage(msg)
	saveToSent := true
	request.SetSaveToSentItems(&saveToSent)

	if err := a.client.Me().SendMail().Post(ctx, request, nil); err != nil {
		return nil, classify("send", err)
	}
	metrics.ProviderRequests.WithLabelValues("send", "ok").Inc()

	// Graph's sendMail does not echo the stored message back, so the
	// mirror row gets a synthetic id. The next sync ingests the Sent
	// Items copy under its real id with folder SENT.
	return &provider.SendResult{ProviderID: fmt.Sprintf("outlook-sent-%d", time.Now().UnixNano())}, nil
}

// normalize converts a Graph message to a MessageDetail. folderOf maps
// a parent folder id to SENT/INBOX/ARCHIVE.
func normalize(m models.Messageable, folderOf func(string) string) *provider.MessageDetail {
	detail := &provider.MessageDetail{
		Folder: "ARCHIVE",
	}
	if pid := m.GetParentFolderId(); pid != nil {
		detail.Folder = folderOf(*pid)
	}

	if id := m.GetId(); id != nil {
		detail.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		detail.ThreadID = *convID
	}

	detail.Subject = "(No Subject)"
	if subject := m.GetSubject(); subject != nil && *subject != "" {
		detail.Subject = *subject
	}

	detail.Sender = "Unknown"
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil && *addr != "" {
				detail.Sender = *addr
			}
		}
	}

	if preview := m.GetBodyPreview(); preview != nil {
		detail.Snippet = *preview
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			detail.Body = *content
		}
	}
	if read := m.GetIsRead(); read != nil {
		detail.Read = *read
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil {
			detail.Starred = *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		detail.ReceivedAt = rcvd.UTC()
	}

	return detail
}

// classify maps a Graph failure onto the core taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		metrics.ProviderRequests.WithLabelValues(op, "canceled").Inc()
		return err
	}

	var oe *odataerrors.ODataError
	if errors.As(err, &oe) {
		code := oe.ResponseStatusCode
		switch {
		case code == http.StatusTooManyRequests:
			metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
			return mail.Retryable(fmt.Errorf("outlook %s: %w", op, mail.ErrRateLimited))
		case code >= 500:
			metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
			return mail.Retryable(fmt.Errorf("outlook %s: %w", op, err))
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			metrics.ProviderRequests.WithLabelValues(op, "fatal").Inc()
			return mail.Fatal(fmt.Errorf("outlook %s: %w", op, mail.ErrTokenRevoked))
		default:
			metrics.ProviderRequests.WithLabelValues(op, "fatal").Inc()
			return mail.Fatal(fmt.Errorf("outlook %s: %w", op, err))
		}
	}

	if errors.Is(err, mail.ErrNeedsReauth) || mail.IsRetryable(err) || mail.IsFatal(err) {
		return err
	}

	metrics.ProviderRequests.WithLabelValues(op, "retryable").Inc()
	return mail.Retryable(fmt.Errorf("outlook %s: %w", op, err))
}

// managedTokenCredential adapts the token manager to the Azure
// credential interface the Graph SDK expects.
type managedTokenCredential struct {
	tokens      TokenProvider
	principalID string
}

func (c *managedTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	access, err := c.tokens.GetValidToken(ctx, c.principalID)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{
		Token:     access,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}
