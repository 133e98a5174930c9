package outlook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/provider"
)

// testFolderOf maps the fake folder ids the tests use the way a
// resolved mailbox would.
func testFolderOf(parentID string) string {
	switch parentID {
	case "folder-inbox":
		return "INBOX"
	case "folder-sent":
		return "SENT"
	default:
		return "ARCHIVE"
	}
}

func strPtr(s string) *string { return &s }

func graphMessage(id, parentFolderID string) *models.Message {
	m := models.NewMessage()
	m.SetId(strPtr(id))
	m.SetParentFolderId(strPtr(parentFolderID))
	return m
}

func TestNormalizeFolderMapping(t *testing.T) {
	cases := []struct {
		parentID string
		want     string
	}{
		{"folder-inbox", "INBOX"},
		{"folder-sent", "SENT"},
		{"folder-drafts", "ARCHIVE"},
	}
	for _, tc := range cases {
		d := normalize(graphMessage("m1", tc.parentID), testFolderOf)
		if d.Folder != tc.want {
			t.Errorf("folder for parent %q = %q, want %q", tc.parentID, d.Folder, tc.want)
		}
	}

	// No parent folder at all: never claim INBOX.
	d := normalize(models.NewMessage(), testFolderOf)
	if d.Folder != "ARCHIVE" {
		t.Errorf("folder without parent = %q, want ARCHIVE", d.Folder)
	}
}

func TestNormalizeSentCopyIsNotInbound(t *testing.T) {
	// The copy Graph stores in Sent Items after a sendMail shows up in
	// the /me/messages listing; it must land in the mirror as SENT.
	m := graphMessage("sent-copy-1", "folder-sent")
	m.SetSubject(strPtr("Re: quarterly report"))

	d := normalize(m, testFolderOf)
	if d.Folder != "SENT" {
		t.Fatalf("sent copy folder = %q, want SENT", d.Folder)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	d := normalize(graphMessage("m1", "folder-inbox"), testFolderOf)

	if d.Subject != "(No Subject)" {
		t.Errorf("subject = %q, want default", d.Subject)
	}
	if d.Sender != "Unknown" {
		t.Errorf("sender = %q, want default", d.Sender)
	}
	if !d.ReceivedAt.IsZero() {
		t.Errorf("received_at = %v, want zero for caller to substitute", d.ReceivedAt)
	}
	if d.Read || d.Starred {
		t.Errorf("flags = read %v starred %v, want unset", d.Read, d.Starred)
	}
}

func TestNormalizeFields(t *testing.T) {
	m := graphMessage("m1", "folder-inbox")
	m.SetConversationId(strPtr("conv-9"))
	m.SetSubject(strPtr("Quarterly report"))
	m.SetBodyPreview(strPtr("numbers attached"))

	addr := models.NewEmailAddress()
	addr.SetAddress(strPtr("alice@example.com"))
	from := models.NewRecipient()
	from.SetEmailAddress(addr)
	m.SetFrom(from)

	body := models.NewItemBody()
	body.SetContent(strPtr("full text body"))
	m.SetBody(body)

	read := true
	m.SetIsRead(&read)

	status := models.FLAGGED_FOLLOWUPFLAGSTATUS
	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(&status)
	m.SetFlag(flag)

	received := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	m.SetReceivedDateTime(&received)

	d := normalize(m, testFolderOf)
	if d.ID != "m1" || d.ThreadID != "conv-9" {
		t.Errorf("ids = (%q, %q)", d.ID, d.ThreadID)
	}
	if d.Subject != "Quarterly report" || d.Sender != "alice@example.com" {
		t.Errorf("headers = (%q, %q)", d.Subject, d.Sender)
	}
	if d.Snippet != "numbers attached" || d.Body != "full text body" {
		t.Errorf("content = (%q, %q)", d.Snippet, d.Body)
	}
	if !d.Read || !d.Starred {
		t.Errorf("flags = read %v starred %v, want both set", d.Read, d.Starred)
	}
	if !d.ReceivedAt.Equal(received) {
		t.Errorf("received_at = %v, want %v", d.ReceivedAt, received)
	}
}

func graphError(status int) error {
	oe := odataerrors.NewODataError()
	oe.ResponseStatusCode = status
	return oe
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
		sentinel  error
	}{
		{"rate limited", graphError(429), true, false, mail.ErrRateLimited},
		{"server error", graphError(503), true, false, nil},
		{"unauthorized", graphError(401), false, true, mail.ErrTokenRevoked},
		{"forbidden", graphError(403), false, true, mail.ErrTokenRevoked},
		{"bad request", graphError(400), false, true, nil},
		{"network", errors.New("connection reset"), true, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("get", tc.err)
			if mail.IsRetryable(got) != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v", mail.IsRetryable(got), tc.retryable)
			}
			if mail.IsFatal(got) != tc.fatal {
				t.Errorf("IsFatal = %v, want %v", mail.IsFatal(got), tc.fatal)
			}
			if tc.sentinel != nil && !errors.Is(got, tc.sentinel) {
				t.Errorf("err = %v, want wrapping %v", got, tc.sentinel)
			}
		})
	}
}

func TestClassifyPassesThroughContextErrors(t *testing.T) {
	got := classify("get", context.Canceled)
	if !errors.Is(got, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled unchanged", got)
	}
	if mail.IsRetryable(got) || mail.IsFatal(got) {
		t.Error("cancellation was classified, want passed through")
	}
}

type fakeTokens struct {
	access string
	err    error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, principalID string) (string, error) {
	return f.access, f.err
}

func TestManagedTokenCredential(t *testing.T) {
	cred := &managedTokenCredential{tokens: &fakeTokens{access: "tok-1"}, principalID: "p1"}

	tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Token != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok.Token)
	}

	cred = &managedTokenCredential{tokens: &fakeTokens{err: mail.ErrNeedsReauth}, principalID: "p1"}
	if _, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{}); !errors.Is(err, mail.ErrNeedsReauth) {
		t.Errorf("err = %v, want ErrNeedsReauth surfaced to the transport", err)
	}
}

var _ provider.Mailbox = (*Adapter)(nil)
