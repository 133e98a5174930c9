package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/provider"
)

type fakeTokens struct {
	err error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, principalID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "access-token", nil
}

// fakeMailbox serves pre-built pages. Cursors are "page-1", "page-2",
// matching what the page order produces.
type fakeMailbox struct {
	pages      [][]string
	fetchErrs  map[string]error
	listErr    error
	fetchCalls int
}

func (f *fakeMailbox) ListMessageIDs(ctx context.Context, pageCursor string, pageSize int64) (*provider.Page, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	idx := 0
	if pageCursor != "" {
		fmt.Sscanf(pageCursor, "page-%d", &idx)
	}
	if idx >= len(f.pages) {
		return &provider.Page{}, nil
	}
	next := ""
	if idx+1 < len(f.pages) {
		next = fmt.Sprintf("page-%d", idx+1)
	}
	return &provider.Page{IDs: f.pages[idx], NextCursor: next}, nil
}

func (f *fakeMailbox) FetchMessage(ctx context.Context, id string) (*provider.MessageDetail, error) {
	f.fetchCalls++
	if err, ok := f.fetchErrs[id]; ok {
		return nil, err
	}
	return &provider.MessageDetail{
		ID:         id,
		ThreadID:   "thread-" + id,
		Subject:    "subject " + id,
		Sender:     "someone@example.com",
		Body:       "body " + id,
		Folder:     "INBOX",
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeMailbox) SendMessage(ctx context.Context, to, subject, body string) (*provider.SendResult, error) {
	return &provider.SendResult{ProviderID: "sent-1"}, nil
}

// memRepo is an in-memory MessageRepo with the store's dedup semantics.
type memRepo struct {
	messages map[string]*mail.Message
	cursor   *mail.Cursor
}

func newMemRepo() *memRepo {
	return &memRepo{messages: make(map[string]*mail.Message)}
}

func (r *memRepo) ExistsByProviderID(ctx context.Context, principalID, providerID string) (bool, error) {
	_, ok := r.messages[principalID+"/"+providerID]
	return ok, nil
}

func (r *memRepo) UpsertMessage(ctx context.Context, msg *mail.Message) (bool, error) {
	key := msg.PrincipalID + "/" + msg.ProviderID
	_, existed := r.messages[key]
	r.messages[key] = msg
	return !existed, nil
}

func (r *memRepo) GetCursor(ctx context.Context, principalID string) (*mail.Cursor, error) {
	if r.cursor == nil {
		return nil, mail.ErrNotFound
	}
	return r.cursor, nil
}

func (r *memRepo) SetCursor(ctx context.Context, principalID string, cursor mail.Cursor) error {
	r.cursor = &cursor
	return nil
}

func newTestEngine(box *fakeMailbox, repo *memRepo, tokens *fakeTokens) *Engine {
	factory := func(ctx context.Context, principalID string) (provider.Mailbox, error) {
		return box, nil
	}
	return NewEngine(tokens, factory, repo, provider.Google, 100, zap.NewNop())
}

func TestSyncIngestsAcrossPages(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{"m1", "m2"}, {"m3", "m4"}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if rep.Fetched != 4 || rep.Ingested != 4 {
		t.Errorf("report = %+v, want 4 fetched, 4 ingested", rep)
	}
	if len(rep.Errors) != 0 || rep.NeedsReauth {
		t.Errorf("report = %+v, want clean run", rep)
	}
	if repo.cursor == nil || repo.cursor.Value != "m4" {
		t.Errorf("cursor = %+v, want m4", repo.cursor)
	}
	if got := repo.messages["p1/m3"]; got == nil || got.Subject != "subject m3" {
		t.Errorf("mirrored m3 = %+v", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{"m1", "m2", "m3"}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	if _, err := e.SyncPrincipal(context.Background(), "p1", 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	box.fetchCalls = 0

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Fetched != 0 || rep.Ingested != 0 {
		t.Errorf("second run report = %+v, want nothing fetched", rep)
	}
	if box.fetchCalls != 0 {
		t.Errorf("fetch calls on second run = %d, want 0", box.fetchCalls)
	}
	if len(repo.messages) != 3 {
		t.Errorf("mirrored count = %d, want 3", len(repo.messages))
	}
}

func TestMaxMessagesBoundsFetchAttempts(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{"m1", "m2"}, {"m3", "m4"}, {"m5", "m6"}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 4)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if rep.Fetched != 4 {
		t.Errorf("fetched = %d, want exactly 4", rep.Fetched)
	}
	if box.fetchCalls != 4 {
		t.Errorf("fetch calls = %d, want 4", box.fetchCalls)
	}
	if repo.cursor == nil || repo.cursor.Value != "m4" {
		t.Errorf("cursor = %+v, want m4 (last persisted)", repo.cursor)
	}
}

func TestFailedFetchStillCountsTowardMaxMessages(t *testing.T) {
	box := &fakeMailbox{
		pages:     [][]string{{"m1", "m2", "m3"}},
		fetchErrs: map[string]error{"m1": errors.New("truncated response")},
	}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 2)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if rep.Fetched != 2 {
		t.Errorf("fetched = %d, want 2 (failed attempt counts)", rep.Fetched)
	}
	if rep.Ingested != 1 {
		t.Errorf("ingested = %d, want 1", rep.Ingested)
	}
	if len(rep.Errors) != 1 || !strings.Contains(rep.Errors[0], "m1") {
		t.Errorf("errors = %v, want one entry for m1", rep.Errors)
	}
}

func TestPerMessageFailureDoesNotAbortRun(t *testing.T) {
	box := &fakeMailbox{
		pages:     [][]string{{"m1", "m2", "m3"}},
		fetchErrs: map[string]error{"m2": errors.New("malformed payload")},
	}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if rep.Ingested != 2 {
		t.Errorf("ingested = %d, want 2", rep.Ingested)
	}
	if len(rep.Errors) != 1 {
		t.Errorf("errors = %v, want one skipped message", rep.Errors)
	}
	if repo.cursor == nil || repo.cursor.Value != "m3" {
		t.Errorf("cursor = %+v, want m3", repo.cursor)
	}
}

func TestRateLimitAbortsRemainingRun(t *testing.T) {
	box := &fakeMailbox{
		pages:     [][]string{{"m1", "m2", "m3"}},
		fetchErrs: map[string]error{"m2": mail.Retryable(fmt.Errorf("list: %w", mail.ErrRateLimited))},
	}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err == nil {
		t.Fatal("expected the rate limit to surface")
	}
	if !errors.Is(err, mail.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if rep.Ingested != 1 {
		t.Errorf("ingested = %d, want 1 (m1 persisted before abort)", rep.Ingested)
	}
	// The cursor must still cover the durably persisted prefix.
	if repo.cursor == nil || repo.cursor.Value != "m1" {
		t.Errorf("cursor = %+v, want m1", repo.cursor)
	}
	if _, ok := repo.messages["p1/m3"]; ok {
		t.Error("m3 was ingested after the abort")
	}
}

func TestRevokedTokenAbortsRun(t *testing.T) {
	box := &fakeMailbox{
		pages:     [][]string{{"m1", "m2"}},
		fetchErrs: map[string]error{"m1": mail.Fatal(fmt.Errorf("fetch: %w", mail.ErrTokenRevoked))},
	}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if !errors.Is(err, mail.ErrTokenRevoked) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
	if rep.Ingested != 0 {
		t.Errorf("ingested = %d, want 0", rep.Ingested)
	}
}

func TestNeedsReauthShortCircuits(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{"m1"}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{err: mail.ErrNeedsReauth})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if !rep.NeedsReauth {
		t.Error("report.NeedsReauth = false, want true")
	}
	if rep.Fetched != 0 || rep.Ingested != 0 || len(rep.Errors) != 0 {
		t.Errorf("report = %+v, want empty counters", rep)
	}
	if box.fetchCalls != 0 {
		t.Errorf("fetch calls = %d, want 0", box.fetchCalls)
	}
}

func TestEmptyMailbox(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	rep, err := e.SyncPrincipal(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	if rep.Fetched != 0 || rep.Ingested != 0 {
		t.Errorf("report = %+v, want empty run", rep)
	}
	if repo.cursor != nil {
		t.Errorf("cursor = %+v, want untouched", repo.cursor)
	}
}

func TestCancellationStopsBetweenFetches(t *testing.T) {
	box := &fakeMailbox{pages: [][]string{{"m1", "m2", "m3"}}}
	repo := newMemRepo()
	e := newTestEngine(box, repo, &fakeTokens{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SyncPrincipal(ctx, "p1", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(repo.messages) != 0 {
		t.Errorf("mirrored count = %d, want 0", len(repo.messages))
	}
}

func TestZeroReceivedAtFallsBackToIngestionTime(t *testing.T) {
	box := &fakeMailboxNoDate{fakeMailbox: &fakeMailbox{pages: [][]string{{"m1"}}}}
	repo := newMemRepo()
	factory := func(ctx context.Context, principalID string) (provider.Mailbox, error) {
		return box, nil
	}
	e := NewEngine(&fakeTokens{}, factory, repo, provider.Google, 100, zap.NewNop())

	before := time.Now().UTC()
	if _, err := e.SyncPrincipal(context.Background(), "p1", 0); err != nil {
		t.Fatalf("SyncPrincipal: %v", err)
	}
	after := time.Now().UTC()

	got := repo.messages["p1/m1"]
	if got == nil {
		t.Fatal("m1 not mirrored")
	}
	if got.ReceivedAt.Before(before) || got.ReceivedAt.After(after) {
		t.Errorf("received_at = %v, want ingestion-time fallback in [%v, %v]", got.ReceivedAt, before, after)
	}
}

type fakeMailboxNoDate struct {
	*fakeMailbox
}

func (f *fakeMailboxNoDate) FetchMessage(ctx context.Context, id string) (*provider.MessageDetail, error) {
	d, err := f.fakeMailbox.FetchMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	d.ReceivedAt = time.Time{}
	return d, nil
}
