package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/metrics"
)

// CredentialRepo is the persistence the manager needs. CompareAndSwap
// is what keeps the single-flight guarantee intact when more than one
// process serves the same principal.
type CredentialRepo interface {
	GetCredential(ctx context.Context, principalID string) (*mail.Credential, error)
	CompareAndSwapCredential(ctx context.Context, principalID string, expectedVersion int64, cred *mail.Credential) (bool, error)
}

// Manager owns the credential lifecycle for all principals. It hands
// out currently-valid access tokens, refreshing at most once per
// principal per expiry window, and demotes credentials whose refresh
// grant is rejected.
type Manager struct {
	repo  CredentialRepo
	oauth *oauth2.Config
	log   *zap.Logger

	skew           time.Duration
	refreshTimeout time.Duration
	waitInterval   time.Duration

	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a token manager. oauthCfg carries the provider's
// token endpoint and client credentials; the manager never talks to
// any other endpoint.
func NewManager(repo CredentialRepo, oauthCfg *oauth2.Config, log *zap.Logger) *Manager {
	return &Manager{
		repo:           repo,
		oauth:          oauthCfg,
		log:            log,
		skew:           300 * time.Second,
		refreshTimeout: 30 * time.Second,
		waitInterval:   100 * time.Millisecond,
		now:            time.Now,
	}
}

// GetValidToken returns an access token that is valid for at least the
// skew window. A stale credential triggers exactly one refresh no
// matter how many callers arrive concurrently; all of them observe the
// same outcome. Returns mail.ErrNeedsReauth when only a fresh
// user-driven grant can recover the credential.
func (m *Manager) GetValidToken(ctx context.Context, principalID string) (string, error) {
	access, _, err := m.validToken(ctx, principalID)
	return access, err
}

// Source returns an oauth2.TokenSource for one principal. Provider SDK
// clients built on it share the same refresh flight as every other
// caller, so a send never races a sync into a second refresh.
func (m *Manager) Source(ctx context.Context, principalID string) oauth2.TokenSource {
	return &principalSource{ctx: ctx, m: m, principalID: principalID}
}

func (m *Manager) validToken(ctx context.Context, principalID string) (string, time.Time, error) {
	cred, err := m.repo.GetCredential(ctx, principalID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return "", time.Time{}, mail.ErrNeedsReauth
		}
		return "", time.Time{}, fmt.Errorf("load credential: %w", err)
	}

	if cred.Status == mail.StatusNeedsReauth {
		return "", time.Time{}, mail.ErrNeedsReauth
	}
	if cred.Status == mail.StatusActive && cred.Fresh(m.now(), m.skew) {
		return cred.AccessToken, cred.Expiry, nil
	}

	// Collapse concurrent refreshes for this principal into one flight.
	v, err, _ := m.group.Do(principalID, func() (interface{}, error) {
		return m.refresh(principalID)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	refreshed := v.(*mail.Credential)
	return refreshed.AccessToken, refreshed.Expiry, nil
}

// refresh runs as the single flight for a principal. It detaches from
// any one caller's context: waiters other than the first would
// otherwise be failed by a cancellation that isn't theirs.
func (m *Manager) refresh(principalID string) (*mail.Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	for {
		cred, err := m.repo.GetCredential(ctx, principalID)
		if err != nil {
			if errors.Is(err, mail.ErrNotFound) {
				return nil, mail.ErrNeedsReauth
			}
			return nil, fmt.Errorf("load credential: %w", err)
		}

		switch cred.Status {
		case mail.StatusNeedsReauth:
			return nil, mail.ErrNeedsReauth

		case mail.StatusActive:
			if cred.Fresh(m.now(), m.skew) {
				// Another process finished the refresh while we
				// were queueing.
				return cred, nil
			}
			claimed := *cred
			claimed.Status = mail.StatusRefreshing
			ok, err := m.repo.CompareAndSwapCredential(ctx, principalID, cred.Version, &claimed)
			if err != nil {
				return nil, fmt.Errorf("claim refresh: %w", err)
			}
			if !ok {
				continue // lost the claim race, re-read
			}
			claimed.Version = cred.Version + 1
			return m.doRefresh(ctx, &claimed)

		case mail.StatusRefreshing:
			// A peer process holds the refresh. Take over only if the
			// claim looks abandoned, otherwise wait for the outcome.
			if m.now().Sub(cred.UpdatedAt) > m.refreshTimeout {
				claimed := *cred
				ok, err := m.repo.CompareAndSwapCredential(ctx, principalID, cred.Version, &claimed)
				if err != nil {
					return nil, fmt.Errorf("claim refresh: %w", err)
				}
				if !ok {
					continue
				}
				claimed.Version = cred.Version + 1
				return m.doRefresh(ctx, &claimed)
			}
			select {
			case <-ctx.Done():
				return nil, mail.Retryable(fmt.Errorf("refresh held by peer: %w", ctx.Err()))
			case <-time.After(m.waitInterval):
			}

		default:
			return nil, fmt.Errorf("credential in unknown status %q", cred.Status)
		}
	}
}

// doRefresh performs the actual grant while holding the REFRESHING
// claim at claimed.Version.
func (m *Manager) doRefresh(ctx context.Context, claimed *mail.Credential) (*mail.Credential, error) {
	if claimed.RefreshToken == "" {
		// The provider withheld the refresh token on re-consent;
		// there is nothing to renew with.
		m.demote(ctx, claimed)
		metrics.TokenRefreshes.WithLabelValues("needs_reauth").Inc()
		return nil, mail.ErrNeedsReauth
	}

	src := m.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: claimed.RefreshToken,
		Expiry:       time.Unix(1, 0), // already expired, forces the grant
	})
	tok, err := src.Token()
	if err != nil {
		if permanentRefreshError(err) {
			m.log.Warn("refresh grant rejected, demoting credential",
				zap.String("principal_id", claimed.PrincipalID), zap.Error(err))
			m.demote(ctx, claimed)
			metrics.TokenRefreshes.WithLabelValues("needs_reauth").Inc()
			return nil, mail.ErrNeedsReauth
		}
		// Transient failure: release the claim with the credential as
		// we found it so a later call may retry.
		released := *claimed
		released.Status = mail.StatusActive
		if _, casErr := m.repo.CompareAndSwapCredential(ctx, claimed.PrincipalID, claimed.Version, &released); casErr != nil {
			m.log.Error("failed to release refresh claim",
				zap.String("principal_id", claimed.PrincipalID), zap.Error(casErr))
		}
		metrics.TokenRefreshes.WithLabelValues("transient").Inc()
		return nil, mail.Retryable(fmt.Errorf("token refresh: %w", err))
	}

	updated := *claimed
	updated.Status = mail.StatusActive
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.Expiry = tok.Expiry.UTC()

	ok, err := m.repo.CompareAndSwapCredential(ctx, claimed.PrincipalID, claimed.Version, &updated)
	if err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}
	if !ok {
		// Someone treated our claim as abandoned and took it over.
		// Never hand out a token the store did not record.
		return nil, mail.Retryable(errors.New("refresh claim lost"))
	}
	updated.Version = claimed.Version + 1

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	m.log.Info("credential refreshed",
		zap.String("principal_id", claimed.PrincipalID),
		zap.Time("expiry", updated.Expiry))
	return &updated, nil
}

func (m *Manager) demote(ctx context.Context, claimed *mail.Credential) {
	demoted := *claimed
	demoted.Status = mail.StatusNeedsReauth
	ok, err := m.repo.CompareAndSwapCredential(ctx, claimed.PrincipalID, claimed.Version, &demoted)
	if err != nil || !ok {
		m.log.Error("failed to demote credential",
			zap.String("principal_id", claimed.PrincipalID),
			zap.Bool("swapped", ok), zap.Error(err))
	}
}

// permanentRefreshError reports whether a refresh failure means the
// grant itself is dead (demote) as opposed to a blip (retry later).
func permanentRefreshError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false // network-level failure
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return false
		}
		return code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}

type principalSource struct {
	ctx         context.Context
	m           *Manager
	principalID string
}

func (s *principalSource) Token() (*oauth2.Token, error) {
	access, expiry, err := s.m.validToken(s.ctx, s.principalID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: expiry}, nil
}
