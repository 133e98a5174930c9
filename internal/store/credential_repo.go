package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailmirror/mailmirror/internal/mail"
)

// GetCredential loads the credential for a principal.
// Returns mail.ErrNotFound when no grant has ever been stored.
func (s *Store) GetCredential(ctx context.Context, principalID string) (*mail.Credential, error) {
	cred := &mail.Credential{PrincipalID: principalID}
	var expiry, updatedAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry, status, version, updated_at
		FROM credentials WHERE principal_id = ?
	`, principalID).Scan(&cred.AccessToken, &cred.RefreshToken, &expiry, &cred.Status, &cred.Version, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, mail.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	cred.Expiry = time.Unix(expiry, 0).UTC()
	cred.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return cred, nil
}

// SaveCredential unconditionally replaces the stored credential. Used
// by the authorization callback, which always persists both tokens and
// the expiry as soon as the grant completes.
func (s *Store) SaveCredential(ctx context.Context, cred *mail.Credential) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (principal_id, access_token, refresh_token, expiry, status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			status = excluded.status,
			version = credentials.version + 1,
			updated_at = excluded.updated_at
	`, cred.PrincipalID, cred.AccessToken, cred.RefreshToken, cred.Expiry.Unix(), cred.Status, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// CompareAndSwapCredential replaces the credential only if the stored
// version still equals expectedVersion. Reports false when another
// writer got there first. The token manager's single-flight guarantee
// rests on this in multi-process deployments.
func (s *Store) CompareAndSwapCredential(ctx context.Context, principalID string, expectedVersion int64, cred *mail.Credential) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET
			access_token = ?,
			refresh_token = ?,
			expiry = ?,
			status = ?,
			version = version + 1,
			updated_at = ?
		WHERE principal_id = ? AND version = ?
	`, cred.AccessToken, cred.RefreshToken, cred.Expiry.Unix(), cred.Status, time.Now().Unix(), principalID, expectedVersion)

	if err != nil {
		return false, fmt.Errorf("failed to swap credential: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
