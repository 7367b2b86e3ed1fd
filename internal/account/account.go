// Package account persists the single Account entity consumed by every
// IMAP operation: email plus OAuth2 tokens. Credential provisioning and
// the interactive OAuth consent flow remain an external collaborator
// (per spec, the UI process owns login); this package only stores and
// refreshes the tokens it is handed.
package account

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orbitmail/core/internal/database"
)

// Account is the IMAP identity: email plus bearer credentials.
type Account struct {
	ID           string
	Email        string
	IMAPHost     string
	IMAPPort     int
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix seconds
}

// ExpiringSoon reports whether the access token is already expired (or
// will expire within skew) as of now.
func (a *Account) ExpiringSoon(skew time.Duration) bool {
	return time.Unix(a.ExpiresAt, 0).Before(time.Now().Add(skew))
}

// Store persists Account rows.
type Store struct {
	db *database.DB
}

// NewStore wraps an open database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the account row for a.Email, or, when one exists,
// updates its host, port, and tokens; the existing row keeps its id.
func (s *Store) Upsert(a *Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, email, imap_host, imap_port, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at
	`, a.ID, a.Email, a.IMAPHost, a.IMAPPort, a.AccessToken, a.RefreshToken, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetActive returns the single active account. With no multi-account
// selection UI in scope, this is simply the most recently created row.
func (s *Store) GetActive() (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, email, imap_host, imap_port, access_token, refresh_token, expires_at
		FROM accounts ORDER BY created_at DESC LIMIT 1
	`)
	a := &Account{}
	err := row.Scan(&a.ID, &a.Email, &a.IMAPHost, &a.IMAPPort, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active account: %w", err)
	}
	return a, nil
}

// List returns every stored account.
func (s *Store) List() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT id, email, imap_host, imap_port, access_token, refresh_token, expires_at
		FROM accounts ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a := &Account{}
		if err := rows.Scan(&a.ID, &a.Email, &a.IMAPHost, &a.IMAPPort, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateTokens persists a refreshed access token and expiry.
func (s *Store) UpdateTokens(email, accessToken string, expiresAt int64) error {
	_, err := s.db.Exec("UPDATE accounts SET access_token = ?, expires_at = ? WHERE email = ?", accessToken, expiresAt, email)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// Delete removes an account by id.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
