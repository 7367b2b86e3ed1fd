// Package oauth2 implements Token Bootstrap (C3): refreshing an
// account's OAuth2 access token before it is handed to the Session Pool.
// The interactive consent flow and client secret provisioning remain an
// external collaborator; this package only drives the refresh_token
// grant against the provider's token endpoint.
package oauth2

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/orbitmail/core/internal/account"
	"github.com/orbitmail/core/internal/logging"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultExpiry is substituted when the token endpoint omits expires_in.
const DefaultExpiry = 3600 * time.Second

// ClientCredentials holds the client id/secret read from the
// environment (GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET). Provisioning
// these values is out of scope; this type only resolves them once.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// LoadClientCredentials reads client id/secret from the environment.
func LoadClientCredentials() ClientCredentials {
	return ClientCredentials{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
	}
}

// Bootstrapper refreshes expiring account tokens and persists the
// result.
type Bootstrapper struct {
	creds ClientCredentials
	store *account.Store
}

// NewBootstrapper constructs a Bootstrapper over the given account
// store.
func NewBootstrapper(creds ClientCredentials, store *account.Store) *Bootstrapper {
	return &Bootstrapper{creds: creds, store: store}
}

// Result mirrors the bootstrap() contract: the resolved account (stale
// or freshly refreshed) plus a flag telling the caller whether the
// access token is still unusable.
type Result struct {
	Account      *account.Account
	NeedsRefresh bool
}

// Bootstrap resolves the active account and, if its token is expired
// (ExpiresAt <= now) and a refresh token is present, exchanges it for a
// fresh access token. Failures are non-fatal: the stale account is
// returned with NeedsRefresh set so the caller can surface the
// condition instead of aborting.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Result, error) {
	log := logging.WithComponent("oauth2")

	acct, err := b.store.GetActive()
	if err != nil {
		return nil, fmt.Errorf("resolve active account: %w", err)
	}
	if acct == nil {
		return &Result{Account: nil, NeedsRefresh: true}, nil
	}

	now := time.Now().Unix()
	if acct.ExpiresAt > now || acct.RefreshToken == "" {
		return &Result{
			Account:      acct,
			NeedsRefresh: acct.AccessToken == "" || acct.ExpiresAt <= now,
		}, nil
	}

	refreshed, err := b.refresh(ctx, acct.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Str("email", acct.Email).Msg("token refresh failed, returning stale token")
		return &Result{
			Account:      acct,
			NeedsRefresh: acct.AccessToken == "" || acct.ExpiresAt <= now,
		}, nil
	}

	expiresAt := time.Now().Add(refreshed.expiresIn).Unix()
	if err := b.store.UpdateTokens(acct.Email, refreshed.accessToken, expiresAt); err != nil {
		log.Warn().Err(err).Str("email", acct.Email).Msg("failed to persist refreshed token")
	}

	acct.AccessToken = refreshed.accessToken
	acct.ExpiresAt = expiresAt

	return &Result{
		Account:      acct,
		NeedsRefresh: acct.AccessToken == "",
	}, nil
}

type refreshedToken struct {
	accessToken string
	expiresIn   time.Duration
}

// refresh exchanges refreshToken for a new access token via
// POST https://oauth2.googleapis.com/token, form-encoded
// (client_id, client_secret, refresh_token, grant_type=refresh_token).
func (b *Bootstrapper) refresh(ctx context.Context, refreshToken string) (*refreshedToken, error) {
	cfg := &xoauth2.Config{
		ClientID:     b.creds.ClientID,
		ClientSecret: b.creds.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	src := cfg.TokenSource(ctx, &xoauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}

	expiresIn := DefaultExpiry
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			expiresIn = d
		}
	}

	return &refreshedToken{accessToken: tok.AccessToken, expiresIn: expiresIn}, nil
}
