// Package service is the composition root: it binds the database,
// account store, message store, OAuth2 bootstrapper, IMAP session pool,
// body cache, prefetch queue, sync engine, IDLE coordinator, and poll
// loop behind the command surface a UI process would call into, plus
// the mail:updated event channel.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/orbitmail/core/internal/account"
	"github.com/orbitmail/core/internal/bodycache"
	"github.com/orbitmail/core/internal/config"
	"github.com/orbitmail/core/internal/database"
	imapPkg "github.com/orbitmail/core/internal/imap"
	"github.com/orbitmail/core/internal/idle"
	"github.com/orbitmail/core/internal/logging"
	"github.com/orbitmail/core/internal/message"
	"github.com/orbitmail/core/internal/oauth2"
	"github.com/orbitmail/core/internal/poll"
	"github.com/orbitmail/core/internal/prefetch"
	"github.com/orbitmail/core/internal/sync"
	"github.com/rs/zerolog"
)

// UserProfile is the account identity surfaced to a caller.
type UserProfile struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
}

// BootstrapResult mirrors bootstrap_accounts's { user, needs_refresh }
// result shape.
type BootstrapResult struct {
	User         *UserProfile `json:"user"`
	NeedsRefresh bool         `json:"needs_refresh"`
}

// Service is the single injected context object every command hangs
// off, with no UI binding of its own.
type Service struct {
	cfg *config.Config
	db  *database.DB

	accounts *account.Store
	messages *message.Store
	oauth    *oauth2.Bootstrapper

	pool       *imapPkg.Pool
	cache      *bodycache.Cache
	sem        *sync.FetchSemaphore
	bodyFetch  *sync.BodyFetcher
	engine     *sync.Engine
	prefetchQ  *prefetch.Queue
	idleC      *idle.Coordinator
	pollLoop   *poll.Loop

	updates chan struct{}

	log zerolog.Logger
}

// New wires every component for a single account and returns a ready
// Service. The account is resolved from the store (if any) at each
// pool credential callback, so logging in later does not require a
// restart.
func New(cfg *config.Config) (*Service, error) {
	db, err := database.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.TuneForConcurrency(cfg.PrefetchConcurrency)

	accounts := account.NewStore(db)
	messages := message.NewStore(db)
	if err := messages.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init message store: %w", err)
	}

	bootstrapper := oauth2.NewBootstrapper(oauth2.LoadClientCredentials(), accounts)

	s := &Service{
		cfg:      cfg,
		db:       db,
		accounts: accounts,
		messages: messages,
		oauth:    bootstrapper,
		updates:  make(chan struct{}, 1),
		log:      logging.WithComponent("service"),
	}

	s.pool = imapPkg.NewPool(s.resolveCredentials)

	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		db.Close()
		return nil, fmt.Errorf("create asset cache dir: %w", err)
	}
	assetRoot := filepath.Join(cfg.CacheDir, fmt.Sprintf("session_%d_%d", time.Now().Unix(), os.Getpid()))
	if err := os.MkdirAll(assetRoot, 0700); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session asset dir: %w", err)
	}

	s.cache = bodycache.New(cfg.BodyCacheCapacity)
	s.sem = sync.NewFetchSemaphore(cfg.PrefetchConcurrency)
	s.bodyFetch = sync.NewBodyFetcher(s.pool, messages, s.cache, assetRoot, s.sem)

	s.prefetchQ = prefetch.New(context.Background(), prefetchFetcherAdapter{bf: s.bodyFetch, messages: messages}, s.sem)
	s.engine = sync.NewEngine(s.pool, messages, s.prefetchQ, s.notifyUpdated)

	listener := imapPkg.NewIdleListener(s.resolveCredentials, cfg.IdleBaseBackoff, cfg.IdleMaxBackoff)
	s.idleC = idle.New(listener, s.engine)
	s.pollLoop = poll.New(s.engine)

	return s, nil
}

// Run starts the IDLE coordinator, the poll loop, and the WAL
// checkpoint routine, blocking until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.db.StartCheckpointRoutine(ctx, s.cfg.DBCheckpointInterval)
	go s.idleC.Run(ctx)
	s.pollLoop.Run(ctx)
}

// Close force-closes every IMAP session and the database.
func (s *Service) Close() {
	s.pool.CloseAll()
	s.db.Close()
}

// Updates exposes the mail:updated event: a signal-only channel (no
// payload), receiving one value whenever a sync persists at least one
// new message. Sends are non-blocking: a caller that has not drained a
// prior signal simply observes one coalesced notification.
func (s *Service) Updates() <-chan struct{} {
	return s.updates
}

func (s *Service) notifyUpdated(count int) {
	if count <= 0 {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// resolveCredentials is the Session Pool's CredentialSource: it
// bootstraps (refreshing if needed) the active account on every call,
// so a token refreshed mid-session is picked up by the next session the
// pool has to reconnect.
func (s *Service) resolveCredentials() (host string, port int, username, accessToken string, err error) {
	result, err := s.oauth.Bootstrap(context.Background())
	if err != nil {
		return "", 0, "", "", fmt.Errorf("bootstrap account: %w", err)
	}
	if result.Account == nil {
		return "", 0, "", "", fmt.Errorf("no active account")
	}
	a := result.Account
	return a.IMAPHost, a.IMAPPort, a.Email, a.AccessToken, nil
}

// LoginGoogle persists an account from already-obtained OAuth2 values.
// The interactive consent flow and client-secret provisioning are an
// external collaborator; this only stores the result.
func (s *Service) LoginGoogle(email, refreshToken, accessToken string, expiresAt int64) (*UserProfile, error) {
	a := &account.Account{
		ID:           uuid.NewString(),
		Email:        email,
		IMAPHost:     "imap.gmail.com",
		IMAPPort:     993,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
	if err := s.accounts.Upsert(a); err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return &UserProfile{AccountID: a.ID, Email: a.Email}, nil
}

// GetCurrentUser returns the active account, or nil if none is stored.
func (s *Service) GetCurrentUser() (*UserProfile, error) {
	a, err := s.accounts.GetActive()
	if err != nil {
		return nil, fmt.Errorf("get active account: %w", err)
	}
	if a == nil {
		return nil, nil
	}
	return &UserProfile{AccountID: a.ID, Email: a.Email}, nil
}

// ListAccounts returns every stored account.
func (s *Service) ListAccounts() ([]*UserProfile, error) {
	accts, err := s.accounts.List()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*UserProfile, len(accts))
	for i, a := range accts {
		out[i] = &UserProfile{AccountID: a.ID, Email: a.Email}
	}
	return out, nil
}

// LogoutUser removes one account's stored credentials.
func (s *Service) LogoutUser(accountID string) error {
	if err := s.accounts.Delete(accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// BootstrapAccounts resolves (and refreshes, if needed) the active
// account at startup, per bootstrap_accounts.
func (s *Service) BootstrapAccounts(ctx context.Context) (*BootstrapResult, error) {
	result, err := s.oauth.Bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if result.Account == nil {
		return &BootstrapResult{User: nil, NeedsRefresh: result.NeedsRefresh}, nil
	}
	return &BootstrapResult{
		User:         &UserProfile{AccountID: result.Account.ID, Email: result.Account.Email},
		NeedsRefresh: result.NeedsRefresh,
	}, nil
}

// GetMailboxes is a thin LIST pass-through; no folder beyond INBOX is
// mirrored locally, so nothing here is cached.
func (s *Service) GetMailboxes() ([]*imapPkg.Mailbox, error) {
	var mailboxes []*imapPkg.Mailbox
	err := s.pool.Run(imapPkg.Primary, func(client *imapPkg.Client) error {
		mb, err := client.ListMailboxes()
		if err != nil {
			return err
		}
		mailboxes = mb
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get mailboxes: %w", err)
	}
	return mailboxes, nil
}

// getInboxTimeout bounds how long get_inbox_messages waits for a sync
// before falling back to the cached mirror.
const getInboxTimeout = 30 * time.Second

// GetInboxMessages runs sync_inbox under a 30-second timeout and then
// returns the full local mirror, newest first.
func (s *Service) GetInboxMessages(ctx context.Context) ([]*message.Header, error) {
	syncCtx, cancel := context.WithTimeout(ctx, getInboxTimeout)
	defer cancel()

	if _, err := s.engine.SyncInbox(syncCtx); err != nil {
		s.log.Warn().Err(err).Msg("get_inbox_messages: sync failed, returning cached mirror")
	}

	return s.messages.LoadMessagesPage(sync.Folder, nil, 0)
}

// cachedMessagesLimit bounds get_cached_messages.
const cachedMessagesLimit = 25

// GetCachedMessages returns up to 25 newest local headers without
// touching IMAP.
func (s *Service) GetCachedMessages() ([]*message.Header, error) {
	return s.messages.LoadMessagesPage(sync.Folder, nil, cachedMessagesLimit)
}

// SyncInbox runs sync_inbox and returns the number of newly persisted
// messages.
func (s *Service) SyncInbox(ctx context.Context) (int, error) {
	return s.engine.SyncInbox(ctx)
}

// GetMessageBody implements get_message_body.
func (s *Service) GetMessageBody(ctx context.Context, uid uint32) (string, error) {
	return s.bodyFetch.GetMessageBody(ctx, uid)
}

// maxPageLimit bounds get_messages_page to 100 rows per call.
const maxPageLimit = 100

// GetMessagesPage implements get_messages_page, clamping limit to 100.
func (s *Service) GetMessagesPage(beforeUID *uint32, limit int) ([]*message.Header, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	return s.messages.LoadMessagesPage(sync.Folder, beforeUID, limit)
}

// MarkAsRead implements mark_as_read.
func (s *Service) MarkAsRead(uid uint32) error {
	return s.engine.MarkAsRead(uid)
}

// ToggleStar implements toggle_star.
func (s *Service) ToggleStar(uid uint32, shouldStar bool) error {
	return s.engine.ToggleStar(uid, shouldStar)
}

// DeleteMessage implements delete_message.
func (s *Service) DeleteMessage(uid uint32) error {
	return s.engine.DeleteMessage(uid)
}

// prefetchFetcherAdapter satisfies prefetch.Fetcher over a BodyFetcher,
// translating its (string, error) return into prefetch's fire-and-
// forget, log-only-on-error contract.
type prefetchFetcherAdapter struct {
	bf       *sync.BodyFetcher
	messages *message.Store
}

func (a prefetchFetcherAdapter) AlreadyFetched(uid uint32) bool {
	_, ok, err := a.messages.GetMessageBody(sync.Folder, uid)
	return err == nil && ok
}

func (a prefetchFetcherAdapter) Fetch(ctx context.Context, uid uint32) {
	if _, err := a.bf.GetMessageBody(ctx, uid); err != nil {
		logging.WithComponent("prefetch-fetch").Debug().Err(err).Uint32("uid", uid).Msg("prefetch fetch failed")
	}
}
