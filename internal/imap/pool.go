package imap

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orbitmail/core/internal/logging"
	"github.com/rs/zerolog"
)

// IsConnectionError reports whether err indicates a dead or broken
// connection, warranting discard-and-recreate rather than a bare retry
// on the same session.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	connectionErrors := []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}
	return false
}

// Kind distinguishes the two session slots the Session Pool maintains
// per account: Primary carries user-visible and sync traffic; Prefetch
// carries background body fetches, so the two never block each other.
type Kind string

const (
	Primary  Kind = "primary"
	Prefetch Kind = "prefetch"
)

// IdleHealthCheckThreshold is how long a slot's session may sit idle
// before the next borrow revalidates it with NOOP+SELECT.
const IdleHealthCheckThreshold = 30 * time.Second

// CredentialSource resolves the current email/token pair for an
// account, so the pool can (re)authenticate without owning Token
// Bootstrap itself.
type CredentialSource func() (host string, port int, username, accessToken string, err error)

// Operation is the caller-supplied unit of work invoked with a live
// session. It must not hold any async lock of its own and must be safe
// to run on a goroutine that blocks on socket I/O.
type Operation func(client *Client) error

type slot struct {
	mu       sync.Mutex
	client   *Client
	lastUsed time.Time
}

// Pool is the Session Pool (C4): exactly one slot per (account, kind),
// each guarded by its own exclusive lock, each session health-checked
// before reuse and rebuilt from scratch on failure.
type Pool struct {
	getCreds CredentialSource
	log      zerolog.Logger

	mu    sync.Mutex
	slots map[Kind]*slot
}

// NewPool constructs a Pool for one account.
func NewPool(getCreds CredentialSource) *Pool {
	return &Pool{
		getCreds: getCreds,
		log:      logging.WithComponent("imap-pool"),
		slots:    map[Kind]*slot{Primary: {}, Prefetch: {}},
	}
}

func (p *Pool) slotFor(kind Kind) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[kind]
	if !ok {
		s = &slot{}
		p.slots[kind] = s
	}
	return s
}

// Run borrows the slot for kind, validating or (re)establishing its
// session, invokes op, and on failure discards the session and retries
// op exactly once against a freshly authenticated session. The second
// result, success or failure, is returned as-is.
func (p *Pool) Run(kind Kind, op Operation) error {
	s := p.slotFor(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.ensureHealthy(s); err != nil {
		return fmt.Errorf("establish session: %w", err)
	}

	err := op(s.client)
	if err == nil {
		s.lastUsed = time.Now()
		return nil
	}

	p.log.Warn().Err(err).Str("kind", string(kind)).Msg("operation failed, discarding session and retrying once")
	p.discardLocked(s)

	if err := p.ensureHealthy(s); err != nil {
		return fmt.Errorf("re-establish session after failure: %w", err)
	}

	retryErr := op(s.client)
	if retryErr != nil {
		p.log.Error().Err(retryErr).Str("kind", string(kind)).Msg("retry failed, leaving slot empty")
		p.discardLocked(s)
		return retryErr
	}

	s.lastUsed = time.Now()
	return nil
}

// ensureHealthy validates an existing session (NOOP + SELECT INBOX) when
// it has been idle past the threshold, or creates a fresh one if none
// exists or validation fails. Caller must hold s.mu.
func (p *Pool) ensureHealthy(s *slot) error {
	if s.client != nil {
		if time.Since(s.lastUsed) <= IdleHealthCheckThreshold {
			return nil
		}
		if err := s.client.Noop(); err == nil {
			if _, err := s.client.SelectMailbox(noopContext{}, "INBOX"); err == nil {
				s.lastUsed = time.Now()
				return nil
			}
		}
		p.log.Debug().Msg("idle session failed health check, discarding")
		p.discardLocked(s)
	}

	client, err := p.connect()
	if err != nil {
		return err
	}
	s.client = client
	s.lastUsed = time.Now()
	return nil
}

func (p *Pool) connect() (*Client, error) {
	host, port, username, token, err := p.getCreds()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	cfg := DefaultConfig()
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	cfg.Username = username
	cfg.AccessToken = token

	client := NewClient(cfg)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Login(); err != nil {
		client.ForceClose()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := client.SelectMailbox(noopContext{}, "INBOX"); err != nil {
		client.ForceClose()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return client, nil
}

// discardLocked force-closes and clears the slot's session. Caller must
// hold s.mu.
func (p *Pool) discardLocked(s *slot) {
	if s.client != nil {
		s.client.ForceClose()
		s.client = nil
	}
}

// CloseAll force-closes every slot's session, used at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.mu.Lock()
		p.discardLocked(s)
		s.mu.Unlock()
	}
}

// noopContext is a context.Context that is never cancelled, used for
// pool-internal selects that are already guarded by the slot lock and
// the operation's own caller-supplied context.
type noopContext struct{}

func (noopContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopContext) Done() <-chan struct{}       { return nil }
func (noopContext) Err() error                  { return nil }
func (noopContext) Value(any) any               { return nil }
