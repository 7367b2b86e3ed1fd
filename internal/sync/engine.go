// Package sync implements Header Sync (C5): UIDVALIDITY-aware
// incremental header synchronization over the Session Pool's Primary
// slot, single-flight and suspicious-zero-sync aware.
package sync

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	imapPkg "github.com/orbitmail/core/internal/imap"
	"github.com/orbitmail/core/internal/logging"
	"github.com/orbitmail/core/internal/message"
	"github.com/orbitmail/core/internal/prefetch"
	"github.com/rs/zerolog"
)

// Folder is the only mailbox mirrored locally.
const Folder = "INBOX"

// NewMessageNotifier is invoked with the number of newly persisted
// messages whenever a sync persists at least one — the source of the
// mail:updated event.
type NewMessageNotifier func(count int)

// Engine runs sync_inbox under a single-flight lock.
type Engine struct {
	pool        *imapPkg.Pool
	store       *message.Store
	prefetchQ   *prefetch.Queue
	notify      NewMessageNotifier
	log         zerolog.Logger

	mu sync.Mutex
}

// NewEngine constructs an Engine bound to an account's pool and store.
func NewEngine(pool *imapPkg.Pool, store *message.Store, prefetchQ *prefetch.Queue, notify NewMessageNotifier) *Engine {
	return &Engine{
		pool:      pool,
		store:     store,
		prefetchQ: prefetchQ,
		notify:    notify,
		log:       logging.WithComponent("sync"),
	}
}

// TryLock attempts to acquire the single-flight lock without blocking,
// used by the Poll Loop and IDLE coordinator which both skip a tick
// rather than queue behind an in-flight sync.
func (e *Engine) TryLock() bool {
	return e.mu.TryLock()
}

// Unlock releases the single-flight lock. Must only be called after a
// successful TryLock or Lock.
func (e *Engine) Unlock() {
	e.mu.Unlock()
}

// Lock blocks until the single-flight lock is acquired, used by manual
// (user-initiated) refresh, which awaits rather than skips.
func (e *Engine) Lock() {
	e.mu.Lock()
}

// SyncInbox runs sync_inbox(INBOX) while holding the single-flight
// lock for its own duration. Callers that already hold the lock (e.g.
// the Poll Loop after a successful TryLock) should call RunLocked
// instead.
func (e *Engine) SyncInbox(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked(ctx)
}

// RunLocked runs sync_inbox assuming the caller already holds the
// single-flight lock (acquired via TryLock or Lock). Used by callers
// like the Poll Loop that need to test-and-hold the lock themselves
// rather than block on SyncInbox.
func (e *Engine) RunLocked(ctx context.Context) (int, error) {
	return e.syncLocked(ctx)
}

// syncLocked implements the sync_inbox steps. Caller must already hold
// the single-flight lock.
func (e *Engine) syncLocked(ctx context.Context) (int, error) {
	lastUID, err := e.store.GetHighestUID(Folder)
	if err != nil {
		return 0, fmt.Errorf("get highest uid: %w", err)
	}
	storedValidity, hasValidity, err := e.store.GetMailboxValidity(Folder)
	if err != nil {
		return 0, fmt.Errorf("get mailbox validity: %w", err)
	}

	var numNew int

	runErr := e.pool.Run(imapPkg.Primary, func(client *imapPkg.Client) error {
		mb, err := client.SelectMailbox(ctx, Folder)
		if err != nil {
			return fmt.Errorf("select inbox: %w", err)
		}
		serverValidity := mb.UIDValidity
		uidNext := mb.UIDNext

		if !hasValidity || storedValidity != serverValidity {
			e.log.Info().Uint32("old", storedValidity).Uint32("new", serverValidity).Msg("uidvalidity changed, clearing local mirror")
			if err := e.store.ClearMessages(Folder); err != nil {
				return fmt.Errorf("clear messages on uidvalidity change: %w", err)
			}
			if err := e.store.UpdateMailboxValidity(Folder, serverValidity); err != nil {
				return fmt.Errorf("update mailbox validity: %w", err)
			}
			lastUID = 0
			storedValidity = serverValidity
		}

		if uidNext <= lastUID+1 {
			numNew = 0
			return nil
		}

		var start uint32
		if lastUID == 0 {
			start = 1
		} else {
			start = lastUID + 1
		}
		end := uidNext - 1

		// Re-select defensively to refresh protocol state before the
		// range fetch.
		if _, err := client.SelectMailbox(ctx, Folder); err != nil {
			return fmt.Errorf("re-select inbox: %w", err)
		}

		headers, err := fetchHeaders(ctx, client.Raw(), serverValidity, start, end)
		if err != nil {
			return fmt.Errorf("fetch headers %d:%d: %w", start, end, err)
		}

		if len(headers) == 0 && lastUID+1 < uidNext {
			return fmt.Errorf("suspicious zero-sync: range %d:%d expected messages but fetch returned none", start, end)
		}

		n, err := e.store.InsertOrUpdateMessages(Folder, headers)
		if err != nil {
			return fmt.Errorf("persist headers: %w", err)
		}
		numNew = n
		return nil
	})
	if runErr != nil {
		return 0, runErr
	}

	if numNew > 0 && e.notify != nil {
		e.notify(numNew)
	}

	if e.prefetchQ != nil {
		recent, err := e.store.GetUnfetchedRecentUIDs(Folder, 10)
		if err != nil {
			e.log.Warn().Err(err).Msg("failed to compute recent unfetched uids for prefetch seeding")
		} else {
			for _, uid := range recent {
				e.prefetchQ.Enqueue(uid)
			}
		}
	}

	return numNew, nil
}

// fetchHeaders issues UID FETCH start:end (UID FLAGS BODY.PEEK[HEADER.
// FIELDS (SUBJECT FROM DATE)]) and streams results via Next() rather
// than Collect(), so a cancelled context still returns whatever was
// read so far instead of blocking indefinitely.
func fetchHeaders(ctx context.Context, client *imapclient.Client, uidValidity uint32, start, end uint32) ([]*message.Header, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(start), imap.UID(end))

	fetchOptions := &imap.FetchOptions{
		UID:   true,
		Flags: true,
		BodySection: []*imap.FetchItemBodySection{
			{
				Specifier:   imap.PartSpecifierHeader,
				HeaderFields: []string{"SUBJECT", "FROM", "DATE"},
				Peek:        true,
			},
		},
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)

	var headers []*message.Header
	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return headers, nil
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var uid imap.UID
		var flags []imap.Flag
		var headerBytes []byte

		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataFlags:
				flags = data.Flags
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					b, err := io.ReadAll(data.Literal)
					if err == nil {
						headerBytes = b
					}
				}
			}
		}

		if uid == 0 {
			continue
		}

		h := &message.Header{
			Folder:      Folder,
			UID:         uint32(uid),
			UIDValidity: uidValidity,
		}
		applyFlags(h, flags)
		applyParsedHeader(h, headerBytes)
		headers = append(headers, h)
	}

	if err := fetchCmd.Close(); err != nil {
		return headers, fmt.Errorf("fetch close: %w", err)
	}

	return headers, nil
}

func applyFlags(h *message.Header, flags []imap.Flag) {
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			h.Seen = true
		case imap.FlagFlagged:
			h.Flagged = true
		}
	}
}

// applyParsedHeader parses the RFC 822 Subject/From/Date header block
// fetched above. Date parse failures fall back to a zero timestamp
// rather than aborting the sync.
func applyParsedHeader(h *message.Header, raw []byte) {
	if len(raw) == 0 {
		return
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(raw) + "\r\n\r\n"))
	if err != nil {
		return
	}

	h.Subject = decodeMIMEWord(msg.Header.Get("Subject"))
	h.Sender = parseSender(msg.Header.Get("From"))

	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			h.Date = t.UTC()
		} else {
			h.Date = time.Unix(0, 0).UTC()
		}
	}
}

func parseSender(from string) string {
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil || len(addrs) == 0 {
		return from
	}
	if addrs[0].Name != "" {
		return fmt.Sprintf("%s <%s>", addrs[0].Name, addrs[0].Address)
	}
	return addrs[0].Address
}
