// Package imap wraps github.com/emersion/go-imap/v2's imapclient with
// the connection, authentication, and mailbox-management surface the
// Session Pool, Header Sync, Body Fetch, and IDLE Listener all build on.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/orbitmail/core/internal/logging"
	"github.com/rs/zerolog"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before every
// operation, since go-imap/v2 does not enforce its own socket timeouts.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// ClientConfig holds the configuration for connecting and authenticating
// to a Gmail-compatible IMAP server over implicit TLS.
type ClientConfig struct {
	Host  string
	Port  int

	Username    string
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns a ClientConfig with sensible defaults for Gmail.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Host:           "imap.gmail.com",
		Port:           993,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps an authenticated imapclient.Client.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient constructs a Client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("imap")}
}

// Connect dials the server over implicit TLS and waits for the greeting.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.config.Host})
	if err != nil {
		return fmt.Errorf("connect with TLS: %w", err)
	}

	wrapped := &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
	c.client = imapclient.New(wrapped, &imapclient.Options{})

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("receive greeting: %w", err)
	}

	c.caps = c.client.Caps()
	return nil
}

// Login authenticates via AUTHENTICATE XOAUTH2.
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if c.config.AccessToken == "" {
		return fmt.Errorf("oauth2 login requires an access token")
	}

	saslClient := NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("xoauth2 authentication failed: %w", err)
	}

	c.caps = c.client.Caps()
	return nil
}

// Close logs out and closes the underlying connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	return c.client.Close()
}

// ForceClose closes the underlying connection without attempting a
// graceful logout. Used by the Session Pool when a session is known to
// be unhealthy and a blocking LOGOUT round-trip would just stall.
func (c *Client) ForceClose() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Noop issues a NOOP, used by the Session Pool's idle health check.
func (c *Client) Noop() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	return c.client.Noop().Wait()
}

// Caps returns the server capabilities observed after the last
// Connect/Login.
func (c *Client) Caps() imap.CapSet {
	return c.caps
}

// HasCap reports whether the server advertises cap.
func (c *Client) HasCap(cap imap.Cap) bool {
	return c.caps.Has(cap)
}

// Mailbox describes one mailbox returned by LIST, optionally enriched
// with SELECT/STATUS data.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
	Type       FolderType

	UIDValidity   uint32
	UIDNext       uint32
	Messages      uint32
	HighestModSeq uint64
}

// FolderType classifies a mailbox by RFC 6154 special-use attribute or
// name heuristic. Only used to label entries returned by ListMailboxes;
// no folder beyond INBOX is synced.
type FolderType string

const (
	FolderTypeInbox   FolderType = "inbox"
	FolderTypeSent    FolderType = "sent"
	FolderTypeDrafts  FolderType = "drafts"
	FolderTypeTrash   FolderType = "trash"
	FolderTypeSpam    FolderType = "spam"
	FolderTypeArchive FolderType = "archive"
	FolderTypeAll     FolderType = "all"
	FolderTypeStarred FolderType = "starred"
	FolderTypeFolder  FolderType = "folder"
)

// ListMailboxes enumerates every mailbox via LIST "" "*". It is the
// get_mailboxes command's entire implementation: a thin pass-through,
// never cached, since only INBOX is mirrored locally.
func (c *Client) ListMailboxes() ([]*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	listCmd := c.client.List("", "*", nil)

	var mailboxes []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		mb := &Mailbox{
			Name:       mbox.Mailbox,
			Delimiter:  string(mbox.Delim),
			Attributes: make([]string, len(mbox.Attrs)),
		}
		for i, attr := range mbox.Attrs {
			mb.Attributes[i] = string(attr)
		}
		mb.Type = determineFolderType(mbox.Mailbox, mbox.Attrs)
		mailboxes = append(mailboxes, mb)
	}

	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	return mailboxes, nil
}

func determineFolderType(name string, attrs []imap.MailboxAttr) FolderType {
	for _, attr := range attrs {
		switch attr {
		case imap.MailboxAttrAll:
			return FolderTypeAll
		case imap.MailboxAttrArchive:
			return FolderTypeArchive
		case imap.MailboxAttrDrafts:
			return FolderTypeDrafts
		case imap.MailboxAttrJunk:
			return FolderTypeSpam
		case imap.MailboxAttrSent:
			return FolderTypeSent
		case imap.MailboxAttrTrash:
			return FolderTypeTrash
		case imap.MailboxAttrFlagged:
			return FolderTypeStarred
		}
	}

	switch {
	case name == "INBOX":
		return FolderTypeInbox
	case strings.Contains(strings.ToLower(name), "sent"):
		return FolderTypeSent
	case strings.Contains(strings.ToLower(name), "draft"):
		return FolderTypeDrafts
	case strings.Contains(strings.ToLower(name), "trash"):
		return FolderTypeTrash
	case strings.Contains(strings.ToLower(name), "spam"), strings.Contains(strings.ToLower(name), "junk"):
		return FolderTypeSpam
	case strings.Contains(strings.ToLower(name), "archive"):
		return FolderTypeArchive
	case strings.Contains(strings.ToLower(name), "all mail"):
		return FolderTypeAll
	}
	return FolderTypeFolder
}

// SelectMailbox selects name and returns its status, running Wait() on
// a goroutine so context cancellation is honored even though the
// underlying call blocks indefinitely.
func (c *Client) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	type result struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := c.client.Select(name, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("select mailbox: %w", r.err)
		}
		mb := &Mailbox{
			Name:        name,
			UIDValidity: r.data.UIDValidity,
			UIDNext:     uint32(r.data.UIDNext),
			Messages:    r.data.NumMessages,
		}
		if r.data.HighestModSeq != 0 {
			mb.HighestModSeq = r.data.HighestModSeq
		}
		return mb, nil
	}
}

// Raw returns the underlying imapclient.Client, which the sync and
// body-fetch packages use to issue their FETCH commands.
func (c *Client) Raw() *imapclient.Client {
	return c.client
}

// AddMessageFlags issues UID STORE +FLAGS.SILENT for the given UIDs.
func (c *Client) AddMessageFlags(uid imap.UID, flags []imap.Flag) error {
	return c.storeFlags(uid, imap.StoreFlagsAdd, flags)
}

// RemoveMessageFlags issues UID STORE -FLAGS.SILENT for the given UID.
func (c *Client) RemoveMessageFlags(uid imap.UID, flags []imap.Flag) error {
	return c.storeFlags(uid, imap.StoreFlagsDel, flags)
}

func (c *Client) storeFlags(uid imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	storeCmd := c.client.Store(uidSet, &imap.StoreFlags{Op: op, Flags: flags, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	return nil
}

// AddGmailLabel issues UID STORE +FLAGS.SILENT with label as the flag
// for the given UID, used by the delete fallback path when UID MOVE
// fails. It does not issue an X-GM-LABELS store, so no Gmail label is
// applied.
func (c *Client) AddGmailLabel(uid imap.UID, label string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	cmd := c.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.Flag(label)},
		Silent: true,
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("add gmail label: %w", err)
	}
	return nil
}

// MoveMessageToTrash attempts UID MOVE uid "[Gmail]/Trash"; callers fall
// back to the label+\Deleted path on error.
func (c *Client) MoveMessageToTrash(uid imap.UID) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	_, err := c.client.Move(uidSet, "[Gmail]/Trash").Wait()
	if err != nil {
		return fmt.Errorf("move to trash: %w", err)
	}
	return nil
}

// DeleteMessageByUID marks uid \Deleted and expunges it, used by the
// delete fallback path.
func (c *Client) DeleteMessageByUID(uid imap.UID) error {
	if err := c.storeFlags(uid, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	if c.caps.Has(imap.CapUIDPlus) {
		if err := c.client.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("uid expunge: %w", err)
		}
		return nil
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}
