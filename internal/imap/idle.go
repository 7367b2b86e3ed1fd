package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/orbitmail/core/internal/logging"
	"github.com/rs/zerolog"
)

// IdleTimeout is the server-side wait per IDLE cycle: 15 minutes, after
// which the client reissues IDLE to keep the connection alive.
const IdleTimeout = 15 * time.Minute

// Signal is what the IDLE listener forwards to its coordinator: the
// mailbox's exists count last observed, carried so the coordinator can
// collapse a burst of EXISTS notifications into a single sync trigger.
type Signal struct {
	LastExists uint32
}

// IdleListener runs a dedicated, long-lived IMAP connection distinct
// from the Session Pool and forwards unsolicited EXISTS/EXPUNGE
// notifications to a bounded channel.
type IdleListener struct {
	getCreds   CredentialSource
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log zerolog.Logger

	signals chan Signal
}

// NewIdleListener constructs an IdleListener. baseBackoff/maxBackoff
// bound the reconnect delay (spec default 2s→60s).
func NewIdleListener(getCreds CredentialSource, baseBackoff, maxBackoff time.Duration) *IdleListener {
	return &IdleListener{
		getCreds:    getCreds,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		log:         logging.WithComponent("imap-idle"),
		signals:     make(chan Signal, 8),
	}
}

// Signals exposes the channel the coordinator drains.
func (l *IdleListener) Signals() <-chan Signal {
	return l.signals
}

// Run drives reconnect/backoff/idle cycles until ctx is cancelled.
func (l *IdleListener) Run(ctx context.Context) {
	backoff := l.baseBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.cycle(ctx); err != nil {
			l.log.Warn().Err(err).Dur("backoff", backoff).Msg("idle cycle failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > l.maxBackoff {
				backoff = l.maxBackoff
			}
			continue
		}

		backoff = l.baseBackoff
	}
}

// cycle opens a dedicated connection, selects INBOX, and issues IDLE in
// a loop, reissuing on each server-side timeout, until ctx is done, an
// error occurs, or the connection is lost.
func (l *IdleListener) cycle(ctx context.Context) error {
	host, port, username, token, err := l.getCreds()
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}

	var lastExists uint32
	haveExists := false

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					lastExists = *data.NumMessages
					haveExists = true
					l.send(Signal{LastExists: lastExists})
				}
			},
			Expunge: func(seqNum uint32) {
				if haveExists && lastExists > 0 {
					lastExists--
				}
				l.send(Signal{LastExists: lastExists})
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	client := imapclient.New(rawConn, options)
	defer client.Close()

	if err := client.WaitGreeting(); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}

	saslClient := NewXOAuth2Client(username, token)
	if err := client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if !client.Caps().Has("IDLE") {
		return fmt.Errorf("server does not support IDLE")
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return fmt.Errorf("start idle: %w", err)
		}

		timer := time.NewTimer(IdleTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			idleCmd.Close()
			return nil
		case <-timer.C:
			if err := idleCmd.Close(); err != nil {
				return fmt.Errorf("idle timeout close: %w", err)
			}
		}
	}
}

func (l *IdleListener) send(sig Signal) {
	select {
	case l.signals <- sig:
	case <-time.After(2 * time.Second):
		l.log.Warn().Msg("signal channel full, dropping idle notification")
	}
}
