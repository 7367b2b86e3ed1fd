package sync

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	imapPkg "github.com/orbitmail/core/internal/imap"
)

// MarkAsRead implements mark_as_read(uid): idempotent via a local
// is_message_seen check before touching IMAP at all, then UID STORE
// +FLAGS.SILENT (\Seen) through the Primary slot, then the local mirror.
func (e *Engine) MarkAsRead(uid uint32) error {
	seen, err := e.store.IsMessageSeen(Folder, uid)
	if err != nil {
		return fmt.Errorf("check message seen: %w", err)
	}
	if seen {
		return nil
	}

	err = e.pool.Run(imapPkg.Primary, func(client *imapPkg.Client) error {
		return client.AddMessageFlags(imap.UID(uid), []imap.Flag{imap.FlagSeen})
	})
	if err != nil {
		return fmt.Errorf("store seen flag: %w", err)
	}

	if err := e.store.SetMessageSeen(Folder, uid, true); err != nil {
		return fmt.Errorf("persist seen flag: %w", err)
	}
	return nil
}

// ToggleStar implements toggle_star(uid, on): UID STORE ±FLAGS.SILENT
// (\Flagged) through the Primary slot, then the local mirror. Unlike
// MarkAsRead this is not skipped when already in the target state,
// since a star toggle is explicitly user-initiated rather than an
// as-needed transition.
func (e *Engine) ToggleStar(uid uint32, on bool) error {
	op := imap.StoreFlagsAdd
	if !on {
		op = imap.StoreFlagsDel
	}

	err := e.pool.Run(imapPkg.Primary, func(client *imapPkg.Client) error {
		if on {
			return client.AddMessageFlags(imap.UID(uid), []imap.Flag{imap.FlagFlagged})
		}
		return client.RemoveMessageFlags(imap.UID(uid), []imap.Flag{imap.FlagFlagged})
	})
	if err != nil {
		return fmt.Errorf("store flagged flag (op=%v): %w", op, err)
	}

	if err := e.store.SetMessageFlagged(Folder, uid, on); err != nil {
		return fmt.Errorf("persist flagged flag: %w", err)
	}
	return nil
}

// DeleteMessage implements delete_message(uid): UID MOVE to
// "[Gmail]/Trash", falling back, when MOVE is unsupported or fails, to a
// best-effort +FLAGS (\Trash) store (AddGmailLabel) followed by the
// \Deleted flag and an expunge, then removes the row from the local
// mirror.
func (e *Engine) DeleteMessage(uid uint32) error {
	err := e.pool.Run(imapPkg.Primary, func(client *imapPkg.Client) error {
		if moveErr := client.MoveMessageToTrash(imap.UID(uid)); moveErr != nil {
			e.log.Warn().Err(moveErr).Uint32("uid", uid).Msg("move to trash failed, falling back to label+deleted")

			if labelErr := client.AddGmailLabel(imap.UID(uid), "\\Trash"); labelErr != nil {
				e.log.Warn().Err(labelErr).Uint32("uid", uid).Msg("gmail trash label fallback failed")
			}
			if delErr := client.DeleteMessageByUID(imap.UID(uid)); delErr != nil {
				return fmt.Errorf("fallback delete: %w", delErr)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete on server: %w", err)
	}

	if err := e.store.DeleteMessageLocal(Folder, uid); err != nil {
		return fmt.Errorf("delete message local: %w", err)
	}
	return nil
}
