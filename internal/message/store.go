package message

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orbitmail/core/internal/database"
	"github.com/orbitmail/core/internal/logging"
)

// RecentWindow bounds how far back get_unfetched_recent_uids looks: UIDs
// within 200 of the current maximum.
const RecentWindow = 200

// Store persists Message Headers and per-mailbox UIDVALIDITY state.
type Store struct {
	db *database.DB
}

// NewStore wraps an open database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Init creates tables and indexes idempotently. Safe to call on every
// startup.
func (s *Store) Init() error {
	return s.db.Migrate()
}

// GetMailboxValidity returns the stored UIDVALIDITY for mailbox, and
// false if no row exists yet.
func (s *Store) GetMailboxValidity(mailbox string) (uint32, bool, error) {
	var v int64
	err := s.db.QueryRow("SELECT uid_validity FROM mailbox_state WHERE mailbox = ?", mailbox).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get mailbox validity: %w", err)
	}
	return uint32(v), true, nil
}

// UpdateMailboxValidity upserts the tracked UIDVALIDITY for mailbox.
func (s *Store) UpdateMailboxValidity(mailbox string, validity uint32) error {
	_, err := s.db.Exec(`
		INSERT INTO mailbox_state (mailbox, uid_validity) VALUES (?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET uid_validity = excluded.uid_validity
	`, mailbox, validity)
	if err != nil {
		return fmt.Errorf("update mailbox validity: %w", err)
	}
	return nil
}

// GetHighestUID returns the largest UID stored for folder, or 0 when
// empty.
func (s *Store) GetHighestUID(folder string) (uint32, error) {
	var v sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(uid) FROM messages WHERE folder = ?", folder).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get highest uid: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return uint32(v.Int64), nil
}

// InsertOrUpdateMessages upserts a batch of headers inside one
// transaction. An existing row's body and body_fetched are never
// cleared by this call — only subject/sender/date/seen/flagged/snippet/
// has_attachments are refreshed. Returns the number of rows that did not exist before.
func (s *Store) InsertOrUpdateMessages(folder string, headers []*Header) (int, error) {
	if len(headers) == 0 {
		return 0, nil
	}

	log := logging.WithComponent("message-store")

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkStmt, err := tx.Prepare("SELECT 1 FROM messages WHERE folder = ? AND uid = ?")
	if err != nil {
		return 0, fmt.Errorf("prepare existence check: %w", err)
	}
	defer checkStmt.Close()

	upsertStmt, err := tx.Prepare(`
		INSERT INTO messages (folder, uid, uid_validity, message_id, subject, sender, date, snippet, seen, flagged, has_attachments, thread_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(folder, uid) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			date = excluded.date,
			snippet = excluded.snippet,
			seen = excluded.seen,
			flagged = excluded.flagged,
			has_attachments = excluded.has_attachments
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsertStmt.Close()

	numNew := 0
	for _, h := range headers {
		var exists int
		err := checkStmt.QueryRow(folder, h.UID).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return 0, fmt.Errorf("check existing uid %d: %w", h.UID, err)
		}
		if err == sql.ErrNoRows {
			numNew++
		}

		if _, err := upsertStmt.Exec(
			folder, h.UID, h.UIDValidity, h.MessageID, h.Subject, h.Sender,
			h.Date.Unix(), h.Snippet, boolToInt(h.Seen), boolToInt(h.Flagged), boolToInt(h.HasAttachments),
		); err != nil {
			return 0, fmt.Errorf("upsert uid %d: %w", h.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	log.Debug().Str("folder", folder).Int("total", len(headers)).Int("new", numNew).Msg("persisted message headers")
	return numNew, nil
}

// LoadMessagesPage returns up to limit headers ordered by UID
// descending. When beforeUID is non-nil, only rows with uid <
// *beforeUID are returned. limit <= 0 means unbounded (used by
// get_inbox_messages, which wants the entire local mirror).
func (s *Store) LoadMessagesPage(folder string, beforeUID *uint32, limit int) ([]*Header, error) {
	var rows *sql.Rows
	var err error

	const cols = `folder, uid, uid_validity, message_id, subject, sender, date, snippet, seen, flagged, has_attachments, thread_id, body, body_fetched`

	switch {
	case beforeUID != nil && limit > 0:
		rows, err = s.db.Query(
			`SELECT `+cols+` FROM messages WHERE folder = ? AND uid < ? ORDER BY uid DESC LIMIT ?`,
			folder, *beforeUID, limit)
	case beforeUID != nil:
		rows, err = s.db.Query(
			`SELECT `+cols+` FROM messages WHERE folder = ? AND uid < ? ORDER BY uid DESC`,
			folder, *beforeUID)
	case limit > 0:
		rows, err = s.db.Query(
			`SELECT `+cols+` FROM messages WHERE folder = ? ORDER BY uid DESC LIMIT ?`,
			folder, limit)
	default:
		rows, err = s.db.Query(
			`SELECT `+cols+` FROM messages WHERE folder = ? ORDER BY uid DESC`,
			folder)
	}
	if err != nil {
		return nil, fmt.Errorf("load messages page: %w", err)
	}
	defer rows.Close()

	return scanHeaders(rows)
}

func scanHeaders(rows *sql.Rows) ([]*Header, error) {
	var out []*Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHeader(rows *sql.Rows) (*Header, error) {
	var (
		h           Header
		dateUnix    int64
		seen        int
		flagged     int
		hasAttach   int
		bodyFetched int
		body        sql.NullString
	)
	if err := rows.Scan(
		&h.Folder, &h.UID, &h.UIDValidity, &h.MessageID, &h.Subject, &h.Sender,
		&dateUnix, &h.Snippet, &seen, &flagged, &hasAttach, &h.ThreadID, &body, &bodyFetched,
	); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	h.Date = time.Unix(dateUnix, 0).UTC()
	h.Seen = seen != 0
	h.Flagged = flagged != 0
	h.HasAttachments = hasAttach != 0
	h.BodyFetched = bodyFetched != 0
	if body.Valid {
		v := body.String
		h.Body = &v
	}
	return &h, nil
}

// GetMessageBody returns the persisted HTML body for (folder, uid), and
// false if the row is absent or has not been fetched yet.
func (s *Store) GetMessageBody(folder string, uid uint32) (string, bool, error) {
	var body sql.NullString
	var fetched int
	err := s.db.QueryRow("SELECT body, body_fetched FROM messages WHERE folder = ? AND uid = ?", folder, uid).Scan(&body, &fetched)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get message body: %w", err)
	}
	if fetched == 0 || !body.Valid {
		return "", false, nil
	}
	return body.String, true, nil
}

// UpdateMessageBody persists the rendered HTML body and snippet for
// (folder, uid), marking body_fetched true.
func (s *Store) UpdateMessageBody(folder string, uid uint32, html, snippet string) error {
	res, err := s.db.Exec(`
		UPDATE messages SET body = ?, snippet = ?, body_fetched = 1
		WHERE folder = ? AND uid = ?
	`, html, snippet, folder, uid)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message body rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update message body: no row for folder=%s uid=%d", folder, uid)
	}
	return nil
}

// GetUnfetchedRecentUIDs returns up to limit UIDs, newest first, with
// body_fetched = false and uid > max(uid) - RecentWindow.
func (s *Store) GetUnfetchedRecentUIDs(folder string, limit int) ([]uint32, error) {
	highest, err := s.GetHighestUID(folder)
	if err != nil {
		return nil, err
	}

	var floor int64
	if int64(highest)-RecentWindow > 0 {
		floor = int64(highest) - RecentWindow
	}

	rows, err := s.db.Query(`
		SELECT uid FROM messages
		WHERE folder = ? AND body_fetched = 0 AND uid > ?
		ORDER BY uid DESC LIMIT ?
	`, folder, floor, limit)
	if err != nil {
		return nil, fmt.Errorf("get unfetched recent uids: %w", err)
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// IsMessageSeen returns false when the row is absent.
func (s *Store) IsMessageSeen(folder string, uid uint32) (bool, error) {
	var seen int
	err := s.db.QueryRow("SELECT seen FROM messages WHERE folder = ? AND uid = ?", folder, uid).Scan(&seen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is message seen: %w", err)
	}
	return seen != 0, nil
}

// SetMessageSeen updates the local seen flag.
func (s *Store) SetMessageSeen(folder string, uid uint32, seen bool) error {
	_, err := s.db.Exec("UPDATE messages SET seen = ? WHERE folder = ? AND uid = ?", boolToInt(seen), folder, uid)
	if err != nil {
		return fmt.Errorf("set message seen: %w", err)
	}
	return nil
}

// SetMessageFlagged updates the local flagged (starred) state.
func (s *Store) SetMessageFlagged(folder string, uid uint32, flagged bool) error {
	_, err := s.db.Exec("UPDATE messages SET flagged = ? WHERE folder = ? AND uid = ?", boolToInt(flagged), folder, uid)
	if err != nil {
		return fmt.Errorf("set message flagged: %w", err)
	}
	return nil
}

// DeleteMessageLocal removes one row from the local mirror.
func (s *Store) DeleteMessageLocal(folder string, uid uint32) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE folder = ? AND uid = ?", folder, uid)
	if err != nil {
		return fmt.Errorf("delete message local: %w", err)
	}
	return nil
}

// ClearMessages removes every row for folder, used on UIDVALIDITY
// rollover.
func (s *Store) ClearMessages(folder string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE folder = ?", folder)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
