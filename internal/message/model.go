// Package message defines the Message Header entity and its persistent
// store, keyed on (folder, uid) per the mailbox's current UIDVALIDITY.
package message

import "time"

// Header is one row of the messages table: the server-observed envelope
// plus locally tracked flags and, once fetched, the rendered body.
type Header struct {
	Folder      string
	UID         uint32
	UIDValidity uint32

	MessageID string
	Subject   string
	Sender    string
	Date      time.Time

	Snippet        string
	Seen           bool
	Flagged        bool
	HasAttachments bool

	// ThreadID is schema-reserved and never populated: no thread
	// reconstruction is performed.
	ThreadID string

	Body        *string
	BodyFetched bool
}
