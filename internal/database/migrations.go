package database

// Migration is one versioned, transaction-wrapped schema change.
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				imap_host TEXT NOT NULL DEFAULT 'imap.gmail.com',
				imap_port INTEGER NOT NULL DEFAULT 993,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				expires_at INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS mailbox_state (
				mailbox TEXT PRIMARY KEY,
				uid_validity INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS messages (
				folder TEXT NOT NULL,
				uid INTEGER NOT NULL,
				uid_validity INTEGER NOT NULL,
				message_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				sender TEXT NOT NULL DEFAULT '',
				date INTEGER NOT NULL DEFAULT 0,
				snippet TEXT NOT NULL DEFAULT '',
				seen INTEGER NOT NULL DEFAULT 0,
				flagged INTEGER NOT NULL DEFAULT 0,
				has_attachments INTEGER NOT NULL DEFAULT 0,
				thread_id TEXT NOT NULL DEFAULT '',
				body TEXT,
				body_fetched INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (folder, uid)
			);

			CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder, uid DESC);
			CREATE INDEX IF NOT EXISTS idx_messages_folder_date ON messages(folder, date DESC);
		`,
	},
}
