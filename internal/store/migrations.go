package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	kind         TEXT NOT NULL CHECK(kind IN ('imap', 'exchange')),
	extra        TEXT NOT NULL DEFAULT '',
	last_refresh DATETIME,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE COLLATE NOCASE,
	name       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	sender_id  TEXT REFERENCES contacts(id),
	subject    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	html       TEXT NOT NULL DEFAULT '[]',
	date       DATETIME NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	fetched_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recipients (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	kind       TEXT NOT NULL CHECK(kind IN ('to', 'cc', 'bcc')),
	position   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, contact_id, kind)
);

CREATE TABLE IF NOT EXISTS attachments (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	filename   TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	mime_type  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (message_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_sender_id ON messages(sender_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_recipients_contact_id ON recipients(contact_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
