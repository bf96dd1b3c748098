package postgres

// Times are unix seconds with 0 for unset, matching the sqlite3 driver.
const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id             BIGSERIAL PRIMARY KEY,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		deleted        BOOLEAN NOT NULL DEFAULT FALSE,
		version        BIGINT NOT NULL DEFAULT 0,
		username       TEXT NOT NULL,
		email          TEXT NOT NULL,
		password_hash  TEXT NOT NULL,
		first_name     TEXT NOT NULL DEFAULT '',
		last_name      TEXT NOT NULL DEFAULT '',
		phone_number   TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'USER',
		status         TEXT NOT NULL DEFAULT 'ACTIVE',
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		last_login_at  BIGINT NOT NULL DEFAULT 0,
		last_login_ip  TEXT NOT NULL DEFAULT '',
		storage_quota  BIGINT NOT NULL DEFAULT 0,
		storage_used   BIGINT NOT NULL DEFAULT 0 CHECK (storage_used >= 0)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS users_username ON users (LOWER(username));
	CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users (LOWER(email));

	CREATE TABLE IF NOT EXISTS domains (
		id                   BIGSERIAL PRIMARY KEY,
		created_at           BIGINT NOT NULL,
		updated_at           BIGINT NOT NULL,
		deleted              BOOLEAN NOT NULL DEFAULT FALSE,
		version              BIGINT NOT NULL DEFAULT 0,
		name                 TEXT NOT NULL,
		description          TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL DEFAULT 'ACTIVE',
		verified             BOOLEAN NOT NULL DEFAULT FALSE,
		is_default           BOOLEAN NOT NULL DEFAULT FALSE,
		catch_all_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
		catch_all_address    TEXT NOT NULL DEFAULT '',
		mx_record            TEXT NOT NULL DEFAULT '',
		spf_record           TEXT NOT NULL DEFAULT '',
		dkim_selector        TEXT NOT NULL DEFAULT '',
		dkim_public_key      TEXT NOT NULL DEFAULT '',
		dkim_private_key     TEXT NOT NULL DEFAULT '',
		dmarc_record         TEXT NOT NULL DEFAULT '',
		max_users            INTEGER NOT NULL DEFAULT 0,
		max_aliases_per_user INTEGER NOT NULL DEFAULT 0,
		max_storage_gb       INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS domains_name ON domains (LOWER(name));

	CREATE TABLE IF NOT EXISTS aliases (
		id                 BIGSERIAL PRIMARY KEY,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL,
		deleted            BOOLEAN NOT NULL DEFAULT FALSE,
		version            BIGINT NOT NULL DEFAULT 0,
		address            TEXT NOT NULL,
		display_name       TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		signature          TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'ACTIVE',
		type               TEXT NOT NULL DEFAULT 'STANDARD',
		is_primary         BOOLEAN NOT NULL DEFAULT FALSE,
		forward_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
		forward_to         TEXT[] NOT NULL DEFAULT '{}',
		auto_reply_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		auto_reply_subject TEXT NOT NULL DEFAULT '',
		auto_reply_message TEXT NOT NULL DEFAULT '',
		quota_bytes        BIGINT NOT NULL DEFAULT 0,
		used_bytes         BIGINT NOT NULL DEFAULT 0,
		max_send_per_day   INTEGER NOT NULL DEFAULT 0,
		sent_today         INTEGER NOT NULL DEFAULT 0,
		sent_day           TEXT NOT NULL DEFAULT '',
		user_id            BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		domain_id          BIGINT NOT NULL REFERENCES domains(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS aliases_address ON aliases (LOWER(address));
	CREATE INDEX IF NOT EXISTS aliases_user ON aliases (user_id);

	CREATE TABLE IF NOT EXISTS folders (
		id           BIGSERIAL PRIMARY KEY,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		deleted      BOOLEAN NOT NULL DEFAULT FALSE,
		version      BIGINT NOT NULL DEFAULT 0,
		user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		parent_id    BIGINT NOT NULL DEFAULT 0,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		icon         TEXT NOT NULL DEFAULT '',
		color        TEXT NOT NULL DEFAULT '',
		type         TEXT NOT NULL,
		sort_order   INTEGER NOT NULL DEFAULT 0,
		system       BOOLEAN NOT NULL DEFAULT FALSE,
		subscribed   BOOLEAN NOT NULL DEFAULT TRUE,
		unread_count INTEGER NOT NULL DEFAULT 0,
		total_count  INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS folders_user_name ON folders (user_id, LOWER(name));

	CREATE TABLE IF NOT EXISTS emails (
		id               BIGSERIAL PRIMARY KEY,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		deleted          BOOLEAN NOT NULL DEFAULT FALSE,
		version          BIGINT NOT NULL DEFAULT 0,
		message_id       TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		from_address     TEXT NOT NULL DEFAULT '',
		from_name        TEXT NOT NULL DEFAULT '',
		to_list          TEXT[] NOT NULL DEFAULT '{}',
		cc_list          TEXT[] NOT NULL DEFAULT '{}',
		bcc_list         TEXT[] NOT NULL DEFAULT '{}',
		reply_to         TEXT NOT NULL DEFAULT '',
		body_text        TEXT NOT NULL DEFAULT '',
		body_html        TEXT NOT NULL DEFAULT '',
		raw              BYTEA,
		raw_file         TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'UNREAD',
		type             TEXT NOT NULL DEFAULT 'RECEIVED',
		starred          BOOLEAN NOT NULL DEFAULT FALSE,
		important        BOOLEAN NOT NULL DEFAULT FALSE,
		spam             BOOLEAN NOT NULL DEFAULT FALSE,
		draft            BOOLEAN NOT NULL DEFAULT FALSE,
		has_attachments  BOOLEAN NOT NULL DEFAULT FALSE,
		attachment_count INTEGER NOT NULL DEFAULT 0,
		size             BIGINT NOT NULL DEFAULT 0,
		sent_at          BIGINT NOT NULL DEFAULT 0,
		received_at      BIGINT NOT NULL DEFAULT 0,
		read_at          BIGINT NOT NULL DEFAULT 0,
		in_reply_to      TEXT NOT NULL DEFAULT '',
		refs             TEXT NOT NULL DEFAULT '',
		thread_id        TEXT NOT NULL DEFAULT '',
		user_id          BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		alias_id         BIGINT NOT NULL DEFAULT 0,
		folder_id        BIGINT NOT NULL REFERENCES folders(id),
		CHECK ((raw IS NOT NULL AND raw_file = '') OR (raw IS NULL AND raw_file != ''))
	);
	CREATE INDEX IF NOT EXISTS emails_folder ON emails (folder_id, received_at);
	CREATE INDEX IF NOT EXISTS emails_user ON emails (user_id);
	CREATE INDEX IF NOT EXISTS emails_message_id ON emails (message_id);

	CREATE TABLE IF NOT EXISTS attachments (
		id            BIGSERIAL PRIMARY KEY,
		created_at    BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		email_id      BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		user_id       BIGINT NOT NULL,
		file_name     TEXT NOT NULL DEFAULT '',
		original_name TEXT NOT NULL DEFAULT '',
		content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
		size          BIGINT NOT NULL DEFAULT 0,
		storage_path  TEXT NOT NULL DEFAULT '',
		checksum      TEXT NOT NULL DEFAULT '',
		inline        BOOLEAN NOT NULL DEFAULT FALSE,
		content_id    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS attachments_email ON attachments (email_id);
	CREATE INDEX IF NOT EXISTS attachments_path ON attachments (storage_path);

	CREATE TABLE IF NOT EXISTS queue (
		id           BIGSERIAL PRIMARY KEY,
		created_at   BIGINT NOT NULL,
		from_address TEXT NOT NULL,
		rcpt         TEXT NOT NULL,
		content      BYTEA NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		next_attempt BIGINT NOT NULL,
		last_error   TEXT NOT NULL DEFAULT '',
		delivered_at BIGINT NOT NULL DEFAULT 0,
		kind         TEXT NOT NULL DEFAULT 'forward',
		dedup_key    TEXT UNIQUE
	);
	CREATE INDEX IF NOT EXISTS queue_due ON queue (delivered_at, next_attempt);
`
