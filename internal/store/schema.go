package store

import "github.com/cesargomez89/offlinevault/internal/constants"

const Schema = `
CREATE TABLE IF NOT EXISTS content_keys (
	id TEXT PRIMARY KEY,
	content_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Requested',
	stored_path TEXT NOT NULL DEFAULT '',
	valid_until DATETIME,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_content_keys_content_id ON content_keys(content_id);

-- key_ref is a plain link: key records outlive the assets that use them
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	content_id TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'NotStarted',
	progress_percent REAL NOT NULL DEFAULT 0,
	is_protected BOOLEAN NOT NULL DEFAULT 0,
	key_ref TEXT,
	downloaded_at DATETIME,
	created_at DATETIME NOT NULL
);

-- Deleting an asset removes its row, so every row is live
CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_source_url ON assets(source_url);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
CREATE INDEX IF NOT EXISTS idx_assets_content_id ON assets(content_id);

CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	data BLOB,
	expires_at DATETIME
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// AssetSchema lists the attributes callers may set on asset records.
// id and created_at are assigned by Create and never writable.
var AssetSchema = TableSchema{
	Table: constants.AssetsTable,
	Columns: []string{
		"content_id",
		"source_url",
		"local_path",
		"status",
		"progress_percent",
		"is_protected",
		"key_ref",
		"downloaded_at",
	},
}

var KeySchema = TableSchema{
	Table: constants.KeysTable,
	Columns: []string{
		"content_id",
		"status",
		"stored_path",
		"valid_until",
	},
}
