package store

// schemaStatements create the issues table, the issue-number counter and
// the deleted-id ledger.
// Every statement is of the "if not exists" / "or ignore" form so that two
// processes racing through a cold start both succeed.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS issues (
	id           TEXT PRIMARY KEY,
	issue_number INTEGER NOT NULL UNIQUE,
	title        TEXT NOT NULL CHECK(length(trim(title)) > 0),
	description  TEXT,
	status       TEXT NOT NULL DEFAULT 'todo'
		CHECK(status IN ('todo', 'in_progress', 'done')),
	priority     TEXT NOT NULL DEFAULT 'medium'
		CHECK(priority IN ('low', 'medium', 'high', 'urgent')),
	assignee     TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_created_at ON issues(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status)`,

	// issue_counter holds the last assigned issue number. It only ever
	// grows, so numbers are never reused after a delete.
	`CREATE TABLE IF NOT EXISTS issue_counter (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`,
	`INSERT OR IGNORE INTO issue_counter (name, value) VALUES ('issues', 0)`,

	// deleted_issue_ids keeps every id that was deleted so it is never
	// handed to a new issue.
	`CREATE TABLE IF NOT EXISTS deleted_issue_ids (
	id         TEXT PRIMARY KEY,
	deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}
