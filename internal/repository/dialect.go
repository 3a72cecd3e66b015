package repository

import (
	"fmt"
	"strings"
)

// dialect holds the SQL that differs between SQLite and MySQL.
type dialect struct {
	name   string
	schema []string
	upsert func(table, key string, cols []string) string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS auth_records (
			id VARCHAR(32) PRIMARY KEY,
			payload TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lot_lookups (
			lot_name VARCHAR(64) PRIMARY KEY,
			location_id BIGINT NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			fetched_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lot_lookups_expires ON lot_lookups(expires_at)`,
		`CREATE TABLE IF NOT EXISTS pending_submissions (
			id VARCHAR(64) PRIMARY KEY,
			project_id BIGINT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_project_created ON pending_submissions(project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_work_items (
			id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_kind_status ON sync_work_items(kind, status)`,
	},
	upsert: func(table, key string, cols []string) string {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != key {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
			}
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			table, strings.Join(cols, ", "), placeholders(len(cols)), key, strings.Join(sets, ", "))
	},
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS auth_records (
			id VARCHAR(32) PRIMARY KEY,
			payload MEDIUMTEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lot_lookups (
			lot_name VARCHAR(64) PRIMARY KEY,
			location_id BIGINT NOT NULL DEFAULT 0,
			payload MEDIUMTEXT NOT NULL,
			fetched_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			INDEX idx_lot_lookups_expires (expires_at)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_submissions (
			id VARCHAR(64) PRIMARY KEY,
			project_id BIGINT NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_pending_project_created (project_id, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_work_items (
			id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			payload MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_work_items_kind_status (kind, status)
		)`,
	},
	upsert: func(table, key string, cols []string) string {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != key {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
			}
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
	},
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
