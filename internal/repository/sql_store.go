package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/pkg/apierror"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLStore implements Store on database/sql. Records are kept as JSON
// payloads next to the columns used for lookup and ordering.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
	mu      sync.RWMutex
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database at path.
func NewSQLiteStore(path string, log *zap.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := newSQLStore(db, sqliteDialect, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("local store ready", zap.String("driver", "sqlite"), zap.String("path", path))
	return s, nil
}

// OpenMySQLStore connects to MySQL using dsn and prepares the schema.
func OpenMySQLStore(dsn string, log *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := NewMySQLStore(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("local store ready", zap.String("driver", "mysql"))
	return s, nil
}

// NewMySQLStore wraps an open MySQL handle.
func NewMySQLStore(db *sql.DB, log *zap.Logger) (*SQLStore, error) {
	return newSQLStore(db, mysqlDialect, log)
}

func newSQLStore(db *sql.DB, d dialect, log *zap.Logger) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return &SQLStore{db: db, dialect: d, log: logger.OrNop(log).Named("store")}, nil
}

func storageErr(op string, err error) error {
	return apierror.StorageUnavailable(fmt.Sprintf("%s failed", op)).WithCause(err)
}

// --- auth ---

// SaveAuth replaces the stored AuthRecord.
func (s *SQLStore) SaveAuth(ctx context.Context, rec *model.AuthRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode auth record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.dialect.upsert("auth_records", "id", []string{"id", "payload", "expires_at"})
	if _, err := s.db.ExecContext(ctx, query, model.AuthRecordKey, string(payload), rec.ExpiresAt.UnixNano()); err != nil {
		return storageErr("save auth", err)
	}
	return nil
}

// GetAuth returns the stored AuthRecord or ErrNotFound.
func (s *SQLStore) GetAuth(ctx context.Context) (*model.AuthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM auth_records WHERE id = ?`, model.AuthRecordKey).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get auth", err)
	}

	var rec model.AuthRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode auth record: %w", err)
	}
	return &rec, nil
}

// DeleteAuth removes the stored AuthRecord.
func (s *SQLStore) DeleteAuth(ctx context.Context) error {
	return s.deleteByKey(ctx, "delete auth", "auth_records", "id", model.AuthRecordKey)
}

// --- lookups ---

// PutLookup upserts a cached lookup keyed by lot name.
func (s *SQLStore) PutLookup(ctx context.Context, l *model.CachedLotLookup) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode lookup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.dialect.upsert("lot_lookups", "lot_name",
		[]string{"lot_name", "location_id", "payload", "fetched_at", "expires_at"})
	_, err = s.db.ExecContext(ctx, query,
		l.LotName, l.LocationID, string(payload), l.FetchedAt.UnixNano(), l.ExpiresAt.UnixNano())
	if err != nil {
		return storageErr("put lookup", err)
	}
	return nil
}

// GetLookup returns the cached lookup for lotName or ErrNotFound.
func (s *SQLStore) GetLookup(ctx context.Context, lotName string) (*model.CachedLotLookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM lot_lookups WHERE lot_name = ?`, lotName).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get lookup", err)
	}

	var l model.CachedLotLookup
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return nil, fmt.Errorf("failed to decode lookup %s: %w", lotName, err)
	}
	return &l, nil
}

// ListLookups returns every cached lookup ordered by lot name.
func (s *SQLStore) ListLookups(ctx context.Context) ([]*model.CachedLotLookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM lot_lookups ORDER BY lot_name`)
	if err != nil {
		return nil, storageErr("list lookups", err)
	}
	defer rows.Close()

	var out []*model.CachedLotLookup
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("list lookups", err)
		}
		var l model.CachedLotLookup
		if err := json.Unmarshal([]byte(payload), &l); err != nil {
			return nil, fmt.Errorf("failed to decode lookup: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list lookups", err)
	}
	return out, nil
}

// DeleteLookup removes the cached lookup for lotName.
func (s *SQLStore) DeleteLookup(ctx context.Context, lotName string) error {
	return s.deleteByKey(ctx, "delete lookup", "lot_lookups", "lot_name", lotName)
}

// --- submissions ---

// PutSubmission stores a pending submission. Scan lines keep their order.
func (s *SQLStore) PutSubmission(ctx context.Context, sub *model.PendingSubmission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.dialect.upsert("pending_submissions", "id", []string{"id", "project_id", "payload", "created_at"})
	if _, err := s.db.ExecContext(ctx, query, sub.ID, sub.ProjectID, string(payload), sub.CreatedAt.UnixNano()); err != nil {
		return storageErr("put submission", err)
	}
	return nil
}

// GetSubmission returns the pending submission id or ErrNotFound.
func (s *SQLStore) GetSubmission(ctx context.Context, id string) (*model.PendingSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM pending_submissions WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get submission", err)
	}

	var sub model.PendingSubmission
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		return nil, fmt.Errorf("failed to decode submission %s: %w", id, err)
	}
	return &sub, nil
}

// ListSubmissions returns pending submissions oldest first.
func (s *SQLStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*model.PendingSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT payload FROM pending_submissions`
	var args []interface{}
	if filter.ProjectID != 0 {
		query += ` WHERE project_id = ?`
		args = append(args, filter.ProjectID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list submissions", err)
	}
	defer rows.Close()

	var out []*model.PendingSubmission
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("list submissions", err)
		}
		var sub model.PendingSubmission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, fmt.Errorf("failed to decode submission: %w", err)
		}
		out = append(out, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list submissions", err)
	}
	return out, nil
}

// DeleteSubmission removes a pending submission.
func (s *SQLStore) DeleteSubmission(ctx context.Context, id string) error {
	return s.deleteByKey(ctx, "delete submission", "pending_submissions", "id", id)
}

// --- work items ---

// PutWorkItem upserts a work item.
func (s *SQLStore) PutWorkItem(ctx context.Context, item *model.SyncWorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode work item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.dialect.upsert("sync_work_items", "id",
		[]string{"id", "kind", "status", "retry_count", "payload", "created_at", "updated_at"})
	_, err = s.db.ExecContext(ctx, query,
		item.ID, string(item.Kind), string(item.Status), item.RetryCount, string(payload),
		item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano())
	if err != nil {
		return storageErr("put work item", err)
	}
	return nil
}

// GetWorkItem returns the work item id or ErrNotFound.
func (s *SQLStore) GetWorkItem(ctx context.Context, id string) (*model.SyncWorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sync_work_items WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get work item", err)
	}

	var item model.SyncWorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("failed to decode work item %s: %w", id, err)
	}
	return &item, nil
}

// ListWorkItems returns work items oldest first.
func (s *SQLStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*model.SyncWorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []interface{}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT payload FROM sync_work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list work items", err)
	}
	defer rows.Close()

	var out []*model.SyncWorkItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("list work items", err)
		}
		var item model.SyncWorkItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("failed to decode work item: %w", err)
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list work items", err)
	}
	return out, nil
}

// DeleteWorkItem removes a work item.
func (s *SQLStore) DeleteWorkItem(ctx context.Context, id string) error {
	return s.deleteByKey(ctx, "delete work item", "sync_work_items", "id", id)
}

// --- housekeeping ---

// PurgeExpired removes expired lookups, an expired auth record and stale
// lookup_refresh items.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time, maxWorkItemAge time.Duration) (PurgeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats PurgeStats
	cutoff := now.UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM lot_lookups WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return stats, storageErr("purge lookups", err)
	}
	stats.Lookups, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM auth_records WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return stats, storageErr("purge auth", err)
	}
	stats.Auth, _ = res.RowsAffected()

	if maxWorkItemAge > 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM sync_work_items WHERE kind = ? AND created_at < ?`,
			string(model.WorkLookupRefresh), now.Add(-maxWorkItemAge).UnixNano())
		if err != nil {
			return stats, storageErr("purge work items", err)
		}
		stats.WorkItems, _ = res.RowsAffected()
	}

	if stats.Total() > 0 {
		s.log.Debug("purged expired records",
			zap.Int64("lookups", stats.Lookups),
			zap.Int64("auth", stats.Auth),
			zap.Int64("work_items", stats.WorkItems))
	}
	return stats, nil
}

// Stats returns record counts.
func (s *SQLStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st StoreStats
	counts := []struct {
		dst   *int64
		query string
		args  []interface{}
	}{
		{&st.PendingSubmissions, `SELECT COUNT(*) FROM pending_submissions`, nil},
		{&st.WorkItems, `SELECT COUNT(*) FROM sync_work_items`, nil},
		{&st.HeldWorkItems, `SELECT COUNT(*) FROM sync_work_items WHERE status = ?`, []interface{}{string(model.WorkHeld)}},
		{&st.Lookups, `SELECT COUNT(*) FROM lot_lookups`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return st, storageErr("stats", err)
		}
	}
	return st, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) deleteByKey(ctx context.Context, op, table, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, key)
	if _, err := s.db.ExecContext(ctx, query, value); err != nil {
		return storageErr(op, err)
	}
	return nil
}
