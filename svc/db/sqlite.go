package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"rawtext/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	cleanupBatchSize    = 100
	maxCleanupBatches   = 10000
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn applies the connection pragmas to every pooled connection, not just
// the first one.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate"
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return domain.ErrStorageUnavailable.Wrap(ErrCircuitOpen)
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraint(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *SQLite) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "exec %q", pragma)
		}
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		sealed BLOB,
		sealed_key BLOB,
		language TEXT,
		visibility TEXT NOT NULL DEFAULT 'unlisted',
		password_salt TEXT,
		password_digest TEXT,
		burn_after_read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		views INTEGER NOT NULL DEFAULT 0,
		requester_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_created_at ON pastes(created_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_visibility ON pastes(visibility);
	`
	_, err := s.db.Exec(query)
	return err
}

// storeErr classifies a driver error for the engine.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsErr(err); ok {
		return err
	}
	return domain.ErrStorageUnavailable.Wrap(errors.Wrap(err, op))
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, sealed, sealed_key, language, visibility, password_salt, password_digest,
		burn_after_read, created_at, expires_at, views, requester_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Content, p.Sealed, p.SealedKey, nullString(p.Language), string(p.Visibility),
		emptyNull(p.PasswordSalt), emptyNull(p.PasswordDigest), p.BurnAfterRead,
		p.CreatedAt.UnixNano(), nullTime(p.ExpiresAt), p.Views, emptyNull(p.RequesterHash),
	)
	s.recordError(err)
	if isConstraint(err) {
		return domain.ErrConflict.Wrap(err)
	}
	return storeErr(err, "db insert")
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, sealed, sealed_key, language, visibility, password_salt, password_digest,
		burn_after_read, created_at, expires_at, views, requester_hash
	FROM pastes WHERE id = ?
	`
	var (
		p                              domain.Paste
		language, salt, digest, reqHsh sql.NullString
		visibility                     string
		createdAt                      int64
		expiresAt                      sql.NullInt64
	)
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &p.Content, &p.Sealed, &p.SealedKey, &language, &visibility, &salt, &digest,
		&p.BurnAfterRead, &createdAt, &expiresAt, &p.Views, &reqHsh,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, storeErr(err, "db get")
	}
	if language.Valid {
		l := language.String
		p.Language = &l
	}
	p.Visibility = domain.Visibility(visibility)
	p.PasswordSalt = salt.String
	p.PasswordDigest = digest.String
	p.RequesterHash = reqHsh.String
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		p.ExpiresAt = &t
	}
	return &p, nil
}

func (s *SQLite) IncrViews(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `UPDATE pastes SET views = views + 1 WHERE id = ?`, id)
	s.recordError(err)
	return storeErr(err, "incr views")
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.Claim(ctx, id)
	return err
}

// Claim deletes the row and reports whether this call removed it.
func (s *SQLite) Claim(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, storeErr(err, "delete paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err, "delete paste rows")
	}
	return n == 1, nil
}

func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	for i := 0; i < maxCleanupBatches; i++ {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, now.UnixNano(), cleanupBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, storeErr(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatchSize {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func emptyNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
