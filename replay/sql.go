package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects the SQL flavor used by SQLStore.
type Dialect string

const (
	// DialectPostgres uses the pgx stdlib driver ("pgx").
	DialectPostgres Dialect = "postgres"

	// DialectMySQL uses go-sql-driver/mysql ("mysql").
	DialectMySQL Dialect = "mysql"
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "pgx"
}

type sqlQueries struct {
	create string
	clear  string
	insert string
	upsert string
	get    string
	del    string
	purge  string
}

var queriesByDialect = map[Dialect]sqlQueries{
	DialectPostgres: {
		create: `CREATE TABLE IF NOT EXISTS x402_nonces (
	nonce_key VARCHAR(128) PRIMARY KEY,
	record TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`,
		clear:  `DELETE FROM x402_nonces WHERE nonce_key = $1 AND expires_at <= $2`,
		insert: `INSERT INTO x402_nonces (nonce_key, record, expires_at) VALUES ($1, $2, $3)`,
		upsert: `INSERT INTO x402_nonces (nonce_key, record, expires_at) VALUES ($1, $2, $3) ON CONFLICT (nonce_key) DO UPDATE SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at`,
		get:    `SELECT record FROM x402_nonces WHERE nonce_key = $1 AND expires_at > $2`,
		del:    `DELETE FROM x402_nonces WHERE nonce_key = $1`,
		purge:  `DELETE FROM x402_nonces WHERE expires_at <= $1`,
	},
	DialectMySQL: {
		create: `CREATE TABLE IF NOT EXISTS x402_nonces (
	nonce_key VARCHAR(128) PRIMARY KEY,
	record TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`,
		clear:  `DELETE FROM x402_nonces WHERE nonce_key = ? AND expires_at <= ?`,
		insert: `INSERT INTO x402_nonces (nonce_key, record, expires_at) VALUES (?, ?, ?)`,
		upsert: `INSERT INTO x402_nonces (nonce_key, record, expires_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE record = VALUES(record), expires_at = VALUES(expires_at)`,
		get:    `SELECT record FROM x402_nonces WHERE nonce_key = ? AND expires_at > ?`,
		del:    `DELETE FROM x402_nonces WHERE nonce_key = ?`,
		purge:  `DELETE FROM x402_nonces WHERE expires_at <= ?`,
	},
}

// SQLStore is a Store backed by a relational table. Atomicity of SetNX
// comes from the primary key on nonce_key.
// Expiry times are stored as Unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	q       sqlQueries
	now     func() time.Time
	logger  *slog.Logger
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	q, ok := queriesByDialect[dialect]
	if !ok {
		return nil, fmt.Errorf("replay: unsupported sql dialect %q", dialect)
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		q:       q,
		now:     time.Now,
		logger:  slog.Default(),
	}, nil
}

// OpenSQLStore opens dsn with the dialect's driver, checks connectivity and
// creates the nonce table if needed.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	store, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// WithLogger sets the logger used by the janitor.
func (s *SQLStore) WithLogger(logger *slog.Logger) *SQLStore {
	s.logger = logger
	return s
}

// Migrate creates the nonce table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.create); err != nil {
		return fmt.Errorf("create x402_nonces: %w", err)
	}
	return nil
}

// SetNX implements Store. A stale row for key is cleared before the insert;
// a primary key violation on insert means the key is live.
func (s *SQLStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q.clear, key, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("clear stale nonce: %w", err)
	}

	_, err := s.db.ExecContext(ctx, s.q.insert, key, value, now.Add(ttl).UnixMilli())
	if err == nil {
		return true, nil
	}
	if isDuplicateKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("insert nonce: %w", err)
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if _, err := s.db.ExecContext(ctx, s.q.upsert, key, value, s.now().Add(ttl).UnixMilli()); err != nil {
		return fmt.Errorf("upsert nonce: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q.get, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select nonce: %w", err)
	}
	return value, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.del, key); err != nil {
		return fmt.Errorf("delete nonce: %w", err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.purge, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge nonces: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor purges expired rows every interval until ctx is done.
func (s *SQLStore) StartJanitor(ctx context.Context, interval time.Duration) {
	runJanitor(ctx, interval, s.logger, string(s.dialect), s.Purge)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// isDuplicateKey reports a unique violation from Postgres (23505) or MySQL (1062).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
