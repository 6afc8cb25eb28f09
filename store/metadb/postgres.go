package metadb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	contentdrop "github.com/wolfeidau/content-drop"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const locationConstraint = "content_records_location_key"

const recordColumns = `id, content_hash, location, file_name, content_type, size_bytes, owner_id, created_at, ttl_class`

// PostgresDB implements MetaDB on a PostgreSQL table. Hash uniqueness is
// enforced by a UNIQUE constraint.
type PostgresDB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to the database at dsn, applies pending migrations
// and returns a ready store. dsn must be a postgres:// URL.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	logger.Debug("opened postgres metadb",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
	)

	return &PostgresDB{pool: pool, logger: logger}, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("initialising migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("metadb migrations applied", "version", version, "dirty", dirty)
	return nil
}

// migrateURL rewrites a postgres URL to the scheme of the pgx5 migrate driver.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

// Close closes the connection pool.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Insert stores a new record unless its hash is already present.
func (p *PostgresDB) Insert(ctx context.Context, rec *contentdrop.ContentRecord) (*contentdrop.ContentRecord, error) {
	if rec == nil || rec.Hash.IsZero() {
		return nil, fmt.Errorf("inserting record: missing content hash")
	}
	if !rec.TTL.Valid() {
		return nil, fmt.Errorf("inserting record: invalid ttl class %d", rec.TTL)
	}

	stored := *rec
	// TIMESTAMPTZ keeps microseconds; match what reads return.
	stored.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	err := p.pool.QueryRow(ctx, `
		INSERT INTO content_records (content_hash, location, file_name, content_type, size_bytes, owner_id, created_at, ttl_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id`,
		stored.Hash[:], stored.Location, stored.FileName, stored.ContentType,
		stored.Size, nullableOwner(stored.OwnerID), stored.CreatedAt, int16(stored.TTL),
	).Scan(&stored.ID)
	if err != nil {
		// ON CONFLICT DO NOTHING returns no row for an existing hash
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateHash
		}
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == locationConstraint {
				return nil, ErrLocationTaken
			}
			return nil, ErrDuplicateHash
		}
		return nil, fmt.Errorf("inserting record: %w", err)
	}
	return &stored, nil
}

// GetByHash retrieves a record by content hash.
func (p *PostgresDB) GetByHash(ctx context.Context, hash contentdrop.Hash) (*contentdrop.ContentRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM content_records WHERE content_hash = $1`, hash[:])
	return scanOne(row)
}

// GetByID retrieves a record by id.
func (p *PostgresDB) GetByID(ctx context.Context, id uint64) (*contentdrop.ContentRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM content_records WHERE id = $1`, int64(id)) //nolint:gosec // ids come from BIGSERIAL
	return scanOne(row)
}

// ListCreatedBefore returns records of one ttl class created at or before the
// given instant, oldest first.
func (p *PostgresDB) ListCreatedBefore(ctx context.Context, ttl contentdrop.TTLClass, before time.Time, limit int) ([]*contentdrop.ContentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM content_records
		WHERE ttl_class = $1 AND created_at <= $2
		ORDER BY created_at, id`
	args := []any{int16(ttl), before.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var recs []*contentdrop.ContentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes a record. Missing records are ignored.
func (p *PostgresDB) Delete(ctx context.Context, id uint64) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM content_records WHERE id = $1`, int64(id)); err != nil { //nolint:gosec // ids come from BIGSERIAL
		return fmt.Errorf("deleting record %d: %w", id, err)
	}
	return nil
}

// ForEach streams every record in ID order.
func (p *PostgresDB) ForEach(ctx context.Context, fn func(*contentdrop.ContentRecord) error) error {
	rows, err := p.pool.Query(ctx, `SELECT `+recordColumns+` FROM content_records ORDER BY id`)
	if err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats aggregates records per ttl class in the database.
func (p *PostgresDB) Stats(ctx context.Context) (*Stats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT ttl_class, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM content_records
		GROUP BY ttl_class`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var (
			ttl   int16
			count int64
			bytes int64
		)
		if err := rows.Scan(&ttl, &count, &bytes); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats.add(contentdrop.TTLClass(ttl), int(count), bytes) //nolint:gosec // ttl classes fit in a byte
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*contentdrop.ContentRecord, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*contentdrop.ContentRecord, error) {
	var (
		rec   contentdrop.ContentRecord
		id    int64
		hash  []byte
		owner *string
		ttl   int16
	)
	if err := row.Scan(&id, &hash, &rec.Location, &rec.FileName, &rec.ContentType, &rec.Size, &owner, &rec.CreatedAt, &ttl); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	h, err := contentdrop.HashFromBytes(hash)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", id, err)
	}
	rec.ID = uint64(id) //nolint:gosec // BIGSERIAL is positive
	rec.Hash = h
	rec.TTL = contentdrop.TTLClass(ttl) //nolint:gosec // ttl classes fit in a byte
	rec.CreatedAt = rec.CreatedAt.UTC()
	if owner != nil {
		rec.OwnerID = *owner
	}
	return &rec, nil
}

func nullableOwner(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

// uniqueViolation reports whether err is a PostgreSQL unique_violation and
// names the violated constraint.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// Compile-time interface check
var _ MetaDB = (*PostgresDB)(nil)
