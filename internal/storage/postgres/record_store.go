// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

//go:embed schema.sql
var schemaSQL string

var schemaTmpl = template.Must(template.New("schema").Parse(schemaSQL))

// RecordStoreConfig controls the Postgres connection pool used for records.
type RecordStoreConfig struct {
	DSN string
	// Table holds the latest version of each record.
	Table string
	// HistoryTable, when set, receives every distinct version.
	HistoryTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// RecordStore writes normalized records idempotently.
type RecordStore struct {
	pool    pool
	table   string
	history string
	clock   extract.Clock

	upsertSQL  string
	historySQL string
	getSQL     string
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig, clock extract.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table, cfg.HistoryTable, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table, history string, clock extract.Clock) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if history != "" && !validTableName.MatchString(history) {
		return nil, fmt.Errorf("invalid history table name %q", history)
	}
	s := &RecordStore{pool: p, table: table, history: history, clock: clock}
	s.upsertSQL = fmt.Sprintf(`
INSERT INTO %[1]s (source_domain, external_id, fields, version_hash, source_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (source_domain, external_id) DO UPDATE
SET fields = EXCLUDED.fields,
	version_hash = EXCLUDED.version_hash,
	source_url = EXCLUDED.source_url,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.version_hash IS DISTINCT FROM EXCLUDED.version_hash
RETURNING (xmax = 0) AS inserted`, table)
	s.historySQL = fmt.Sprintf(`
INSERT INTO %s (source_domain, external_id, version_hash, fields, source_url, observed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_domain, external_id, version_hash) DO NOTHING`, history)
	s.getSQL = fmt.Sprintf(`
SELECT fields, version_hash, source_url, created_at, updated_at
FROM %s
WHERE source_domain = $1 AND external_id = $2`, table)
	return s, nil
}

// EnsureSchema creates the record tables when they are missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	var ddl bytes.Buffer
	if err := schemaTmpl.Execute(&ddl, struct{ Table, HistoryTable string }{s.table, s.history}); err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, ddl.String()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Upsert writes rec unless the stored version hash already matches. A replay
// of the same content leaves the row, including updated_at, untouched.
func (s *RecordStore) Upsert(ctx context.Context, rec extract.NormalizedRecord) (extract.WriteResult, error) {
	if rec.SourceDomain == "" || rec.ExternalID == "" {
		return extract.WriteUnchanged, fmt.Errorf("record key is required")
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return extract.WriteUnchanged, fmt.Errorf("marshal fields: %w", err)
	}
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return extract.WriteUnchanged, fmt.Errorf("begin upsert: %w", err)
	}

	var inserted bool
	err = tx.QueryRow(ctx, s.upsertSQL,
		rec.SourceDomain, rec.ExternalID, fields, rec.VersionHash, rec.SourceURL, now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return extract.WriteUnchanged, fmt.Errorf("rollback unchanged upsert: %w", rbErr)
		}
		return extract.WriteUnchanged, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return extract.WriteUnchanged, fmt.Errorf("upsert record: %w", err)
	}

	if s.history != "" {
		if _, err := tx.Exec(ctx, s.historySQL,
			rec.SourceDomain, rec.ExternalID, rec.VersionHash, fields, rec.SourceURL, now,
		); err != nil {
			_ = tx.Rollback(ctx)
			return extract.WriteUnchanged, fmt.Errorf("insert record version: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return extract.WriteUnchanged, fmt.Errorf("commit upsert: %w", err)
	}
	if inserted {
		return extract.WriteCreated, nil
	}
	return extract.WriteUpdated, nil
}

// GetRecord returns the latest stored version or extract.ErrNotFound.
func (s *RecordStore) GetRecord(ctx context.Context, domain, externalID string) (extract.StoredRecord, error) {
	var (
		raw []byte
		out extract.StoredRecord
	)
	err := s.pool.QueryRow(ctx, s.getSQL, domain, externalID).Scan(
		&raw, &out.VersionHash, &out.SourceURL, &out.CreatedAt, &out.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return extract.StoredRecord{}, fmt.Errorf("record %s/%s: %w", domain, externalID, extract.ErrNotFound)
	}
	if err != nil {
		return extract.StoredRecord{}, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(raw, &out.Fields); err != nil {
		return extract.StoredRecord{}, fmt.Errorf("decode record fields: %w", err)
	}
	out.SourceDomain = domain
	out.ExternalID = externalID
	return out, nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
