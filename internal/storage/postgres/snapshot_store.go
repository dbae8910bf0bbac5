// Package postgres records snapshot manifests in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/croc/internal/prerender"
)

const (
	defaultTable  = "snapshots"
	columnsPerRow = 8
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SnapshotStoreConfig controls the Postgres connection pool used for manifest rows.
type SnapshotStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// SnapshotStore writes one row per captured route.
type SnapshotStore struct {
	pool  execCloser
	table string
	newID func() (uuid.UUID, error)
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore using the provided config.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SnapshotStore{pool: pool, table: table, newID: uuid.NewV7}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(pool execCloser, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: name, newID: uuid.NewV7}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordSnapshots inserts every artifact of a run in a single statement so
// the manifest for a run is either complete or absent.
func (s *SnapshotStore) RecordSnapshots(ctx context.Context, runID string, artifacts []prerender.Artifact) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(artifacts) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(artifacts))
	args := make([]any, 0, len(artifacts)*columnsPerRow)
	for i, a := range artifacts {
		id, err := s.newID()
		if err != nil {
			return fmt.Errorf("generate row id: %w", err)
		}
		base := i * columnsPerRow
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			id.String(),
			runID,
			a.Route,
			a.Location,
			a.Digest,
			a.Bytes,
			a.CapturedAt,
			a.Duration.Milliseconds(),
		)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	route,
	location,
	sha256,
	bytes,
	captured_at,
	duration_ms
) VALUES %s`, s.table, strings.Join(placeholders, ",\n\t"))

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}
