package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Files embeds the schema migrations.
//
//go:embed *.sql
var Files embed.FS

const upSuffix = ".up.sql"

// Migrator is the subset of a pgx pool used to apply migrations.
type Migrator interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Versions lists the embedded up migrations in apply order.
func Versions() ([]string, error) {
	entries, err := fs.Glob(Files, "*"+upSuffix)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(entries))
	for _, name := range entries {
		versions = append(versions, strings.TrimSuffix(name, upSuffix))
	}
	sort.Strings(versions)
	return versions, nil
}

// Apply runs every pending up migration, each in its own transaction.
// It returns the versions applied by this call.
func Apply(ctx context.Context, conn Migrator) ([]string, error) {
	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("migrations: create schema_migrations: %w", err)
	}
	versions, err := Versions()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, version := range versions {
		ok, err := applyOne(ctx, conn, version)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, version)
		}
	}
	return applied, nil
}

func applyOne(ctx context.Context, conn Migrator, version string) (bool, error) {
	body, err := Files.ReadFile(version + upSuffix)
	if err != nil {
		return false, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("migrations: begin %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, version)
	if err != nil {
		return false, fmt.Errorf("migrations: record %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return false, fmt.Errorf("migrations: apply %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("migrations: commit %s: %w", version, err)
	}
	return true, nil
}
