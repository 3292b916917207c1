package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate applies embedded SQL migrations that are not yet recorded in
// schema_migrations. Files are applied in name order; the name prefix up to
// the first underscore is the version.
func (t *Tickets) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		applied, err := t.migrationApplied(ctx, version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		slog.Info("applying migration", "file", name, "version", version)

		if _, err := t.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}

		if _, err := t.pool.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING",
			version,
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// migrationApplied reports whether version is recorded. A missing
// schema_migrations table means nothing has been applied yet.
func (t *Tickets) migrationApplied(ctx context.Context, version int) (bool, error) {
	var tableExists bool
	if err := t.pool.QueryRow(ctx,
		"SELECT to_regclass('schema_migrations') IS NOT NULL",
	).Scan(&tableExists); err != nil {
		return false, fmt.Errorf("checking schema_migrations: %w", err)
	}
	if !tableExists {
		return false, nil
	}

	var exists bool
	if err := t.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
		version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking migration %d: %w", version, err)
	}
	return exists, nil
}
