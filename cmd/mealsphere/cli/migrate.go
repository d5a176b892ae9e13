package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mealsphere/mealsphere/internal/platform/db"
)

// Migrator lists and applies schema migrations.
type Migrator interface {
	Pending(ctx context.Context) ([]db.Migration, error)
	Apply(ctx context.Context) error
}

// PoolMigrator runs the bundled migrations against a Postgres pool.
type PoolMigrator struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// Pending implements Migrator.
func (m PoolMigrator) Pending(ctx context.Context) ([]db.Migration, error) {
	return db.PendingMigrations(ctx, m.Pool)
}

// Apply implements Migrator.
func (m PoolMigrator) Apply(ctx context.Context) error {
	return db.Migrate(ctx, m.Pool, m.Logger)
}

// MigrateOptions defines the flags of the migrate command.
type MigrateOptions struct {
	StatusOnly bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// MigrationStatus is the JSON shape printed by migrate --status --json.
type MigrationStatus struct {
	UpToDate bool     `json:"up_to_date"`
	Pending  []string `json:"pending"`
}

// MigrateCommand reports pending migrations and, unless StatusOnly is set, applies them.
// The exit code is 0 on success, 1 on error and 3 when --status finds pending migrations.
func MigrateCommand(ctx context.Context, m Migrator, opts MigrateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "migrate: %v\n", err)
		return 1
	}
	status := MigrationStatus{UpToDate: len(pending) == 0, Pending: make([]string, 0, len(pending))}
	for _, mig := range pending {
		status.Pending = append(status.Pending, fmt.Sprintf("%04d_%s", mig.Version, mig.Name))
	}

	if opts.StatusOnly {
		if opts.JSONOutput {
			if err := json.NewEncoder(opts.Stdout).Encode(status); err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "migrate: encode json: %v\n", err)
				return 1
			}
		} else {
			renderMigrationStatus(opts.Stdout, status)
		}
		if !status.UpToDate {
			return 3
		}
		return 0
	}

	if status.UpToDate {
		_, _ = fmt.Fprintln(opts.Stdout, "schema up to date")
		return 0
	}
	if err := m.Apply(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "applied %d migration(s)\n", len(status.Pending))
	return 0
}

func renderMigrationStatus(w io.Writer, status MigrationStatus) {
	if status.UpToDate {
		_, _ = fmt.Fprintln(w, "schema up to date")
		return
	}
	_, _ = fmt.Fprintf(w, "%d pending migration(s):\n", len(status.Pending))
	for _, name := range status.Pending {
		_, _ = fmt.Fprintf(w, "  %s\n", name)
	}
}
