package persistence

import (
	"FCashLedger/internal/observability"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID is the pg advisory lock key held while migrating, so two
// ledgers starting together do not race on the schema.
const migrationLockID = 0x46434153484c4544 // "FCASHLED"

var (
	ErrMigrationName     = errors.New("migrator: file is not {version}_{name}.up|down.sql")
	ErrMigrationPair     = errors.New("migrator: up migration without down")
	ErrMigrationVersion  = errors.New("migrator: duplicate version")
	ErrMigrationModified = errors.New("migrator: applied migration was modified")
)

// Migration is one schema step.
type Migration struct {
	Version  int
	Name     string
	Up       string
	Down     string
	Checksum string
}

// Migrator applies the migrations in an fs.FS (normally migrations.FS) in
// version order and records each one with the checksum of its up script.
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
	logger     zerolog.Logger
}

func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{
		db:         db,
		migrations: fsys,
		logger:     observability.NewLogger("migrator"),
	}
}

// Plan reads and validates every migration in fsys, ordered by version.
func Plan(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, direction, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("%w: %d (%s, %s)", ErrMigrationVersion, version, m.Name, name)
		}
		if direction == "up" {
			m.Up = string(content)
			sum := sha256.Sum256(content)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = string(content)
		}
	}

	plan := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("%w: %06d_%s", ErrMigrationPair, m.Version, m.Name)
		}
		plan = append(plan, *m)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

// parseMigrationName splits "000001_event_log.up.sql".
func parseMigrationName(filename string) (version int, name, direction string, err error) {
	base := strings.TrimSuffix(filename, ".sql")
	switch {
	case strings.HasSuffix(base, ".up"):
		direction = "up"
	case strings.HasSuffix(base, ".down"):
		direction = "down"
	default:
		return 0, "", "", fmt.Errorf("%w: %s", ErrMigrationName, filename)
	}
	base = strings.TrimSuffix(base, "."+direction)

	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", "", fmt.Errorf("%w: %s", ErrMigrationName, filename)
	}
	version, err = strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("%w: %s", ErrMigrationName, filename)
	}
	return version, name, direction, nil
}

// Up applies all pending migrations. An applied migration whose up script
// changed since it ran is an error.
func (m *Migrator) Up(ctx context.Context) error {
	plan, err := Plan(m.migrations)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range plan {
			if sum, ok := applied[mig.Version]; ok {
				if sum != mig.Checksum {
					return fmt.Errorf("%w: %06d_%s", ErrMigrationModified, mig.Version, mig.Name)
				}
				continue
			}
			if err := runMigration(ctx, conn, mig.Up,
				`INSERT INTO public.fcash_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum,
			); err != nil {
				return fmt.Errorf("migration %06d_%s: %w", mig.Version, mig.Name, err)
			}
			m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	plan, err := Plan(m.migrations)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version int
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.fcash_schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		idx := sort.Search(len(plan), func(i int) bool { return plan[i].Version >= version })
		if idx == len(plan) || plan[idx].Version != version {
			return fmt.Errorf("migrator: no down script for applied version %d", version)
		}
		mig := plan[idx]
		if err := runMigration(ctx, conn, mig.Down,
			`DELETE FROM public.fcash_schema_migrations WHERE version = $1`, version,
		); err != nil {
			return fmt.Errorf("roll back %06d_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrator connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, int64(migrationLockID)); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(migrationLockID))

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.fcash_schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[int]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.fcash_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// runMigration executes script and the bookkeeping statement in one
// transaction.
func runMigration(ctx context.Context, conn *sql.Conn, script, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
