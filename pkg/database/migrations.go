package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

const schemaMigrationsDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`

// parseMigrationName splits "001_initial.sql" into 1 and "initial"
func parseMigrationName(file string) (int, string, bool) {
	base := strings.TrimSuffix(file, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// loadMigrations returns the embedded migrations in version order
func loadMigrations() ([]Migration, error) {
	files, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		version, name, ok := parseMigrationName(path.Base(file))
		if !ok {
			continue
		}
		content, err := migrationFiles.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

// migrator applies pending migrations to one database file
type migrator struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

func (m *migrator) version() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// populated reports whether the file holds tables besides the migration table
func (m *migrator) populated() bool {
	var count int
	err := m.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'schema_migrations'
	`).Scan(&count)
	return err == nil && count > 0
}

// backup writes a consistent copy next to the database with VACUUM INTO
func (m *migrator) backup(fromVersion int) error {
	target := fmt.Sprintf("%s.backup-v%d-%s", m.path, fromVersion, time.Now().Format("20060102-150405"))
	if _, err := m.db.Exec("VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	m.logger.Info("created database backup", zap.String("file", filepath.Base(target)))
	return nil
}

func (m *migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Name, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// run applies everything newer than the recorded version. A database that
// already has tables is backed up first; a fresh file is not.
func (m *migrator) run() error {
	if _, err := m.db.Exec(schemaMigrationsDDL); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.version()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	pending := slices.DeleteFunc(all, func(mig Migration) bool { return mig.Version <= current })
	if len(pending) == 0 {
		m.logger.Debug("database is up to date", zap.Int("version", current))
		return nil
	}

	if current > 0 || m.populated() {
		if err := m.backup(current); err != nil {
			return err
		}
	}

	m.logger.Info("running pending migrations",
		zap.Int("count", len(pending)),
		zap.Int("from", current),
		zap.Int("to", pending[len(pending)-1].Version))

	for _, mig := range pending {
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("applied migration", zap.Int("version", mig.Version), zap.String("name", mig.Name))
	}
	return nil
}

func runMigrations(db *sql.DB, dbPath string, logger *zap.Logger) error {
	return (&migrator{db: db, path: dbPath, logger: logger}).run()
}
