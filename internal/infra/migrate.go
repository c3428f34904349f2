package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

const migrationsSubdir = "db/migrations"

// RunMigrations brings the tracking schema up to the newest version in dir.
// An empty dir is resolved by searching upward from the working directory.
func RunMigrations(dsn, dir string, logger *slog.Logger) error {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve migrations dir: %w", err)
		}
		dir = findMigrationDir(wd)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), dsn)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}
	defer m.Close()

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("schema up to date", "version", from, "dir", dir)
		return nil
	case err != nil:
		return fmt.Errorf("migrate up from %d: %w", from, err)
	}

	to, dirty, _ := m.Version()
	logger.Info("schema migrated", "from", from, "to", to, "dirty", dirty, "dir", dir)
	return nil
}

// findMigrationDir returns the first db/migrations found in start or one
// of its parents, falling back to the relative path.
func findMigrationDir(start string) string {
	for dir := start; ; {
		candidate := filepath.Join(dir, filepath.FromSlash(migrationsSubdir))
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.FromSlash(migrationsSubdir)
		}
		dir = parent
	}
}
