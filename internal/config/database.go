package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLiteFile = "revoledger.db"
	memoryDatabase    = ":memory:"
)

// Database is a resolved database URL.
type Database struct {
	Driver string
	// DSN is the postgres URL or the sqlite file path.
	DSN string
}

// ResolveDatabase classifies dsn. postgres:// and postgresql:// URLs select Postgres; sqlite:// URLs and
// bare paths select SQLite. It does not touch the filesystem.
func ResolveDatabase(dsn string) (Database, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return Database{}, fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return Database{Driver: DriverPostgres, DSN: trimmed}, nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return Database{}, fmt.Errorf("%w: parse sqlite url: %v", ErrInvalidConfig, err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		return Database{Driver: DriverSQLite, DSN: path}, nil
	}
	return Database{Driver: DriverSQLite, DSN: trimmed}, nil
}

// PrepareSQLitePath creates the parent directory of a sqlite file.
func PrepareSQLitePath(path string) (string, error) {
	if path == memoryDatabase {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
