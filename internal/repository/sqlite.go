package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	_ "modernc.org/sqlite"
)

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// sqlitePragmas apply to every pooled connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the pure-Go modernc driver, so no CGO is needed.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./afp.db"
	}

	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := openAndPing("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}

	// Each connection to :memory: is its own database.
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// sqliteDSN builds the modernc connection string. Transactions take the
// write lock on BEGIN so concurrent workers queue on busy_timeout instead
// of failing when a read transaction tries to upgrade.
func sqliteDSN(path string) string {
	dsn := "file:" + path + "?_txlock=immediate"
	for _, p := range sqlitePragmas {
		if path == memoryPath && p == "journal_mode(WAL)" {
			continue
		}
		dsn += "&_pragma=" + p
	}
	return dsn
}

// openAndPing opens driver and verifies the connection within 5 seconds.
func openAndPing(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}
