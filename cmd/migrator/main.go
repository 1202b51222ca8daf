package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"blobgate/pkg/config"
	"blobgate/pkg/logging"
	"blobgate/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type migrationTx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type beginFunc func(ctx context.Context) (migrationTx, error)

type migratorDB interface {
	migrationDB
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Testable variables for main()
var (
	logFatalf               = log.Fatalf
	lookupEnv config.Lookup = os.LookupEnv
	openDBFn                = openPostgres
)

func openPostgres(ctx context.Context, lookup config.Lookup) (migratorDB, error) {
	pool, err := store.NewPostgresPool(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := runMigrator(ctx, lookupEnv, openDBFn); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func runMigrator(ctx context.Context, lookup config.Lookup, openDB func(context.Context, config.Lookup) (migratorDB, error)) error {
	level, _ := lookup("LOG_LEVEL")
	env, _ := lookup("ENVIRONMENT")
	logger, err := logging.New(level, env)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = logger.Sync() }()

	pool, err := openDB(ctx, lookup)
	if err != nil {
		return errors.Wrap(err, "db")
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	dir, ok := lookup("MIGRATIONS_DIR")
	if !ok || strings.TrimSpace(dir) == "" {
		dir = "migrations"
	}
	begin := func(ctx context.Context) (migrationTx, error) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	return runMigrations(ctx, pool, begin, dir, nil, nil, logger)
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", errors.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// runMigrations applies every *.sql file in migrationsDir once, in name
// order, each in its own transaction. A missing directory is not an error.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	begin beginFunc,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logger *zap.Logger,
) error {
	if db == nil || begin == nil {
		return errors.New("db required")
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	logger = logging.OrNop(logger)

	migrationsDir = filepath.Clean(migrationsDir)
	if _, err := os.Stat(migrationsDir); errors.Is(err, fs.ErrNotExist) {
		logger.Info("no migrations directory, built-in schema only", zap.String("dir", migrationsDir))
		return nil
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return errors.Wrap(err, "glob migrations")
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return err
		}
		name := filepath.Base(cleanFile)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return errors.Wrap(err, "migration lookup")
		}
		if exists {
			continue
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		tx, err := begin(ctx)
		if err != nil {
			return errors.Wrap(err, "begin migration tx")
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return errors.Wrapf(err, "apply migration %s", name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return errors.Wrapf(err, "mark migration %s", name)
		}
		if err := tx.Commit(ctx); err != nil {
			return errors.Wrapf(err, "commit migration %s", name)
		}
		applied++
		logger.Info("applied migration", zap.String("file", name))
	}
	logger.Info("migrations complete", zap.Int("files", len(files)), zap.Int("applied", applied))
	return nil
}
