package main

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"RampSettle/internal/config"
	"RampSettle/internal/db"
	"RampSettle/internal/logging"
	"RampSettle/migrations"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.New("info").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level).With(zap.String("service", "migrate"))
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		logger.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(migrations.FS)
	if err != nil {
		logger.Fatal("list migrations failed", zap.Error(err))
	}

	for _, file := range files {
		log := logger.With(zap.String("file", file))
		applied, err := isApplied(ctx, pool, file)
		if err != nil {
			log.Fatal("check migration failed", zap.Error(err))
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, pool, migrations.FS, file); err != nil {
			log.Fatal("apply migration failed", zap.Error(err))
		}
		if err := markApplied(ctx, pool, file); err != nil {
			log.Fatal("mark migration failed", zap.Error(err))
		}
		log.Info("applied migration")
	}
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name := e.Name(); strings.HasSuffix(name, ".sql") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, file)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs one file in a transaction so a failed file leaves no partial schema.
func applyMigration(ctx context.Context, pool *db.Pool, fsys fs.FS, file string) error {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func markApplied(ctx context.Context, pool *db.Pool, file string) error {
	_, err := pool.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file)
	return err
}
