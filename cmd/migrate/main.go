// Command migrate applies the durable queue schema to PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/workqueue/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Backend.DatabaseURL == "" {
		logger.Fatal("WORKQUEUE_BACKEND_DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Backend.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()

	files, err := migrationFiles(*dir)
	if err != nil {
		logger.Fatal("list migrations", zap.Error(err))
	}

	for _, path := range files {
		migration, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("read migration file", zap.String("file", path), zap.Error(err))
		}
		if _, err := pool.Exec(ctx, string(migration)); err != nil {
			logger.Fatal("apply migration", zap.String("file", path), zap.Error(err))
		}
		logger.Info("migration applied", zap.String("file", path))
	}

	logger.Info("migrations applied successfully", zap.Int("count", len(files)))
}

// migrationFiles returns the .sql files in dir in lexical order.
func migrationFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}
