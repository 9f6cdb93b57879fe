// cmd/migrate/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/db"
	"github.com/unclebandit/campaign-engine/internal/logging"
)

// migrate applies the schema, then runs any seed files given as arguments or
// in SEED_FILES (comma separated), in order.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if err := run(context.Background(), cfg.DatabaseURL, seedFiles(), logger); err != nil {
		logger.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("database ready")
}

func seedFiles() []string {
	if len(os.Args) > 1 {
		return os.Args[1:]
	}
	var files []string
	for _, f := range strings.Split(os.Getenv("SEED_FILES"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

func run(ctx context.Context, dsn string, seeds []string, logger *slog.Logger) error {
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	for _, file := range seeds {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if err := db.Exec(ctx, conn, string(content)); err != nil {
			return fmt.Errorf("seed %s: %w", file, err)
		}
		logger.Info("seeded", slog.String("file", file))
	}
	return nil
}
