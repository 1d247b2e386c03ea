// Command migrate applies the exchange's PostgreSQL schema.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/config"
	"github.com/atmx/outcome-exchange/internal/logging"
	"github.com/atmx/outcome-exchange/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DB.URL == "" {
		fmt.Fprintln(os.Stderr, "Usage: DATABASE_URL=postgres://... migrate")
		os.Exit(1)
	}

	log, err := logging.New("outcome-exchange-migrate", cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	log.Info("schema applied")
}
