package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/db"
	"storefront-checkout/internal/migrate"
)

func main() {
	var (
		down    int
		version bool
	)
	flag.IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	flag.BoolVar(&version, "version", false, "Print the current schema version and exit")
	flag.Parse()

	cfg := config.FromEnv()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("svc", "migrate").Logger()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database())
	if err != nil {
		logger.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	switch {
	case version:
		st, err := migrate.Current(ctx, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("read schema version")
		}
		logger.Info().Uint("version", st.Version).Bool("dirty", st.Dirty).Bool("empty", st.Empty).Msg("schema version")
	case down > 0:
		if err := migrate.Rollback(ctx, pool, down); err != nil {
			logger.Fatal().Err(err).Int("steps", down).Msg("roll back migrations")
		}
		logger.Info().Int("steps", down).Msg("migrations rolled back")
	default:
		if err := migrate.Apply(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Msg("migrations applied")
	}
}
