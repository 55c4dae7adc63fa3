package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/db"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	productrepo "storefront-checkout/internal/repository/product"
	"storefront-checkout/internal/seed"
)

func main() {
	cfg := config.FromEnv()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("svc", "seed").Logger()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database())
	if err != nil {
		logger.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := seed.Apply(ctx, productrepo.NewPostgres(pool, &logger), offercoderepo.NewPostgres(pool, &logger)); err != nil {
		logger.Fatal().Err(err).Msg("seed apply")
	}

	logger.Info().Int("products", len(seed.Products())).Int("codes", len(seed.Codes())).Msg("seed applied")
}
