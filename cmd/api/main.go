package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/httpserver"
	cartsvc "storefront-checkout/internal/service/cart"
	checkoutsvc "storefront-checkout/internal/service/checkout"
	guestsvc "storefront-checkout/internal/service/guest"
	"storefront-checkout/internal/service/order"
	productsvc "storefront-checkout/internal/service/product"
)

func main() {
	cfg := config.FromEnv()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	defer st.close()

	infra := openInfra(cfg, logger)
	defer infra.close()
	go infra.rates.Run(ctx)

	carts := cartsvc.New(st.carts, st.products, st.codes,
		cartsvc.WithLogger(logger),
		cartsvc.WithRates(infra.rates),
	)
	splitter := order.NewSplitter(st.orders, st.codes, infra.payments, infra.receipts,
		order.WithLogger(logger),
		order.WithChargeTimeout(cfg.ChargeTimeout),
		order.WithConcurrency(cfg.ChargeConcurrency),
	)
	checkout := checkoutsvc.New(st.carts, st.products, st.codes, infra.locker, splitter,
		checkoutsvc.WithLogger(logger),
		checkoutsvc.WithLockTTL(cfg.LockTTL),
	)
	guests := guestsvc.New(st.tokens,
		guestsvc.WithLogger(logger),
		guestsvc.WithTTL(cfg.GuestTokenTTL),
	)

	srv, err := httpserver.New(cfg.HTTPAddr, logger, st.pinger, httpserver.Deps{
		Carts:       carts,
		Checkout:    checkout,
		Guests:      guests,
		Catalog:     productsvc.New(st.products),
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init server")
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stopCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		logger.Info().Msg("server stopped")
	}
	stop()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("svc", "api").Logger()
}
