package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"storefront-checkout/internal/config"
	"storefront-checkout/internal/db"
	"storefront-checkout/internal/exchange"
	"storefront-checkout/internal/httpserver"
	"storefront-checkout/internal/lock"
	"storefront-checkout/internal/payment"
	"storefront-checkout/internal/receipt"
	cartrepo "storefront-checkout/internal/repository/cart"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	orderrepo "storefront-checkout/internal/repository/order"
	productrepo "storefront-checkout/internal/repository/product"
	tokenrepo "storefront-checkout/internal/repository/token"
	"storefront-checkout/internal/seed"
)

type stores struct {
	products productrepo.Repository
	codes    offercoderepo.Repository
	carts    cartrepo.Repository
	orders   orderrepo.Repository
	tokens   tokenrepo.Repository
	// pinger is nil on memory storage.
	pinger httpserver.Pinger
	close  func()
}

func openStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.Storage {
	case "memory":
		carts := cartrepo.NewMemory()
		st := &stores{
			products: productrepo.NewMemory(),
			codes:    offercoderepo.NewMemory(),
			carts:    carts,
			orders:   orderrepo.NewMemory(carts),
			tokens:   tokenrepo.NewMemory(),
			close:    func() {},
		}
		if err := seed.Apply(ctx, st.products, st.codes); err != nil {
			return nil, fmt.Errorf("seed memory catalog: %w", err)
		}
		logger.Info().Msg("using in-memory storage with the demo catalog")
		return st, nil
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.Database())
		if err != nil {
			return nil, fmt.Errorf("connect to db: %w", err)
		}
		return postgresStores(pool, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

func postgresStores(pool *pgxpool.Pool, logger zerolog.Logger) *stores {
	return &stores{
		products: productrepo.NewPostgres(pool, &logger),
		codes:    offercoderepo.NewPostgres(pool, &logger),
		carts:    cartrepo.NewPostgres(pool, &logger),
		orders:   orderrepo.NewPostgres(pool, &logger),
		tokens:   tokenrepo.NewPostgres(pool, &logger),
		pinger:   pool,
		close:    pool.Close,
	}
}

type infra struct {
	locker   lock.Locker
	rates    *exchange.Cache
	payments payment.Executor
	receipts receipt.Dispatcher
	closers  []func() error
	logger   zerolog.Logger
}

// fallbackRates are used when no redis is configured. Units of each currency
// per 1 USD.
var fallbackRates = exchange.StaticSource{
	"usd": decimal.NewFromInt(1),
	"eur": decimal.RequireFromString("0.92"),
	"gbp": decimal.RequireFromString("0.79"),
	"jpy": decimal.RequireFromString("151.2"),
}

func openInfra(cfg config.Config, logger zerolog.Logger) *infra {
	in := &infra{logger: logger}

	var source exchange.Source = fallbackRates
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		in.closers = append(in.closers, client.Close)
		in.locker = lock.NewRedis(client, "lock:")
		source = exchange.NewRedisSource(client, cfg.RatesKey)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis for locks and rates")
	} else {
		in.locker = lock.NewMemory()
		logger.Warn().Msg("REDIS_ADDR not set; checkout locks are process-local")
	}
	in.rates = exchange.NewCache(source, cfg.RatesRefresh, logger)

	if cfg.StripeSecretKey != "" {
		in.payments = payment.NewStripe(cfg.StripeSecretKey, logger)
	} else {
		in.payments = payment.NewSimulated()
		logger.Warn().Msg("STRIPE_SECRET_KEY not set; payments are simulated")
	}

	if len(cfg.KafkaBrokers) > 0 {
		k := receipt.NewKafka(receipt.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.ReceiptTopic}, logger)
		in.closers = append(in.closers, k.Close)
		in.receipts = k
	} else {
		in.receipts = receipt.NewLog(logger)
	}
	return in
}

func (in *infra) close() {
	for _, c := range in.closers {
		if err := c(); err != nil {
			in.logger.Warn().Err(err).Msg("close")
		}
	}
}
