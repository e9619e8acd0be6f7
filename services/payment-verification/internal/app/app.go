// services/payment-verification/internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/cache"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/config"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/jobs"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/notification"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/otp"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/service"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/database"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/redis"
)

// App holds the wired dependencies shared by the server, the CLI and the lambda.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    *repository.Store
	Cache    *cache.Cache
	OTPs     *otp.Store
	Notifier *notification.Notifier
	Service  *service.VerificationService
	Sweeper  *jobs.Sweeper

	redis  *redis.Client
	checks map[string]func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, checks: map[string]func(context.Context) error{}}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	cacheOpts := []cache.Option{cache.WithLogger(log.Named("cache"))}
	var sweepOpts []jobs.Option
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := a.redis.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.checks["redis"] = a.redis.Ping
		cacheOpts = append(cacheOpts, cache.WithRemote(a.redis, cfg.Redis.Prefix))
		sweepOpts = append(sweepOpts, jobs.WithLocker(a.redis))
	}
	a.Cache = cache.New(cacheOpts...)

	secure := logger.NewSecure(log)
	a.Notifier = notification.NewNotifier(notification.NewSender(cfg.Notification, log.Named("sms")), store.Tenants, secure)

	generator, err := otp.NewGenerator(cfg.OTP.Scheme, cfg.OTP.Length)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.OTPs = otp.NewStore(store.OTPs,
		otp.WithPolicy(cfg.OTP.Policy),
		otp.WithGenerator(generator),
		otp.WithAlertDispatcher(a.Notifier),
		otp.WithSecureLogger(secure),
	)

	a.Service = service.NewVerificationService(service.Deps{
		Payments: store.Payments,
		Tenants:  store.Tenants,
		OTPs:     a.OTPs,
		Cache:    a.Cache,
		Notifier: a.Notifier,
		Logger:   secure,
	},
		service.WithBatchSize(cfg.Verification.BatchSize),
		service.WithRetention(cfg.Verification.Retention),
		service.WithPaymentWindow(cfg.Verification.PaymentWindow),
	)

	a.Sweeper = jobs.NewSweeper(a.Service, cfg.Jobs.Config, log.Named("sweeper"), sweepOpts...)

	log.Info("application wired",
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("redis", a.redis != nil),
		zap.String("otp_scheme", cfg.OTP.Scheme))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (*repository.Store, error) {
	sc := a.Config.Store
	switch sc.Backend {
	case config.BackendBolt:
		return repository.NewBoltStore(sc.BoltPath)

	case config.BackendPostgres:
		db, err := database.NewPostgresDB(ctx, sc.DatabaseURL, database.PoolConfig{
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, db.DB); err != nil {
			db.Close()
			return nil, err
		}
		a.checks["postgres"] = db.PingContext
		return repository.NewPostgresStore(db.DB), nil

	case config.BackendMongo:
		db, err := database.NewMongoDB(ctx, sc.MongoURI, sc.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := repository.EnsureIndexes(ctx, db.Database); err != nil {
			db.Close()
			return nil, err
		}
		a.checks["mongo"] = db.Ping
		return repository.NewMongoStore(db.Database, db.Close), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

// Ready pings every networked dependency.
func (a *App) Ready(ctx context.Context) error {
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errList []error
	if a.redis != nil {
		errList = append(errList, a.redis.Close())
	}
	if a.Store != nil {
		errList = append(errList, a.Store.Close())
	}
	return errors.Join(errList...)
}
