package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/handler"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/router"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/application"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/memory"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/notify"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/postgres"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/rabbitmq"
	redisinfra "github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/redis"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// infra は外部依存への接続をまとめたもの
type infra struct {
	db      *sqlx.DB
	redis   *goredis.Client
	store   reservation.Store
	locks   *redisinfra.LockManager
	cache   *redisinfra.ScheduleCache
	closers []func()
}

func (i *infra) close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
}

// connect は設定に従ってストアと Redis に接続する
// 本番以外では Redis に接続できなくてもロックとキャッシュなしで動作する
func connect(cfg *config.Config, m *metrics.Metrics) (*infra, error) {
	in := &infra{}

	switch cfg.App.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("インメモリストアで起動します（再起動で予約は失われます）")
		in.store = memory.NewReservationStore()
	case config.StoreDriverPostgres:
		db, err := postgres.NewConnection(&cfg.Database)
		if err != nil {
			return nil, err
		}
		in.db = db
		in.closers = append(in.closers, func() { db.Close() })
		in.store = postgres.NewReservationStore(db)
	default:
		return nil, fmt.Errorf("不明な STORE_DRIVER です: %q", cfg.App.StoreDriver)
	}

	if cfg.Redis.Enabled() {
		rc, err := redisinfra.NewClient(&cfg.Redis)
		if err != nil && cfg.App.IsProduction() {
			in.close()
			return nil, err
		}
		if err != nil {
			logger.Warn("Redisに接続できないため、ロックとキャッシュなしで起動します", zap.Error(err))
		} else {
			in.redis = rc
			in.closers = append(in.closers, func() { rc.Close() })
			in.locks = redisinfra.NewLockManager(rc, m)
			in.cache = redisinfra.NewScheduleCache(rc, redisinfra.DefaultScheduleTTL)
		}
	}
	return in, nil
}

// newNotifier は AMQP_URL があれば RabbitMQ、なければログ出力の Notifier を返す
func newNotifier(cfg *config.NotificationConfig) (reservation.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		return notify.NewLogNotifier(logger.Named("notify")), func() {}, nil
	}
	p, err := rabbitmq.Connect(cfg.AMQPURL, cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { p.Close() }, nil
}

func newDispatcher(cfg *config.NotificationConfig, m *metrics.Metrics) (*worker.NotificationDispatcher, func(), error) {
	notifier, closeNotifier, err := newNotifier(cfg)
	if err != nil {
		return nil, nil, err
	}
	d := worker.NewNotificationDispatcher(notifier, worker.DispatcherConfig{
		Buffer:      cfg.Buffer,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Metrics:     m,
	})
	return d, closeNotifier, nil
}

func serviceOptions(cfg *config.Config, in *infra, m *metrics.Metrics) []application.Option {
	opts := []application.Option{
		application.WithHoldDuration(cfg.Hold.Duration),
		application.WithSweepBatch(cfg.Hold.SweepBatch),
		application.WithMetrics(m),
	}
	if in.cache != nil {
		opts = append(opts, application.WithScheduleCache(in.cache))
	}
	return opts
}

func sweeperOptions(in *infra, m *metrics.Metrics) []worker.SweeperOption {
	opts := []worker.SweeperOption{worker.WithSweepMetrics(m)}
	if in.locks != nil {
		opts = append(opts, worker.WithLeaderLock(in.locks))
	}
	return opts
}

func readinessChecks(in *infra) []handler.ReadinessCheck {
	var checks []handler.ReadinessCheck
	if in.db != nil {
		db := in.db
		checks = append(checks, handler.ReadinessCheck{Name: "database", Check: func(ctx context.Context) error {
			return postgres.Ping(ctx, db)
		}})
	}
	if in.redis != nil {
		rc := in.redis
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisinfra.Ping(ctx, rc)
		}})
	}
	return checks
}

// runServe は ctx がキャンセルされるまでサーバーとワーカーを動かす
func runServe(ctx context.Context, cfg *config.Config) error {
	m := metrics.Init()

	in, err := connect(cfg, m)
	if err != nil {
		return err
	}
	defer in.close()

	dispatcher, closeNotifier, err := newDispatcher(&cfg.Notification, m)
	if err != nil {
		return err
	}
	defer closeNotifier()

	opts := append(serviceOptions(cfg, in, m), application.WithDispatcher(dispatcher))
	var timers *application.ExpiryTimers
	if cfg.Hold.TimersEnabled {
		timers = application.NewExpiryTimers()
		opts = append(opts, application.WithExpiryTimers(timers))
	}
	svc := application.NewReservationService(in.store, opts...)

	sweeper := worker.NewExpiredHoldSweeper(svc, cfg.Hold.SweepInterval, sweeperOptions(in, m)...)

	e := router.New(router.Handlers{
		Hold:        handler.NewHoldHandler(svc, nil),
		Reservation: handler.NewReservationHandler(svc),
		Health:      handler.NewHealthHandler(readinessChecks(in)...),
	}, router.Options{
		Metrics:     m,
		Gatherer:    prometheus.DefaultGatherer,
		MetricsAuth: cfg.Metrics,
		RateLimit:   cfg.RateLimit,
	})
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	// ワーカーはシグナルではなく Stop で止める
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	go dispatcher.Start(workerCtx)
	go sweeper.Start(workerCtx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("サーバーを起動します",
			zap.String("port", cfg.Server.Port),
			zap.String("env", cfg.App.Env),
			zap.String("store", cfg.App.StoreDriver),
			zap.Duration("hold_duration", cfg.Hold.Duration),
		)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("シャットダウンを開始します")
	case runErr = <-serverErr:
		logger.Error("サーバー起動エラー", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
	}

	// 新規の遷移が止まってから通知を配送し切る
	sweeper.Stop()
	if timers != nil {
		timers.Stop()
	}
	dispatcher.Stop()

	if runErr != nil {
		return runErr
	}
	logger.Info("サーバーが正常にシャットダウンしました")
	return nil
}

func runMigrate(cfg *config.Config) error {
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := postgres.RunMigrations(db.DB, cfg.App.MigrationsPath)
	if err != nil {
		return err
	}
	logger.Info("マイグレーションを適用しました", zap.Uint("version", version))
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config) error {
	m := metrics.Init()

	in, err := connect(cfg, m)
	if err != nil {
		return err
	}
	defer in.close()

	dispatcher, closeNotifier, err := newDispatcher(&cfg.Notification, m)
	if err != nil {
		return err
	}
	defer closeNotifier()
	go dispatcher.Start(context.WithoutCancel(ctx))

	svc := application.NewReservationService(in.store,
		append(serviceOptions(cfg, in, m), application.WithDispatcher(dispatcher))...)
	sweeper := worker.NewExpiredHoldSweeper(svc, cfg.Hold.SweepInterval, sweeperOptions(in, m)...)

	count, ran, err := sweeper.RunOnce(ctx)
	// 失効の通知を送り切ってから終了する
	dispatcher.Stop()
	if err != nil {
		return fmt.Errorf("スイープに失敗しました（失効 %d 件）: %w", count, err)
	}
	if !ran {
		logger.Info("他のインスタンスがスイープ中のためスキップしました")
		return nil
	}
	logger.Info("スイープが完了しました", zap.Int("expired", count))
	return nil
}
