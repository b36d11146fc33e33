package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iurnickita/offerbilling/internal/auth"
	"github.com/iurnickita/offerbilling/internal/config"
	"github.com/iurnickita/offerbilling/internal/handler"
	"github.com/iurnickita/offerbilling/internal/logger"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/runlock"
	"github.com/iurnickita/offerbilling/internal/service"
	"github.com/iurnickita/offerbilling/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// блокировка цикла: redis для нескольких экземпляров, иначе в памяти процесса
	locker := runlock.NewLocal()
	if cfg.Cycle.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cycle.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = runlock.NewRedis(rdb)
	} else {
		zaplog.Warn("redis address is not set, billing cycle lock is local to the process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := metrics.New(reg)

	service, err := service.NewService(cfg.Service, cfg.Cycle, store, locker, metrics, zaplog)
	if err != nil {
		return err
	}
	service.Start(ctx)
	defer service.Stop()

	auth := auth.NewAuth(cfg.Handler.JWTSecret, cfg.Handler.ServiceToken)

	zaplog.Info("offerbilling started",
		zap.String("driver", cfg.Store.Driver),
		zap.String("cutover", cfg.Cycle.Cutover),
		zap.String("timezone", cfg.Cycle.Timezone),
	)
	return handler.Serve(ctx, cfg.Handler, auth, service, reg, zaplog)
}
