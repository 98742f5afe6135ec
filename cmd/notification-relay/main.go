package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/config"
	"github.com/hackgods/clinic-scheduling-billing/internal/db"
	"github.com/hackgods/clinic-scheduling-billing/internal/logger"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
)

const batchSize = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.AMQPURL == "" {
		log.Fatal("AMQP_URL is required for the notification relay")
	}

	log.Info("notification relay starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("exchange", cfg.AMQPExchange),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	// Connect RabbitMQ
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatal("amqp connection error", zap.Error(err))
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Warn("error closing amqp connection", zap.Error(err))
		}
	}()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	publisher, err := notify.NewAMQPPublisher(conn, cfg.AMQPExchange)
	if err != nil {
		log.Fatal("amqp publisher error", zap.Error(err))
	}
	defer publisher.Close()
	log.Info("connected to RabbitMQ")

	relay := notify.NewRelay(notify.NewPgRepository(pgPool), publisher, batchSize, log.Named("relay"))

	// Run once at startup
	runOnce(rootCtx, relay, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping notification relay")
			return
		case amqpErr := <-closed:
			// exit non-zero so the supervisor restarts us with a fresh connection
			log.Fatal("amqp connection lost", zap.Any("reason", amqpErr))
		case <-ticker.C:
			runOnce(rootCtx, relay, log)
		}
	}
}

func runOnce(ctx context.Context, relay *notify.Relay, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := relay.RunOnce(runCtx)
	if err != nil {
		log.Error("relay run error", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("relay run complete", zap.Int("published", n), zap.Duration("took", time.Since(start)))
	}
}
