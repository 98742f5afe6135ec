package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/api"
	"github.com/hackgods/clinic-scheduling-billing/internal/appointment"
	"github.com/hackgods/clinic-scheduling-billing/internal/audit"
	"github.com/hackgods/clinic-scheduling-billing/internal/billing"
	"github.com/hackgods/clinic-scheduling-billing/internal/config"
	"github.com/hackgods/clinic-scheduling-billing/internal/db"
	"github.com/hackgods/clinic-scheduling-billing/internal/directory"
	"github.com/hackgods/clinic-scheduling-billing/internal/logger"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
	"github.com/hackgods/clinic-scheduling-billing/internal/payment"
	redisclient "github.com/hackgods/clinic-scheduling-billing/internal/redis"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

var version = "dev"

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

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("gateway_mode", cfg.GatewayMode),
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

	migrateCtx, cancelMigrate := context.WithTimeout(rootCtx, 30*time.Second)
	err = db.Migrate(migrateCtx, pgPool)
	cancelMigrate()
	if err != nil {
		log.Fatal("schema migration error", zap.Error(err))
	}
	log.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	var gateway payment.Gateway = payment.NewSandboxGateway()
	if cfg.GatewayMode == "http" {
		gateway = payment.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
	}

	// Wiring
	dir := directory.NewPgDirectory(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	recorder := audit.NewRecorder(audit.NewPgRepository(pgPool), log.Named("audit"))
	notifications := notify.NewPgRepository(pgPool)
	dispatcher := notify.NewDispatcher(log.Named("notify"), notify.NewInboxHook(notifications, dir))

	apptRepo := appointment.NewPgRepository(pgPool)
	allocator := slots.NewAllocator(dir, apptRepo, slots.Config{
		SlotDuration: cfg.SlotDuration,
		DayStart:     cfg.DayStart,
		DayEnd:       cfg.DayEnd,
		Location:     cfg.Location,
	})

	reconciler := billing.NewReconciler(billing.NewPgRepository(pgPool), dir, dir, locker, recorder, billing.Config{
		BaseFee:     cfg.BaseFee,
		DiscountBPS: cfg.InsuranceDiscountBPS,
	}, log.Named("billing"))

	appointments := appointment.NewService(apptRepo, allocator, appointment.NewPolicy(cfg.CancelCutoff),
		reconciler, recorder, dispatcher, log.Named("appointment"))

	paymentRepo := payment.NewPgRepository(pgPool)
	receipts := payment.NewReceiptIssuer(paymentRepo, cfg.ReceiptSecret, log.Named("receipt"))
	payments := payment.NewService(paymentRepo, reconciler, dir, gateway, receipts, recorder, dispatcher, log.Named("payment"))

	router := api.NewRouter(api.RouterConfig{
		Appointments: appointments,
		Slots:        allocator,
		Billing:      reconciler,
		Payments:     payments,
		Patients:     directory.NewPatients(dir, recorder, log.Named("directory")),
		Audit:        recorder,
		Inbox:        notify.NewInbox(notifications),
		Postgres:     pgPool,
		Redis:        api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		Log:          log.Named("http"),
		JWTSecret:    []byte(cfg.JWTSecret),
		Location:     cfg.Location,
		RateLimit:    cfg.RateLimit,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
