package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/opswell/hookrelay/internal/api"
	"github.com/opswell/hookrelay/internal/config"
	"github.com/opswell/hookrelay/internal/db"
	"github.com/opswell/hookrelay/internal/delivery"
	"github.com/opswell/hookrelay/internal/health"
	"github.com/opswell/hookrelay/internal/idempotency"
	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/metrics"
	"github.com/opswell/hookrelay/internal/subscription"
	"github.com/opswell/hookrelay/internal/tenant"
	"github.com/opswell/hookrelay/internal/tracing"
)

const reconcileBatch = 100

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("relayd")

	shutdownTracing, err := tracing.InitTracing(ctx, "relayd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	// domain wiring
	reg := subscription.NewPostgresRegistry(pool)
	store := delivery.NewPostgresStore(pool)
	idemStore := idempotency.NewPostgresStore(pool)

	exec := delivery.NewExecutor(store, nil, delivery.TimerScheduler{}, cfg.Delivery, logger)
	if cfg.Delivery.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		exec = exec.WithDeadLetter(producer, cfg.NSQ.DLQTopic)
		logger.Plain().WithField("topic", cfg.NSQ.DLQTopic).Info("dead letter publishing enabled")
	}
	dispatcher := delivery.NewDispatcher(reg, store, exec, logger)

	// tenant resolution: trusted header first, bearer token when a key
	// is configured
	var validator *tenant.JWTValidator
	if cfg.Auth.JWTPublicKeyPEM != "" {
		validator, err = tenant.NewJWTValidator(cfg.Auth.JWTPublicKeyPEM, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("invalid JWT public key")
		}
	}
	resolver := tenant.NewResolver(validator, cfg.Auth.RequireTenant)

	guard := idempotency.NewGuard(idemStore,
		idempotency.Hasher{IncludeQuery: cfg.Idempotency.IncludeQuery},
		resolver.FromRequest, cfg.Idempotency.TTL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	api.NewService(reg, store, dispatcher, guard, logger).Routes(mux)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: resolver.Middleware(mux),
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("relayd HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("relayd HTTP server failed")
		}
	}()

	// background jobs: resume stalled retry chains after a restart,
	// purge expired idempotency records
	reconciler := delivery.NewReconciler(store, reg, exec, logger)
	jobs := cron.New()
	_, err = jobs.AddFunc("@every "+cfg.Jobs.ReconcileEvery.String(), func() {
		jobCtx, cancel := context.WithTimeout(ctx, cfg.Jobs.ReconcileEvery)
		defer cancel()
		restarted, err := reconciler.Sweep(jobCtx, reconcileBatch)
		if err != nil {
			logger.Plain().WithError(err).Error("reconcile sweep failed")
			return
		}
		if restarted > 0 {
			logger.Plain().WithField("restarted", restarted).Info("resumed stalled deliveries")
		}
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to schedule reconcile job")
	}
	_, err = jobs.AddFunc("@every "+cfg.Jobs.PurgeEvery.String(), func() {
		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := idemStore.DeleteExpired(jobCtx, time.Now().UTC())
		if err != nil {
			logger.Plain().WithError(err).Error("idempotency purge failed")
			return
		}
		if n > 0 {
			logger.Plain().WithField("purged", n).Info("purged expired idempotency records")
		}
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to schedule purge job")
	}
	jobs.Start()

	logger.Plain().Info("relayd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down relayd")
	cronCtx := jobs.Stop()
	<-cronCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relayd stopped")
}
