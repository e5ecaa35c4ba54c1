// cmd/gateway-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolgate/internal/gateway"
	"toolgate/internal/policy"
	"toolgate/internal/pool"
	"toolgate/internal/ratelimit"
	"toolgate/pkg/config"
	"toolgate/pkg/credentials"
	"toolgate/pkg/db"
	"toolgate/pkg/logger"
	"toolgate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pgPool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var store credentials.Store
	if pgPool != nil {
		store = credentials.NewPostgresStore(pgPool, log)
		if err := credentials.EnsureSchema(context.Background(), pgPool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := credentials.SeedFromEnv(context.Background(), pgPool, os.Getenv("GATE_CREDENTIAL_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
	} else {
		store = credentials.NewMemoryStoreFromEnv(log)
	}

	refresher := credentials.NewRefresher(store, cfg, log)
	launcher := &pool.ExecLauncher{
		Command:      cfg.WorkerCommand,
		APIBaseURL:   cfg.WorkerAPIBaseURL,
		StartTimeout: cfg.WorkerStartTimeout,
		Log:          log,
	}
	workers := pool.New(refresher, launcher, cfg.PoolIdleLimit, cfg.PoolReapInterval, log)

	limiter := ratelimit.New(rdb, cfg.RateLimit, cfg.RateWindow, log)

	eng, err := policy.New(cfg.PolicyFile, log)
	if err != nil {
		log.Fatalw("policy", "file", cfg.PolicyFile, "err", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Use(middleware.WithTenant())
	r.Use(middleware.RateLimit(limiter))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	gateway.Register(r, workers, eng, log)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	workers.Shutdown(ctx)
	fmt.Println("gateway-service stopped")
}
