package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	app "docsync/internal/app"
	"docsync/internal/bus"
	"docsync/internal/engine"
	httpx "docsync/internal/http"
	"docsync/internal/session"
	"docsync/internal/store"
	"docsync/internal/ws"
	"docsync/pkg/metrics"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := app.NewLogger(cfg.Env, cfg.LogLevel)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Durable store (+ migrations for SQL drivers)
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("store.open", "driver", cfg.StoreDriver, "err", err)
		log.Fatal(err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	reg := session.NewRegistry(st, logger)
	presence := session.NewPresence(reg, logger)

	var opts []engine.Option
	var relay *bus.RedisBus
	if cfg.RedisBus {
		// Redis bus for fanout across instances
		relay, err = bus.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("redis connect", "err", err)
			log.Fatal(err)
		}
		defer relay.Close()
		opts = append(opts, engine.WithRelay(relay))
	}

	eng := engine.New(reg, st, m, logger, engine.Config{
		AutosaveDelay: cfg.AutosaveDelay,
		FlushOnEvict:  cfg.FlushOnEvict,
		StoreTimeout:  cfg.StoreTimeout,
	}, opts...)

	// WebSocket hub
	hub := ws.NewHub(logger, eng, presence, ws.Options{
		Origins:         cfg.Origins(),
		SendBuffer:      cfg.SendBuffer,
		PingInterval:    cfg.PingInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	if relay != nil {
		go hub.Run(ctx, relay)
	}

	// HTTP + WS router
	api := &httpx.DocsAPI{Registry: reg, Store: st, Log: logger}
	router := httpx.NewRouter(cfg, logger, hub, api, prometheus.DefaultGatherer)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// websocket handlers see the signal through their request context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "bus", cfg.RedisBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	// let websocket handlers run their leave + flush
	for hub.Connections() > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("server.shutdown.flush", "err", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("store.close", "err", err)
	}

	logger.Info("server.shutdown.complete")
	_ = os.Stdout.Sync()
}
