package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/3xpluto/edgeway/internal/auth"
	"github.com/3xpluto/edgeway/internal/config"
	"github.com/3xpluto/edgeway/internal/configbus"
	"github.com/3xpluto/edgeway/internal/gateway"
	"github.com/3xpluto/edgeway/internal/logging"
	"github.com/3xpluto/edgeway/internal/middleware"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/proxy"
	"github.com/3xpluto/edgeway/internal/ratelimit"
	"github.com/3xpluto/edgeway/internal/telemetry"
	"github.com/3xpluto/edgeway/internal/upstream"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := configbus.New(log)

	// Subscribe every consumer before anything is published. Publish drops
	// on a full 16-slot mailbox rather than blocking, so if the static
	// catalog below were seeded before each actor's goroutine existed to
	// drain its mailbox, a catalog larger than the buffer (or the
	// ConfigReady marker itself) could be silently lost.
	authUpdates, authID := bus.Subscribe()
	aclUpdates, aclID := bus.Subscribe()
	rlUpdates, rlID := bus.Subscribe()
	hdrUpdates, hdrID := bus.Subscribe()
	logUpdates, logID := bus.Subscribe()
	upstreamUpdates, upstreamID := bus.Subscribe()
	defer bus.Unsubscribe(authID)
	defer bus.Unsubscribe(aclID)
	defer bus.Unsubscribe(rlID)
	defer bus.Unsubscribe(hdrID)
	defer bus.Unsubscribe(logID)
	defer bus.Unsubscribe(upstreamID)

	if cfg.ConfigSourceURL != "" {
		src, err := configbus.FromURL(cfg.ConfigSourceURL, log)
		if err != nil {
			log.Error("failed to build config source", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go func() {
			if err := bus.Run(ctx, src); err != nil && ctx.Err() == nil {
				log.Error("config source stopped", slog.String("error", err.Error()))
			}
		}()
	}

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           3 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
	})
	upstreamClient := &http.Client{Transport: transport}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	authn := auth.New(authUpdates)
	acl := middleware.NewACL(aclUpdates)
	rateLimit := middleware.NewRateLimit(rlUpdates)
	header := middleware.NewHeader(hdrUpdates)
	logger := middleware.NewLogger(logUpdates, metrics)

	// The rate-limit mirror is optional: it only ever backs the
	// /-/limits admin endpoint, never the allow/deny decision itself.
	var mirror *ratelimit.Mirror
	if addr := os.Getenv("GATEWAY_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		mirror = ratelimit.NewMirror(rdb)
		rateLimit = rateLimit.WithMirror(mirror)
		defer mirror.Close()
	}

	registry := upstream.NewRegistry(upstreamClient, metrics)
	go func() {
		for u := range upstreamUpdates {
			registry.ApplyUpdate(u)
		}
	}()
	dispatch := middleware.NewDispatch(registry)

	// Every subscriber's actor goroutine (auth.New, middleware.NewACL, ...)
	// and the registry pump above are running now, so it's safe to publish
	// the static catalog: nothing can still be sitting in an unread
	// mailbox to overflow.
	for _, svc := range cfg.Services {
		svcCopy := svc
		bus.Publish(model.ConfigUpdate{Kind: model.UpdateService, Service: &svcCopy})
	}
	for _, c := range cfg.Clients {
		cCopy := c
		bus.Publish(model.ConfigUpdate{Kind: model.UpdateClient, Client: &cCopy})
	}
	bus.Publish(model.ConfigUpdate{Kind: model.UpdateConfigReady, Ready: true})

	stack := []pipeline.Handle{
		acl.Handle(),
		rateLimit.Handle(),
		header.Handle(),
		logger.Handle(),
		dispatch.Handle(),
	}

	gw := gateway.New(log, authn, stack, registry, metrics, os.Getenv("GATEWAY_ADMIN_KEY"), mirror)
	mux := gw.Mux(reg)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("gateway listening", slog.String("addr", cfg.ListenAddr))
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}
