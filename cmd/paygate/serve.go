package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/events/kafka"
	x402http "github.com/nacorid/x402-paygate/http"
	ginx402 "github.com/nacorid/x402-paygate/http/gin"
	"github.com/nacorid/x402-paygate/replay"
	"github.com/nacorid/x402-paygate/validation"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "paygate.yaml", "Path to the YAML configuration file")
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	guard := replay.NewGuard(store,
		replay.WithGrace(cfg.Grace),
		replay.WithOperationTimeout(cfg.Timeouts.ReplayTimeout),
		replay.WithLogger(logger))

	client := x402http.NewFacilitatorClient(cfg.Facilitator.URL, cfg.Timeouts)
	client.Authorization = cfg.Facilitator.Authorization
	checkSupported(ctx, client, cfg, logger)

	gateOpts := []x402http.GateOption{
		x402http.WithLogger(logger),
		x402http.WithValidator(newValidator(cfg)),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		publisher := kafka.NewPublisher(producer, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		gateOpts = append(gateOpts, x402http.WithCallback(publisher.Callback()))
	}

	registry := paygate.NewRegistry()
	for path, req := range cfg.Requirements {
		if err := registry.Register(path, req); err != nil {
			return fmt.Errorf("route %s: %w", path, err)
		}
	}
	gate := x402http.NewGate(registry, guard, client, gateOpts...)

	router, err := newRouter(cfg, gate)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting payment gate", "addr", cfg.Server.Addr, "facilitator", cfg.Facilitator.URL,
			"store", cfg.Replay.Store, "routes", len(cfg.Routes))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.SettleTimeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(w io.Writer, cfg *ParsedConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newValidator(cfg *ParsedConfig) *validation.Validator {
	var opts []validation.Option
	for scheme, rule := range cfg.AmountRules {
		opts = append(opts, validation.WithAmountRule(scheme, rule))
	}
	return validation.New(opts...)
}

// openStore returns the configured replay store and a func releasing it.
// Memory and SQL stores get a janitor purging expired reservations.
func openStore(ctx context.Context, cfg *ParsedConfig, logger *slog.Logger) (replay.Store, func(), error) {
	switch cfg.Replay.Store {
	case "redis":
		store, err := replay.OpenRedisStore(ctx, cfg.Replay.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres", "mysql":
		store, err := replay.OpenSQLStore(ctx, replay.Dialect(cfg.Replay.Store), cfg.Replay.DSN)
		if err != nil {
			return nil, nil, err
		}
		store.WithLogger(logger).StartJanitor(ctx, cfg.JanitorInterval)
		return store, func() { _ = store.Close() }, nil
	default:
		store := replay.NewMemoryStore(replay.WithMemoryLogger(logger))
		store.StartJanitor(ctx, cfg.JanitorInterval)
		return store, func() {}, nil
	}
}

// checkSupported warns about routes the facilitator does not advertise.
// An unreachable facilitator is not fatal at startup.
func checkSupported(ctx context.Context, client *x402http.FacilitatorClient, cfg *ParsedConfig, logger *slog.Logger) {
	supported, err := client.Supported(ctx)
	if err != nil {
		logger.Warn("failed to query facilitator capabilities", "error", err)
		return
	}
	reqs := make([]paygate.PaymentRequirement, 0, len(cfg.Requirements))
	for _, req := range cfg.Requirements {
		reqs = append(reqs, req)
	}
	for _, req := range x402http.Unsupported(supported, reqs) {
		logger.Warn("facilitator does not support route", "resource", req.Resource,
			"scheme", req.Scheme, "network", req.Network)
	}
}

func newRouter(cfg *ParsedConfig, gate *x402http.Gate) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	paid := r.Group("/", ginx402.NewX402Middleware(gate))
	for _, route := range cfg.Routes {
		handler, err := routeHandler(route)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Path, err)
		}
		paid.Any(route.Path, handler)
	}
	return r, nil
}

// routeHandler proxies paid requests to the route's upstream, or answers
// with the settlement when the route has none.
func routeHandler(route Route) (gin.HandlerFunc, error) {
	if route.Upstream == "" {
		return func(c *gin.Context) {
			record := ginx402.GetSettlementFromContext(c)
			c.JSON(http.StatusOK, gin.H{
				"resource":    route.Path,
				"transaction": record.Transaction,
				"network":     record.Network,
				"payer":       record.Payer,
			})
		}, nil
	}

	target, err := url.Parse(route.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	return gin.WrapH(proxy), nil
}
