// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/credentials"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MCOAP_"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
	}
	cfg, err := mcoap.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("mcoap", prometheus.DefaultRegisterer)
	var perClient *ratelimit.Limiter
	if cfg.RequestRateCapacity > 0 {
		perClient = ratelimit.NewLimiter(cfg.RequestRateCapacity, cfg.RequestRateRefill, cfg.RateLimitPeers)
	}
	var global *ratelimit.TokenBucket
	if cfg.GlobalRateCapacity > 0 {
		global = ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)
	}
	h := handler.RateLimited(simple.New(logger), perClient, global, m, logger)
	ccfg := cfg.Context(h, m)
	ccfg.Logger = logger
	c, err := coap.New(ccfg)
	if err != nil {
		logger.Error("failed to create CoAP context", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := setup(c, cfg, logger); err != nil {
		logger.Error("failed to start CoAP service", slog.String("error", err.Error()))
		c.Close()
		os.Exit(1)
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("coap", health.ContextCheck(c.Stats, cfg.MaxOutstanding))
	checker.Register("sessions", health.SessionsCheck(c.Stats, cfg.MaxSessions))

	// The IO loop owns the context from here on.
	g.Go(func() error {
		return serve(ctx, c, cfg.ShutdownTimeout, logger)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	startHTTP(ctx, g, "metrics", cfg.MetricsPort, metricsMux, logger)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", checker.HTTPHandler())
	healthMux.HandleFunc("/ready", checker.ReadinessHandler())
	healthMux.HandleFunc("/live", health.LivenessHandler())
	startHTTP(ctx, g, "health", cfg.HealthPort, healthMux, logger)

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mCoAP service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mCoAP service stopped")
}

func setup(c *coap.Context, cfg mcoap.Config, logger *slog.Logger) error {
	if err := c.AddResource(simple.NewHelloResource(cfg.Greeting)); err != nil {
		return err
	}

	if cfg.UDPAddress != "" {
		addr, err := mcoap.ParseAddress(cfg.UDPAddress)
		if err != nil {
			return err
		}
		if _, err := c.AddEndpointUDP(addr); err != nil {
			return err
		}
	}

	if cfg.DTLSAddress != "" {
		table, err := credentials.LoadTable(cfg.PSKFile)
		if err != nil {
			return err
		}
		if err := c.SetServerCredentialProvider(table); err != nil {
			return err
		}
		addr, err := mcoap.ParseAddress(cfg.DTLSAddress)
		if err != nil {
			return err
		}
		if _, err := c.AddEndpointDTLS(addr); err != nil {
			return err
		}
		logger.Info("DTLS credentials loaded",
			slog.String("file", cfg.PSKFile),
			slog.Int("identities", table.Len()))
	}
	return nil
}

// serve drives the IO loop until ctx is cancelled, then drains outstanding
// exchanges for at most drain.
func serve(ctx context.Context, c *coap.Context, drain time.Duration, logger *slog.Logger) error {
	for ctx.Err() == nil {
		if _, err := c.ProcessIO(100 * time.Millisecond); err != nil {
			logger.Error("IO processing failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("draining CoAP context", slog.Duration("max_wait", drain))
	if err := c.Shutdown(drain); err != nil {
		logger.Warn("shutdown did not drain cleanly", slog.String("error", err.Error()))
	}
	return nil
}

func startHTTP(ctx context.Context, g *errgroup.Group, name string, port int, h http.Handler, logger *slog.Logger) {
	if port == 0 {
		return
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
