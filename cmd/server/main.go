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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veil-waf/veil-go/internal/audit"
	"github.com/veil-waf/veil-go/internal/config"
	"github.com/veil-waf/veil-go/internal/db"
	"github.com/veil-waf/veil-go/internal/geoip"
	"github.com/veil-waf/veil-go/internal/metrics"
	"github.com/veil-waf/veil-go/internal/pipeline"
	"github.com/veil-waf/veil-go/internal/server"
	tlsmgr "github.com/veil-waf/veil-go/internal/tls"
	"github.com/veil-waf/veil-go/internal/wafengine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the proxy configuration file")
	overlayListen := flag.String("listen-override", "", "JSON literal overlaying server.listen, e.g. '\"0.0.0.0:9443\"'")
	flag.Parse()

	logger := server.SetupLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	overlay := map[string]string{}
	if *overlayListen != "" {
		overlay["server.listen"] = *overlayListen
	}
	cfg, err := config.LoadWithOverlay(*configPath, overlay)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}
	for _, diff := range cfg.AppliedOverlays {
		logger.Info("applied config overlay", "path", diff.Path, "previous", diff.Previous, "new", diff.New)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditSink, err := buildAuditSink(ctx, cfg.Waf.AuditLog, logger)
	if err != nil {
		logger.Error("failed to set up audit sink", "err", err)
		os.Exit(1)
	}
	defer auditSink.Close()

	wafEngine, err := buildWafEngine(cfg.Waf, logger)
	if err != nil {
		logger.Error("failed to build WAF engine", "err", err)
		os.Exit(1)
	}

	var geoLookup geoip.Lookup
	if cfg.GeoIP.Enabled {
		mm, err := geoip.OpenMaxMindLookup(cfg.GeoIP.DBPath)
		if err != nil {
			logger.Warn("geoip lookup disabled: failed to open database", "path", cfg.GeoIP.DBPath, "err", err)
		} else {
			defer mm.Close()
			geoLookup = mm
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p, err := pipeline.New(cfg, wafEngine, geoLookup, m, auditSink, logger)
	if err != nil {
		logger.Error("failed to build request pipeline", "err", err)
		os.Exit(1)
	}
	p.StartBackgroundWorkers(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      http.HandlerFunc(p.ServeHTTP),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var certManager *tlsmgr.CertManager
	if cfg.Server.TLS != nil && cfg.Server.TLS.AutoTLS {
		certManager = tlsmgr.NewCertManager(cfg.Routes, logger)
	}

	adminRouter := chi.NewRouter()
	adminRouter.Use(middleware.Recoverer)
	adminRouter.Use(middleware.RequestID)
	adminRouter.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if cfg.Server.Admin.Dashboard {
		adminRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	adminSrv := &http.Server{
		Addr:        cfg.Server.Admin.Listen,
		Handler:     adminRouter,
		ReadTimeout: 15 * time.Second,
	}

	go server.RunWithRecovery(ctx, logger, "admin-server", func(ctx context.Context) {
		logger.Info("admin server starting", "listen", cfg.Server.Admin.Listen)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "err", err)
		}
	})

	go func() {
		hupCh := make(chan os.Signal, 1)
		signal.Notify(hupCh, syscall.SIGHUP)
		for range hupCh {
			if err := p.ReloadReputation(); err != nil {
				logger.Warn("reputation reload failed, previous lists stay live", "err", err)
			}
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "err", err)
		}
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "err", err)
		}
	}()

	logger.Info("server starting", "listen", cfg.Server.Listen, "routes", len(cfg.Routes), "upstreams", len(cfg.Upstreams))
	switch {
	case certManager != nil:
		err = certManager.ListenAndServe(srv.Handler)
	case cfg.Server.TLS != nil:
		err = srv.ListenAndServeTLS(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
	default:
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func buildWafEngine(cfg config.WafConfig, logger *slog.Logger) (wafengine.Engine, error) {
	directives := wafengine.BuildDirectives(cfg.Rules, cfg.RequestBodyLimit, logger)
	return wafengine.NewCorazaEngine(directives)
}

// buildAuditSink constructs the audit.Sink named by cfg, defaulting to a
// no-op sink when audit logging is disabled.
func buildAuditSink(ctx context.Context, cfg config.AuditLogConfig, logger *slog.Logger) (audit.Sink, error) {
	if !cfg.Enabled {
		return audit.NopSink{}, nil
	}
	switch cfg.Backend {
	case "postgres":
		return db.Connect(ctx, cfg.DSN, logger)
	default:
		return audit.NewFileSink(cfg.Path, logger)
	}
}
