package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/credit"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/httpserver"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/metrics"
	"github.com/tokligence/credit-gateway/internal/pricing"
	"github.com/tokligence/credit-gateway/internal/proxy"
	"github.com/tokligence/credit-gateway/internal/storage"
	"github.com/tokligence/credit-gateway/internal/upstream"
	"github.com/tokligence/credit-gateway/internal/version"
)

func main() {
	root := os.Getenv("CREDITGW_CONFIG_ROOT")
	cfg, err := config.Load(root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logCloser, err := logging.Setup(cfg.LogFile, "[creditd] ", logging.DefaultMaxBytes)
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer logCloser.Close()
	log.Printf("credit gateway %s environment=%s", version.FullInfo(), cfg.Environment)

	ledgerStore, err := storage.OpenLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	auditBase, err := storage.OpenAudit(cfg)
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	collector := metrics.NewCollector()
	auditStore := storage.BufferedAudit(auditBase, cfg, collector.AuditDropped, collector.AuditFailed)
	defer func() {
		if err := auditStore.Close(); err != nil {
			log.Printf("close audit store: %v", err)
		}
	}()

	recorder := audit.NewLogger(auditStore, logging.New("[creditd/audit] "))
	recorder.OnFailure(collector.AuditFailed)

	resolver := pricing.New(ledgerStore, cfg.DefaultRequestCost, logging.New("[creditd/pricing] "))
	gate := credit.NewGate(ledgerStore, resolver)

	if cfg.UpstreamBaseURL == "" {
		log.Printf("WARNING: upstream_base_url is not set; proxied requests will fail with 500")
	}
	forwarder := upstream.NewForwarder(upstream.Config{
		BaseURL:      cfg.UpstreamBaseURL,
		APIKey:       cfg.UpstreamAPIKey,
		AuthHeader:   cfg.UpstreamAuthHeader,
		AuthScheme:   cfg.UpstreamAuthScheme,
		Timeout:      cfg.UpstreamTimeout,
		StripHeaders: []string{cfg.APIKeyHeader},
	})

	handler := proxy.New(gate, forwarder, recorder, proxy.Config{
		Prefix:       cfg.ProxyPrefix,
		APIKeyHeader: cfg.APIKeyHeader,
		MaxBodyBytes: cfg.MaxRequestBody,
		Logger:       logging.New("[creditd/proxy] "),
		Debug:        cfg.LogLevel == "debug",
		Observer:     collector,
	})

	checker := health.New(health.Config{
		Databases:   map[string]health.Pinger{"ledger_db": ledgerStore, "audit_db": auditBase},
		UpstreamURL: cfg.UpstreamBaseURL,
	})

	httpSrv := httpserver.New(httpserver.Options{
		Proxy:        handler,
		ProxyPrefix:  handler.Prefix(),
		APIKeyHeader: cfg.APIKeyHeader,
		Accounts:     ledgerStore,
		Stats:        auditStore,
		Health:       checker,
		Metrics:      collector,
	})
	httpSrv.SetLogger(cfg.LogLevel, logging.New("[creditd/http] "))

	log.Printf("proxy mounted at %s -> %s (fallback cost %s, timeout %s)",
		handler.Prefix(), forwarder.BaseURL(), pricing.Format(resolver.Fallback()), cfg.UpstreamTimeout)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Responses wait on the upstream, so the write deadline has to outlast it.
		WriteTimeout: cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("credit gateway listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigs:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("http server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
