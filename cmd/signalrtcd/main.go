// Command signalrtcd is the host service entrypoint: it loads
// configuration, opens the embedded store, wires the SIP core and the
// WebRTC Signal Relay, and serves both until an OS signal requests
// shutdown.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/signalrtc/internal/config"
	"github.com/flowpbx/signalrtc/internal/metrics"
	"github.com/flowpbx/signalrtc/internal/sip"
	"github.com/flowpbx/signalrtc/internal/store"
	"github.com/flowpbx/signalrtc/internal/webrtcsignal"

	"log/slog"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting signalrtc",
		"http_port", cfg.HTTPPort,
		"sip_listen_port", cfg.SIPListenPort,
		"sip_tls_listen_port", cfg.SIPTlsListenPort,
		"data_dir", cfg.DataDir,
	)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repos := sip.Repositories{
		Domains:   store.NewDomainRepository(db),
		Accounts:  store.NewAccountRepository(db),
		Bindings:  store.NewBindingRepository(db),
		Dialplans: store.NewDialplanRepository(db),
		CDRs:      store.NewCDRRepository(db),
		SIPCalls:  store.NewSIPCallRepository(db),
	}
	signals := store.NewWebRTCSignalRepository(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	var tlsCert *tls.Certificate
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Error("failed to load tls certificate", "error", err)
			os.Exit(1)
		}
		tlsCert = &cert
	}

	sipSrv, err := sip.NewServer(appCtx, sip.ServerConfig{
		Hostname:              contactHostname(cfg),
		SIPListenPort:         cfg.SIPListenPort,
		SIPTlsListenPort:      cfg.SIPTlsListenPort,
		TLSCertificate:        tlsCert,
		PublicContactHostname: cfg.PublicContactHostname,
		PublicContactIPv4:     cfg.PublicContactIPv4,
		PublicContactIPv6:     cfg.PublicContactIPv6,
		PrivateSubnets:        cfg.PrivateSubnets,
		RegisterWorkers:       cfg.RegisterWorkers,
		InviteWorkers:         cfg.InviteWorkers,
		SubscribeWorkers:      cfg.SubscribeWorkers,
	}, repos, logger)
	if err != nil {
		logger.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		logger.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	relay := webrtcsignal.New(signals, logger)
	relayHandler := webrtcsignal.NewServer(relay, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		sipSrv.CallManager(),
		repos.Bindings,
		sipSrv.AbuseFilter(),
		sipSrv,
		relay,
		time.Now(),
	))

	mux := http.NewServeMux()
	mux.Handle("/api/webrtcsignal/", relayHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down servers")
	sipSrv.Stop()
	relayHandler.Stop()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("signalrtc stopped")
}

// contactHostname picks the hostname the SIP user agent advertises,
// preferring the public Contact hostname when configured.
func contactHostname(cfg *config.Config) string {
	if cfg.PublicContactHostname != "" {
		return cfg.PublicContactHostname
	}
	if cfg.SIPDomain != "" {
		return cfg.SIPDomain
	}
	return "signalrtc"
}
