package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccgw/gateway/internal/apikey"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/httpserver"
	"github.com/ccgw/gateway/internal/logging"
	"github.com/ccgw/gateway/internal/metrics"
	"github.com/ccgw/gateway/internal/reqlog"
	"github.com/ccgw/gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config file (yaml)")
	flag.Parse()

	envOverrides, err := config.LoadEnv()
	if err != nil {
		logging.NewStderr().Errorf("parse environment: %v", err)
		os.Exit(1)
	}
	path := *configPath
	if path == "" {
		path = envOverrides.ConfigPath
	}
	if path == "" {
		path = "config.yaml"
	}

	bootLog := logging.NewStderr()
	manager, err := config.NewManager(path, bootLog.Std())
	if err != nil {
		bootLog.Errorf("load config %s: %v", path, err)
		os.Exit(1)
	}
	snap := manager.Snapshot()
	envOverrides.Apply(snap)
	manager.Update(snap)

	logSink := io.WriteCloser(nopWriteCloser{os.Stderr})
	if snap.Server.LogFile != "" && snap.Server.LogFile != "-" {
		sink, err := logging.NewRotatingWriter(snap.Server.LogFile, 64<<20)
		if err != nil {
			bootLog.Errorf("open log file %s: %v", snap.Server.LogFile, err)
			os.Exit(1)
		}
		logSink = sink
	}
	defer logSink.Close()

	logger := logging.New(logSink, logging.ParseLevel(snap.Server.LogLevel))
	logger.Infof("starting cc-gw %s addr=%s providers=%d", version.FullInfo(), snap.Server.Addr, len(snap.Providers))

	keys, err := apikey.NewSQLite(snap.Keys.Path, snap.Keys.WildcardEnabled)
	if err != nil {
		logger.Errorf("open key store: %v", err)
		os.Exit(1)
	}
	defer keys.Close()

	logs, err := openRequestLog(snap, logger)
	if err != nil {
		logger.Errorf("open request log: %v", err)
		os.Exit(1)
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aggregator := reqlog.NewAggregator(logs, logger.Std())
	if err := aggregator.Start(ctx); err != nil {
		logger.Errorf("start aggregator: %v", err)
		os.Exit(1)
	}
	defer aggregator.Stop()

	go func() {
		if err := manager.Watch(ctx); err != nil && err != context.Canceled {
			logger.Warnf("config watch stopped: %v", err)
		}
	}()

	m := metrics.New()
	gw := httpserver.New(manager, keys, logs, m, logger)

	// No WriteTimeout: SSE responses stay open far longer than any fixed
	// deadline would allow.
	srv := &http.Server{
		Addr:              snap.Server.Addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", snap.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutdown signal received")
	case err := <-errCh:
		logger.Errorf("http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("graceful shutdown: %v", err)
	}
	logger.Infof("stopped")
}

// openRequestLog builds the configured store, optionally wrapped with the
// asynchronous writer.
func openRequestLog(snap *config.Snapshot, logger *logging.Logger) (reqlog.Store, error) {
	var store reqlog.Store
	var err error
	switch snap.Store.Driver {
	case "postgres":
		store, err = reqlog.NewPostgres(snap.Store.DSN)
	default:
		store, err = reqlog.NewSQLite(snap.Store.Path)
	}
	if err != nil {
		return nil, err
	}
	if snap.Store.Async {
		store = reqlog.NewAsync(store, reqlog.AsyncConfig{
			QueueSize: snap.Store.QueueSize,
			Logger:    logger.Std(),
		})
	}
	return store, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
