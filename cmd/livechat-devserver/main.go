package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/config"
	"github.com/gastownhall/livechat/internal/devserver"
	"github.com/gastownhall/livechat/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadDevServer()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("livechat-devserver", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: livechat-devserver [flags]\n\n")
		fmt.Fprintf(os.Stderr, "In-memory chat backend for local development. Serves the /ws channel,\n")
		fmt.Fprintf(os.Stderr, "the /api/chat REST endpoints, /metrics and /up.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  livechat-devserver\n")
		fmt.Fprintf(os.Stderr, "  livechat-devserver --listen :9090 --auth-token SECRET\n")
	}
	listen := flags.String("listen", cfg.Listen, "HTTP/WebSocket listen address")
	authToken := flags.String("auth-token", cfg.AuthToken, "optional auth token (Bearer token or ?token=...)")
	allowedOrigins := flags.String("allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "comma-separated origin patterns for WebSocket CORS")
	logLevel := flags.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var origins []string
	for _, o := range strings.Split(*allowedOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}

	log, err := logging.New(*logLevel, "stderr")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv := devserver.New(devserver.Config{
		AuthToken:      *authToken,
		OriginPatterns: origins,
		Logger:         log,
	})
	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("devserver_listening", zap.String("addr", *listen), zap.Strings("origins", origins))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", *listen, err)
		}
		return nil
	case sig := <-sigCh:
		log.Info("devserver_stopping", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.CloseClients()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
