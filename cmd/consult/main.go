package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/astromitra/consult/internal/api"
	"github.com/astromitra/consult/internal/app"
	"github.com/astromitra/consult/internal/consult"
	"github.com/astromitra/consult/internal/notifications"
	"github.com/astromitra/consult/internal/transport"
	"github.com/astromitra/consult/internal/wallet"
	"github.com/astromitra/consult/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("consult", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		configPath   string
		counterparty string
		ratePerMin   string
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")
	fs.StringVar(&counterparty, "counterparty", "", "Consultant id to start a chat with on launch")
	fs.StringVar(&ratePerMin, "rate", "", "Per-minute rate for the consultation")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Client.LogLevel, true); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if strings.TrimSpace(cfg.Client.Token) == "" {
		return errors.New("client.token must be configured")
	}
	if strings.TrimSpace(cfg.Client.UserID) == "" {
		return errors.New("client.user_id must be configured")
	}

	apiClient, err := api.NewClient(cfg.Client.APIBaseURL, cfg.Client.Token, cfg.Client.Timeout)
	if err != nil {
		return fmt.Errorf("initialise api client: %w", err)
	}

	walletSvc, err := wallet.NewService(apiClient, cfg.Session.MinimumReserveMinutes)
	if err != nil {
		return fmt.Errorf("initialise wallet service: %w", err)
	}

	channel, err := transport.NewChannel(transport.Options{
		URL:               cfg.Client.SocketURL,
		Token:             cfg.Client.Token,
		ConnectTimeout:    cfg.Socket.ConnectTimeout,
		ReconnectAttempts: cfg.Socket.ReconnectAttempts,
		ReconnectDelay:    cfg.Socket.ReconnectDelay,
		WriteTimeout:      cfg.Socket.WriteTimeout,
		PongTimeout:       cfg.Socket.PongTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialise realtime channel: %w", err)
	}

	engine, err := consult.NewEngine(consult.Options{
		UserID:            cfg.Client.UserID,
		Channel:           channel,
		API:               apiClient,
		Wallet:            walletSvc,
		DriftThreshold:    cfg.Session.DriftThresholdSeconds,
		DefaultMaxSeconds: cfg.Session.DefaultMaxSeconds,
	})
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("connect realtime channel: %w", err)
	}

	// presence and notifications ride a channel of their own, separate from
	// the session lifecycle stream
	notifyChannel, err := transport.NewChannel(transport.Options{
		URL:               strings.TrimRight(cfg.Client.SocketURL, "/") + "/notifications",
		Token:             cfg.Client.Token,
		ConnectTimeout:    cfg.Socket.ConnectTimeout,
		ReconnectAttempts: cfg.Socket.ReconnectAttempts,
		ReconnectDelay:    cfg.Socket.ReconnectDelay,
		WriteTimeout:      cfg.Socket.WriteTimeout,
		PongTimeout:       cfg.Socket.PongTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialise notification channel: %w", err)
	}
	if err := notifyChannel.Connect(ctx); err != nil {
		log.Warn("notification channel unavailable", zap.Error(err))
	}
	defer notifyChannel.Close()

	feed, err := notifications.NewFeed(notifyChannel)
	if err != nil {
		return fmt.Errorf("initialise notification feed: %w", err)
	}
	feed.Start()
	defer feed.Close()

	noticeSub := feed.OnNotification(func(n notifications.Notification) {
		log.Info("notification",
			zap.String("kind", string(n.Kind)),
			zap.String("title", n.Title),
			zap.String("body", n.Body))
	})
	defer noticeSub.Cancel()

	stateSub := engine.Subscribe(func(s consult.Snapshot) {
		log.Info("session state",
			zap.String("status", string(s.Status)),
			zap.String("session_id", s.SessionID),
			zap.Int("remaining_seconds", s.RemainingSeconds),
			zap.Int("messages", len(s.Messages)))
	})
	defer stateSub.Cancel()

	metricsErr := make(chan error, 1)
	metricsSrv := startMetrics(cfg.Client.MetricsAddr, metricsErr, log)

	log.Info("consultation client ready",
		zap.String("api", cfg.Client.APIBaseURL),
		zap.String("socket", cfg.Client.SocketURL))

	if counterparty != "" {
		rate, err := decimal.NewFromString(ratePerMin)
		if err != nil {
			return fmt.Errorf("parse -rate: %w", err)
		}
		if err := engine.InitiateChat(ctx, counterparty, rate); err != nil {
			return fmt.Errorf("start consultation: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-metricsErr:
		if err != nil {
			return fmt.Errorf("metrics server error: %w", err)
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics shutdown failed", zap.Error(err))
		}
	}

	if err := engine.Close(); err != nil {
		log.Warn("engine shutdown reported errors", zap.Error(err))
	}

	log.Info("client stopped gracefully")
	return nil
}

func startMetrics(addr string, errs chan<- error, log *zap.Logger) *http.Server {
	if strings.TrimSpace(addr) == "" {
		close(errs)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()
	return srv
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
