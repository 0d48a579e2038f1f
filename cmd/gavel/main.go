package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/gavel/config"
	"github.com/alejandrodnm/gavel/internal/adapters/httpapi"
	"github.com/alejandrodnm/gavel/internal/adapters/identity"
	"github.com/alejandrodnm/gavel/internal/adapters/notify"
	"github.com/alejandrodnm/gavel/internal/adapters/storage"
	"github.com/alejandrodnm/gavel/internal/adapters/ws"
	"github.com/alejandrodnm/gavel/internal/application/admin"
	"github.com/alejandrodnm/gavel/internal/application/engine"
	"github.com/alejandrodnm/gavel/internal/application/fanout"
	"github.com/alejandrodnm/gavel/internal/application/ledger"
	"github.com/alejandrodnm/gavel/internal/application/session"
	"github.com/alejandrodnm/gavel/internal/application/sweeper"
	"github.com/alejandrodnm/gavel/internal/observability"
	"github.com/alejandrodnm/gavel/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one sweep and exit")
	report := flag.Bool("report", false, "print the auction table and exit")
	issue := flag.Int64("issue-token", 0, "print an access token for this user id and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ids, err := identity.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		slog.Error("failed to build identity", "err", err)
		os.Exit(1)
	}
	if *issue > 0 {
		tok, err := ids.Issue(*issue, fmt.Sprintf("user%d", *issue), 24*time.Hour)
		if err != nil {
			slog.Error("failed to issue token", "err", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "driver", cfg.Storage.Driver)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole()
	if *report {
		if err := printReport(ctx, store, console); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("gavel starting",
		"config", *configPath,
		"addr", cfg.HTTP.Addr,
		"driver", cfg.Storage.Driver,
		"sweep_interval", cfg.SweepInterval(),
		"once", *once,
	)

	metrics := observability.NewMetrics()
	locks := engine.NewKeyedMutex()
	clock := engine.SystemClock{}
	topics := fanout.NewRegistryWithLimit(metrics, cfg.Session.ClosedTopics)

	sw := sweeper.New(sweeper.Config{
		Interval: cfg.SweepInterval(),
		Workers:  cfg.Sweeper.Workers,
	}, store, locks, clock, topics, console, metrics)

	if *once {
		res := sw.Tick(ctx)
		slog.Info("sweep complete", "started", res.Started, "finished", res.Finished, "errors", res.Errors)
		return
	}

	l := ledger.New(store, locks, clock, topics, metrics)
	sessions := session.NewHandler(session.Config{
		SendBuffer:    cfg.Session.SendBuffer,
		BidsPerSecond: cfg.Session.BidsPerSecond,
		BidBurst:      cfg.Session.BidBurst,
		SnapshotLimit: cfg.Session.SnapshotLimit,
		WriteTimeout:  cfg.WriteTimeout(),
	}, ids, l, topics, metrics)

	api := httpapi.NewServer(admin.New(store, locks, topics, cfg.MinAuctionDuration()), l, ids, cfg.HTTP.AllowedOrigins)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(ws.NewHandler(ctx, sessions, cfg.HTTP.AllowedOrigins), metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- sw.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server failed", "err", err)
			exitCode = 1
		}
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "err", err)
	}
	if err := <-sweepDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sweeper exited with error", "err", err)
		exitCode = 1
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	slog.Info("gavel stopped cleanly")
}

// openStore abre el backend configurado. En postgres aplica antes las migraciones.
func openStore(ctx context.Context, cfg config.StorageConfig) (ports.Store, error) {
	switch cfg.Driver {
	case "postgres":
		if err := storage.RunMigrations(cfg.Migrations, cfg.DSN); err != nil {
			return nil, err
		}
		return storage.NewPostgresStorage(ctx, cfg.DSN)
	default:
		return storage.NewSQLiteStorage(cfg.DSN)
	}
}

func printReport(ctx context.Context, store ports.Store, console *notify.Console) error {
	auctions, err := store.ListAuctions(ctx, ports.AuctionFilter{})
	if err != nil {
		return err
	}
	rows := make([]notify.ReportRow, 0, len(auctions))
	for _, a := range auctions {
		leader, err := store.LeaderBid(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("leader of auction %d: %w", a.ID, err)
		}
		rows = append(rows, notify.ReportRow{Auction: a, Leader: leader})
	}
	console.Report(rows)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
