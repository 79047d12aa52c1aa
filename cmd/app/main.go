package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/app"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bootstrap.Close(closeCtx); err != nil {
			slog.Warn("Bootstrap close failed", slog.Any("error", err))
		}
	}()
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		return 1
	}

	infra.PrintBanner(os.Stdout, bootstrap.Config)

	// 3. Pprof Server (for performance profiling)
	if os.Getenv("PPROF") == "1" {
		go func() {
			// Localhost only for security
			slog.Info("🕵️ Pprof server started on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Session
	session, err := bootstrap.BuildSession()
	if err != nil {
		if bootstrap.Store != nil {
			bootstrap.Store.Close()
		}
		slog.Error("❌ Session setup failed", slog.Any("error", err))
		if e, ok := errs.As(err); ok && e.Remediation != "" {
			slog.Error("Remediation: " + e.Remediation)
		}
		return 1
	}

	slog.Info("✨ Kraken client operational. Press Ctrl+C to exit.")
	if err := session.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("❌ Session ended with error", slog.Any("error", err))
		return 1
	}

	slog.Info("👋 Shut down gracefully")
	return 0
}
