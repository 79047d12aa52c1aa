package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/strategy"
)

func testConfig(t *testing.T) *infra.Config {
	t.Helper()
	cfg := infra.DefaultConfig()
	cfg.App.DataDir = t.TempDir()
	cfg.Kraken.Pairs = []string{"XLM/USD"}
	cfg.Kraken.Primary.APIKey = "key"
	cfg.Kraken.Primary.APISecret = "c2VjcmV0"
	return cfg
}

func TestBootstrap_InitializeAndLock(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	b := NewBootstrap()
	if err := b.InitializeWithConfig(ctx, cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if b.Store == nil {
		t.Fatal("Expected record store")
	}
	if v, _ := b.Store.GetMetadata(ctx, "last_start"); v == "" {
		t.Error("Expected start marker")
	}
	if _, err := os.Stat(filepath.Join(cfg.App.DataDir, "instance.lock")); err != nil {
		t.Errorf("Expected lock file: %v", err)
	}

	// A second process on the same workspace is refused.
	other := NewBootstrap()
	if err := other.InitializeWithConfig(ctx, cfg); err == nil {
		t.Error("Expected lock conflict")
	}

	b.Store.Close()
	if err := b.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.App.DataDir, "instance.lock")); !os.IsNotExist(err) {
		t.Error("Expected lock file removed")
	}
}

func TestBootstrap_BuildSession(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	b := NewBootstrap()
	if err := b.InitializeWithConfig(ctx, cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer b.Close(ctx)

	sess, err := b.BuildSession()
	if err != nil {
		t.Fatalf("BuildSession failed: %v", err)
	}
	if _, ok := sess.deps.Strategy.(strategy.Idle); !ok {
		t.Errorf("Expected idle strategy, got %T", sess.deps.Strategy)
	}
	if err := sess.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestBootstrap_LiveWithoutConfirmationRefused(t *testing.T) {
	t.Setenv("CONFIRM_REAL_MONEY", "")
	cfg := testConfig(t)
	cfg.Trading.Mode = "LIVE"
	ctx := context.Background()

	b := NewBootstrap()
	if err := b.InitializeWithConfig(ctx, cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer b.Close(ctx)
	defer b.Store.Close()

	if _, err := b.BuildSession(); err == nil {
		t.Error("Expected LIVE to be refused without confirmation")
	}
}
