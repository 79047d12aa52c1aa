package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

func TestSnapshot_SaveAndLoad(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir())

	snap := &Snapshot{
		Reason: "shutdown",
		OpenOrders: []domain.Order{{
			ClientOrderID: "c1",
			Pair:          "XLM/USD",
			Volume:        decimal.NewFromInt(100),
			Status:        domain.StatusNew,
		}},
		Positions: []domain.Position{{Pair: "XLM/USD", Volume: decimal.RequireFromString("12.5")}},
	}
	if _, err := sm.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected snapshot, got nil")
	}
	if len(loaded.OpenOrders) != 1 || loaded.OpenOrders[0].ClientOrderID != "c1" {
		t.Errorf("Open orders mismatch: %+v", loaded.OpenOrders)
	}
	if !loaded.Positions[0].Volume.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Position mismatch: %s", loaded.Positions[0].Volume)
	}
}

func TestSnapshot_LoadLatest_MultipleSnapshots(t *testing.T) {
	dir := t.TempDir()
	sm := NewSnapshotManager(dir)

	for _, ts := range []int64{10, 50, 30} {
		if _, err := sm.Save(&Snapshot{TsUnix: ts, Reason: "test"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	// Leftover temp files are not snapshots.
	os.WriteFile(filepath.Join(dir, "snapshot_99.json.tmp"), []byte("{"), 0o644)

	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded.TsUnix != 50 {
		t.Errorf("Expected latest ts 50, got %d", loaded.TsUnix)
	}

	if err := sm.Cleanup(1); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	files, _ := sm.list()
	if len(files) != 1 || files[0].ts != 50 {
		t.Errorf("Expected only ts 50 kept, got %+v", files)
	}
}

func TestSnapshot_LoadLatest_NoSnapshots(t *testing.T) {
	sm := NewSnapshotManager(filepath.Join(t.TempDir(), "missing"))
	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil snapshot, got %+v", loaded)
	}
}
