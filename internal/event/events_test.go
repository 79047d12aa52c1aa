package event

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestKind_Private(t *testing.T) {
	private := map[Kind]bool{
		KindTicker:    false,
		KindTrade:     false,
		KindBook:      false,
		KindOHLC:      false,
		KindExecution: true,
		KindBalance:   true,
		KindStatus:    false,
	}
	for k, want := range private {
		if k.Private() != want {
			t.Errorf("%s: expected Private()=%v", k, want)
		}
	}
}

func TestEvent_TaggedKinds(t *testing.T) {
	events := []Event{
		TickerEvent{}, TradeEvent{}, BookEvent{}, OHLCEvent{},
		ExecutionEvent{}, BalanceEvent{}, StatusEvent{},
	}
	seen := make(map[Kind]bool)
	for _, ev := range events {
		if seen[ev.GetKind()] {
			t.Errorf("duplicate kind %s", ev.GetKind())
		}
		seen[ev.GetKind()] = true
		if ev.GetKind().String() == "unknown" {
			t.Errorf("kind %d has no name", ev.GetKind())
		}
	}
}

func TestExecutionEvent_IsFill(t *testing.T) {
	ev := ExecutionEvent{ExecType: "trade", ExecID: "T1", LastQty: decimal.NewFromInt(5)}
	if !ev.IsFill() {
		t.Error("Expected trade execution to be a fill")
	}
	ev = ExecutionEvent{ExecType: "new"}
	if ev.IsFill() {
		t.Error("Expected status execution not to be a fill")
	}
}

func TestBaseEvent_Snapshot(t *testing.T) {
	ev := TickerEvent{BaseEvent: BaseEvent{Seq: 7, Snapshot: true}}
	if !ev.IsSnapshot() || ev.GetSeq() != 7 {
		t.Errorf("Expected snapshot seq 7, got %+v", ev.BaseEvent)
	}
}
