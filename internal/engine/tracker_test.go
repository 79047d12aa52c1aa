package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitBuy() domain.Order {
	return domain.Order{
		Pair:   "XLM/USD",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Volume: d("100"),
		Price:  d("0.10"),
	}
}

func TestTracker_SubmitIsNotOpenUntilAcknowledged(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, err := tr.Track(limitBuy())
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected generated client order id")
	}

	o, _ := tr.Order(id)
	if o.Status != domain.StatusSubmitted {
		t.Errorf("Expected submitted, got %s", o.Status)
	}
	if len(tr.OpenOrders()) != 0 {
		t.Error("Expected no open orders before acknowledgement")
	}

	tr.Acknowledge(id, "OABC-123")
	open := tr.OpenOrders()
	if len(open) != 1 || open[0].ExchangeOrderID != "OABC-123" {
		t.Errorf("Expected 1 open order OABC-123, got %+v", open)
	}
}

func TestTracker_DuplicateTrackRejected(t *testing.T) {
	tr := NewOrderTracker(nil)
	o := limitBuy()
	o.ClientOrderID = "fixed"
	if _, err := tr.Track(o); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Track(o); err == nil {
		t.Error("Expected error tracking the same id twice")
	}
}

func TestTracker_RejectIsTerminal(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, _ := tr.Track(limitBuy())
	tr.Reject(id, errors.New("EOrder:Insufficient funds"))

	o, _ := tr.Order(id)
	if o.Status != domain.StatusRejected {
		t.Errorf("Expected rejected, got %s", o.Status)
	}
	tr.Acknowledge(id, "late")
	o, _ = tr.Order(id)
	if o.Status != domain.StatusRejected {
		t.Errorf("Expected terminal status to stick, got %s", o.Status)
	}
	obs := o.Observations()
	if obs[len(obs)-2].Note != "EOrder:Insufficient funds" {
		t.Errorf("Expected rejection note kept, got %+v", obs)
	}
}

func TestTracker_UnconfirmedSubmitSettledByExchange(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, _ := tr.Track(limitBuy())
	tr.Unconfirmed(id, errors.New("private/AddOrder: timeout"))

	o, _ := tr.Order(id)
	if o.Status != domain.StatusSubmitted {
		t.Errorf("Expected submitted after unknown outcome, got %s", o.Status)
	}
	obs := o.Observations()
	if len(obs) != 2 || obs[1].Note == "" {
		t.Errorf("Expected a noted observation, got %+v", obs)
	}

	tr.ApplyExecution(event.ExecutionEvent{
		ExecType:      "new",
		OrderID:       "OABC-123",
		ClientOrderID: id,
		Symbol:        "XLM/USD",
		OrderStatus:   domain.StatusNew,
		At:            time.Now(),
	})
	o, _ = tr.Order(id)
	if o.Status != domain.StatusNew {
		t.Errorf("Expected new after exchange confirmation, got %s", o.Status)
	}
	if len(tr.OpenOrders()) != 1 {
		t.Errorf("Expected 1 open order, got %d", len(tr.OpenOrders()))
	}
}

func execFill(clID, execID string, last, cum string, status domain.OrderStatus) event.ExecutionEvent {
	return event.ExecutionEvent{
		BaseEvent:     event.BaseEvent{Ts: time.Now()},
		ExecType:      "trade",
		OrderID:       "OABC-123",
		ClientOrderID: clID,
		ExecID:        execID,
		Symbol:        "XLM/USD",
		Side:          domain.SideBuy,
		OrderStatus:   status,
		OrderQty:      d("100"),
		CumQty:        d(cum),
		AvgPrice:      d("0.10"),
		LastQty:       d(last),
		LastPrice:     d("0.10"),
		At:            time.Now(),
	}
}

func TestTracker_FillsAppliedOncePerExecID(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, _ := tr.Track(limitBuy())
	tr.Acknowledge(id, "OABC-123")

	if !tr.ApplyExecution(execFill(id, "T1", "40", "40", domain.StatusPartiallyFilled)) {
		t.Error("Expected first fill to change state")
	}
	// Same report replayed after a reconnect.
	replay := execFill(id, "T1", "40", "40", domain.StatusPartiallyFilled)
	replay.Snapshot = true
	if tr.ApplyExecution(replay) {
		t.Error("Expected replayed exec_id to be ignored")
	}

	pos := tr.Position("XLM/USD")
	if !pos.Volume.Equal(d("40")) {
		t.Errorf("Expected position 40, got %s", pos.Volume)
	}

	tr.ApplyExecution(execFill(id, "T2", "60", "100", domain.StatusFilled))
	o, _ := tr.Order(id)
	if o.Status != domain.StatusFilled || !o.FilledVolume.Equal(d("100")) {
		t.Errorf("Expected filled 100, got %s %s", o.Status, o.FilledVolume)
	}
	if !tr.Position("XLM/USD").Volume.Equal(d("100")) {
		t.Errorf("Expected position 100, got %s", tr.Position("XLM/USD").Volume)
	}
	if len(tr.OpenOrders()) != 0 {
		t.Error("Expected filled order to leave the open set")
	}
}

func TestTracker_SnapshotFillMissedDuringOutageIsCounted(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, _ := tr.Track(limitBuy())
	tr.Acknowledge(id, "OABC-123")

	missed := execFill(id, "T9", "25", "25", domain.StatusPartiallyFilled)
	missed.Snapshot = true
	tr.ApplyExecution(missed)
	if !tr.Position("XLM/USD").Volume.Equal(d("25")) {
		t.Errorf("Expected position 25, got %s", tr.Position("XLM/USD").Volume)
	}

	old := execFill("", "T0", "5", "5", domain.StatusFilled)
	old.OrderID = "OOLD-1"
	old.Snapshot = true
	old.At = time.Now().Add(-time.Hour)
	tr.ApplyExecution(old)
	if !tr.Position("XLM/USD").Volume.Equal(d("25")) {
		t.Errorf("Expected historical snapshot fill ignored, got %s", tr.Position("XLM/USD").Volume)
	}
}

func TestTracker_StaleStatusDoesNotRegress(t *testing.T) {
	tr := NewOrderTracker(nil)
	id, _ := tr.Track(limitBuy())
	tr.ApplyExecution(execFill(id, "T1", "100", "100", domain.StatusFilled))

	stale := event.ExecutionEvent{ExecType: "new", ClientOrderID: id, OrderStatus: domain.StatusNew, At: time.Now()}
	tr.ApplyExecution(stale)
	o, _ := tr.Order(id)
	if o.Status != domain.StatusFilled {
		t.Errorf("Expected filled, got %s", o.Status)
	}
}

func TestTracker_AdoptsForeignOrders(t *testing.T) {
	tr := NewOrderTracker(nil)
	tr.ApplyExecution(event.ExecutionEvent{
		ExecType:    "new",
		OrderID:     "OEXT-1",
		Symbol:      "XLM/USD",
		Side:        domain.SideSell,
		OrderStatus: domain.StatusNew,
		OrderQty:    d("10"),
		At:          time.Now(),
	})
	o, ok := tr.Order("OEXT-1")
	if !ok || o.Status != domain.StatusNew || !o.Volume.Equal(d("10")) {
		t.Errorf("Expected adopted order, got %+v (%v)", o, ok)
	}
}

func TestTracker_Reconcile(t *testing.T) {
	tr := NewOrderTracker(nil)
	a, _ := tr.Track(limitBuy())
	tr.Acknowledge(a, "OA")
	b, _ := tr.Track(limitBuy())
	tr.Acknowledge(b, "OB")

	remote := []domain.Order{
		{ClientOrderID: a, ExchangeOrderID: "OA", Status: domain.StatusPartiallyFilled, FilledVolume: d("10")},
		{ExchangeOrderID: "OC", Pair: "XLM/USD", Status: domain.StatusNew, Volume: d("5")},
	}
	missing := tr.Reconcile(remote)
	if len(missing) != 1 || missing[0] != b {
		t.Errorf("Expected %s missing, got %v", b, missing)
	}

	o, _ := tr.Order(a)
	if o.Status != domain.StatusPartiallyFilled || !o.FilledVolume.Equal(d("10")) {
		t.Errorf("Expected partially filled 10, got %s %s", o.Status, o.FilledVolume)
	}
	if _, ok := tr.Order("OC"); !ok {
		t.Error("Expected exchange-only order adopted")
	}
	if len(tr.OpenOrders()) != 3 {
		t.Errorf("Expected 3 open orders, got %d", len(tr.OpenOrders()))
	}
}

func TestTracker_OnUpdateCalledOutsideLock(t *testing.T) {
	var tr *OrderTracker
	var mu sync.Mutex
	var seen []domain.OrderStatus
	tr = NewOrderTracker(func(o domain.Order) {
		// Re-entering the tracker must not deadlock.
		_ = tr.OpenOrders()
		mu.Lock()
		seen = append(seen, o.Status)
		mu.Unlock()
	})
	id, _ := tr.Track(limitBuy())
	tr.Acknowledge(id, "OA")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != domain.StatusSubmitted || seen[1] != domain.StatusPendingNew {
		t.Errorf("Expected [submitted pending_new], got %v", seen)
	}
}

func TestTracker_Balances(t *testing.T) {
	tr := NewOrderTracker(nil)
	now := time.Now()
	tr.ApplyBalances([]domain.Balance{{Asset: "USD", Total: d("100"), UpdatedAt: now}})
	tr.ApplyBalances([]domain.Balance{{Asset: "USD", Total: d("50"), UpdatedAt: now.Add(-time.Minute)}})

	bals := tr.Balances()
	if len(bals) != 1 || !bals[0].Total.Equal(d("100")) {
		t.Errorf("Expected USD 100, got %+v", bals)
	}
}

func TestNewClientOrderID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewClientOrderID()
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
	}
}
