package kraken

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/event"
)

// Kraken WebSocket v2 endpoints.
const (
	PublicWSURL  = "wss://ws.kraken.com/v2"
	PrivateWSURL = "wss://ws-auth.kraken.com/v2"
)

// wsParams is the params object of subscribe/unsubscribe.
type wsParams struct {
	Channel    string   `json:"channel"`
	Symbol     []string `json:"symbol,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	Interval   int      `json:"interval,omitempty"`
	Token      string   `json:"token,omitempty"`
	SnapOrders *bool    `json:"snap_orders,omitempty"`
	SnapTrades *bool    `json:"snap_trades,omitempty"`
}

// wsRequest is every client->server message.
type wsRequest struct {
	Method string    `json:"method"`
	Params *wsParams `json:"params,omitempty"`
	ReqID  int64     `json:"req_id,omitempty"`
}

// wsFrame is the union of server frames. Method is set on acks and pongs;
// Channel on data, heartbeat and status frames.
type wsFrame struct {
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	ReqID   int64           `json:"req_id"`
	Result  json.RawMessage `json:"result"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"` // snapshot, update
	Data    json.RawMessage `json:"data"`
}

type wsAckResult struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

type wsTicker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
	Low    decimal.Decimal `json:"low"`
	High   decimal.Decimal `json:"high"`
}

type wsTrade struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	TradeID   int64           `json:"trade_id"`
	Timestamp time.Time       `json:"timestamp"`
}

type wsLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type wsBook struct {
	Symbol   string    `json:"symbol"`
	Bids     []wsLevel `json:"bids"`
	Asks     []wsLevel `json:"asks"`
	Checksum uint32    `json:"checksum"`
}

type wsOHLC struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	IntervalBegin time.Time       `json:"interval_begin"`
	Interval      int             `json:"interval"`
}

type wsFee struct {
	Asset string          `json:"asset"`
	Qty   decimal.Decimal `json:"qty"`
}

type wsExecution struct {
	ExecType    string          `json:"exec_type"`
	OrderID     string          `json:"order_id"`
	ClOrdID     string          `json:"cl_ord_id"`
	ExecID      string          `json:"exec_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	OrderType   string          `json:"order_type"`
	OrderStatus string          `json:"order_status"`
	OrderQty    decimal.Decimal `json:"order_qty"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	CumQty      decimal.Decimal `json:"cum_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	LastQty     decimal.Decimal `json:"last_qty"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Fees        []wsFee         `json:"fees"`
	Timestamp   time.Time       `json:"timestamp"`
}

type wsBalance struct {
	Asset     string          `json:"asset"`
	Balance   decimal.Decimal `json:"balance"`
	Timestamp time.Time       `json:"timestamp"`
}

type wsStatus struct {
	System       string `json:"system"`
	APIVersion   string `json:"api_version"`
	ConnectionID uint64 `json:"connection_id"`
}

// decodeEvents turns the data array of one frame into typed events, taking
// one sequence number per event. Unknown channels yield nil without error.
func decodeEvents(f wsFrame, now time.Time, seq func() uint64) ([]event.Event, error) {
	base := func() event.BaseEvent {
		return event.BaseEvent{Seq: seq(), Ts: now, Snapshot: f.Type == "snapshot"}
	}

	switch f.Channel {
	case "ticker":
		var rows []wsTicker
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			out = append(out, event.TickerEvent{BaseEvent: base(), Ticker: domain.Ticker{
				Symbol:    r.Symbol,
				Bid:       r.Bid,
				Ask:       r.Ask,
				Last:      r.Last,
				Volume24h: r.Volume,
				High24h:   r.High,
				Low24h:    r.Low,
				Time:      now,
			}})
		}
		return out, nil

	case "trade":
		var rows []wsTrade
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			out = append(out, event.TradeEvent{
				BaseEvent: base(),
				Symbol:    r.Symbol,
				Side:      domain.Side(r.Side),
				Price:     r.Price,
				Qty:       r.Qty,
				TradeID:   r.TradeID,
				At:        r.Timestamp,
			})
		}
		return out, nil

	case "book":
		var rows []wsBook
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode book: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			out = append(out, event.BookEvent{
				BaseEvent: base(),
				Symbol:    r.Symbol,
				Bids:      levels(r.Bids),
				Asks:      levels(r.Asks),
				Checksum:  r.Checksum,
			})
		}
		return out, nil

	case "ohlc":
		var rows []wsOHLC
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode ohlc: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			out = append(out, event.OHLCEvent{
				BaseEvent:     base(),
				Symbol:        r.Symbol,
				Interval:      r.Interval,
				Open:          r.Open,
				High:          r.High,
				Low:           r.Low,
				Close:         r.Close,
				Volume:        r.Volume,
				IntervalBegin: r.IntervalBegin,
			})
		}
		return out, nil

	case "executions":
		var rows []wsExecution
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode executions: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			fee := decimal.Zero
			for _, fe := range r.Fees {
				fee = fee.Add(fe.Qty)
			}
			out = append(out, event.ExecutionEvent{
				BaseEvent:     base(),
				ExecType:      r.ExecType,
				OrderID:       r.OrderID,
				ClientOrderID: r.ClOrdID,
				ExecID:        r.ExecID,
				Symbol:        r.Symbol,
				Side:          domain.Side(r.Side),
				OrderType:     domain.OrderType(r.OrderType),
				OrderStatus:   domain.OrderStatus(r.OrderStatus),
				OrderQty:      r.OrderQty,
				LimitPrice:    r.LimitPrice,
				CumQty:        r.CumQty,
				AvgPrice:      r.AvgPrice,
				LastQty:       r.LastQty,
				LastPrice:     r.LastPrice,
				Fee:           fee,
				At:            orNow(r.Timestamp, now),
			})
		}
		return out, nil

	case "balances":
		var rows []wsBalance
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode balances: %w", err)
		}
		bals := make([]domain.Balance, 0, len(rows))
		for _, r := range rows {
			bals = append(bals, domain.Balance{
				Asset:     r.Asset,
				Total:     r.Balance,
				UpdatedAt: orNow(r.Timestamp, now),
			})
		}
		return []event.Event{event.BalanceEvent{BaseEvent: base(), Balances: bals}}, nil

	case "status":
		var rows []wsStatus
		if err := json.Unmarshal(f.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		out := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			out = append(out, event.StatusEvent{
				BaseEvent:    base(),
				System:       r.System,
				APIVersion:   r.APIVersion,
				ConnectionID: r.ConnectionID,
			})
		}
		return out, nil
	}
	return nil, nil
}

func levels(in []wsLevel) []event.BookLevel {
	out := make([]event.BookLevel, len(in))
	for i, l := range in {
		out[i] = event.BookLevel{Price: l.Price, Qty: l.Qty}
	}
	return out
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
