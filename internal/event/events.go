package event

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// Kind identifies the event type. Handlers are registered per Kind.
type Kind uint16

const (
	KindTicker Kind = iota + 1
	KindTrade
	KindBook
	KindOHLC
	KindExecution
	KindBalance
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindTrade:
		return "trade"
	case KindBook:
		return "book"
	case KindOHLC:
		return "ohlc"
	case KindExecution:
		return "executions"
	case KindBalance:
		return "balances"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Private reports whether the kind arrives on the authenticated connection.
func (k Kind) Private() bool {
	return k == KindExecution || k == KindBalance
}

// Event is the interface for all stream events.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetKind() Kind
	// IsSnapshot is true for events decoded from a snapshot frame, which
	// restate current state after (re)subscription rather than report new activity.
	IsSnapshot() bool
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq      uint64    `json:"seq"`
	Ts       time.Time `json:"ts"`
	Snapshot bool      `json:"snapshot"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }
func (e BaseEvent) IsSnapshot() bool { return e.Snapshot }

// TickerEvent carries a top-of-book update.
type TickerEvent struct {
	BaseEvent
	Ticker domain.Ticker `json:"ticker"`
}

func (e TickerEvent) GetKind() Kind { return KindTicker }

// TradeEvent is one public trade.
type TradeEvent struct {
	BaseEvent
	Symbol  string          `json:"symbol"`
	Side    domain.Side     `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	TradeID int64           `json:"trade_id"`
	At      time.Time       `json:"at"`
}

func (e TradeEvent) GetKind() Kind { return KindTrade }

// BookLevel is one price level.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookEvent carries order book levels. A snapshot replaces the book; an
// update changes the listed levels (qty zero removes a level).
type BookEvent struct {
	BaseEvent
	Symbol   string      `json:"symbol"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	Checksum uint32      `json:"checksum"`
}

func (e BookEvent) GetKind() Kind { return KindBook }

// OHLCEvent is one candle.
type OHLCEvent struct {
	BaseEvent
	Symbol        string          `json:"symbol"`
	Interval      int             `json:"interval"` // minutes
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	IntervalBegin time.Time       `json:"interval_begin"`
}

func (e OHLCEvent) GetKind() Kind { return KindOHLC }

// ExecutionEvent is a private order or fill report.
type ExecutionEvent struct {
	BaseEvent
	ExecType      string             `json:"exec_type"` // pending_new, new, trade, filled, canceled, expired, ...
	OrderID       string             `json:"order_id"`
	ClientOrderID string             `json:"cl_ord_id"`
	ExecID        string             `json:"exec_id"` // set on trade executions
	Symbol        string             `json:"symbol"`
	Side          domain.Side        `json:"side"`
	OrderType     domain.OrderType   `json:"order_type"`
	OrderStatus   domain.OrderStatus `json:"order_status"`
	OrderQty      decimal.Decimal    `json:"order_qty"`
	LimitPrice    decimal.Decimal    `json:"limit_price"`
	CumQty        decimal.Decimal    `json:"cum_qty"`
	AvgPrice      decimal.Decimal    `json:"avg_price"`
	LastQty       decimal.Decimal    `json:"last_qty"`
	LastPrice     decimal.Decimal    `json:"last_price"`
	Fee           decimal.Decimal    `json:"fee"`
	At            time.Time          `json:"at"`
}

func (e ExecutionEvent) GetKind() Kind { return KindExecution }

// IsFill reports whether the event carries a trade.
func (e ExecutionEvent) IsFill() bool {
	return e.ExecID != "" && e.LastQty.IsPositive()
}

// BalanceEvent carries one or more asset balances.
type BalanceEvent struct {
	BaseEvent
	Balances []domain.Balance `json:"balances"`
}

func (e BalanceEvent) GetKind() Kind { return KindBalance }

// StatusEvent is the exchange system status sent on connect and on change.
type StatusEvent struct {
	BaseEvent
	System       string `json:"system"` // online, maintenance, cancel_only, post_only
	APIVersion   string `json:"api_version"`
	ConnectionID uint64 `json:"connection_id"`
}

func (e StatusEvent) GetKind() Kind { return KindStatus }

// Online reports whether trading is fully available.
func (e StatusEvent) Online() bool { return e.System == "online" }
