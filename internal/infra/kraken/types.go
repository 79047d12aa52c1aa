package kraken

import (
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// envelope is every REST response.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// SystemStatus is public/SystemStatus.
type SystemStatus struct {
	Status    string `json:"status"` // online, maintenance, cancel_only, post_only
	Timestamp string `json:"timestamp"`
}

// Online reports whether trading is fully available.
func (s SystemStatus) Online() bool { return s.Status == "online" }

// ServerTime is public/Time.
type ServerTime struct {
	UnixTime int64  `json:"unixtime"`
	RFC1123  string `json:"rfc1123"`
}

// tickerInfo is one entry of public/Ticker. Arrays are [price, ...] strings.
type tickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	Low    []string `json:"l"`
	High   []string `json:"h"`
}

func (t tickerInfo) toDomain(symbol string, at time.Time) domain.Ticker {
	return domain.Ticker{
		Symbol:    symbol,
		Ask:       first(t.Ask, 0),
		Bid:       first(t.Bid, 0),
		Last:      first(t.Last, 0),
		Volume24h: first(t.Volume, 1),
		Low24h:    first(t.Low, 1),
		High24h:   first(t.High, 1),
		Time:      at,
	}
}

func first(vals []string, i int) decimal.Decimal {
	if i >= len(vals) {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(vals[i])
	if err != nil {
		return decimal.Zero
	}
	return v
}

// AssetPair is one entry of public/AssetPairs.
type AssetPair struct {
	Altname      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	PairDecimals int             `json:"pair_decimals"`
	LotDecimals  int             `json:"lot_decimals"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	CostMin      decimal.Decimal `json:"costmin"`
	Status       string          `json:"status"`
}

// TradeBalance is private/TradeBalance.
type TradeBalance struct {
	EquivalentBalance decimal.Decimal `json:"eb"`
	TradeBalance      decimal.Decimal `json:"tb"`
	Margin            decimal.Decimal `json:"m"`
	UnrealizedPnL     decimal.Decimal `json:"n"`
	Cost              decimal.Decimal `json:"c"`
	Valuation         decimal.Decimal `json:"v"`
	Equity            decimal.Decimal `json:"e"`
	FreeMargin        decimal.Decimal `json:"mf"`
}

// OrderDescr is the order description inside OrderInfo.
type OrderDescr struct {
	Pair      string `json:"pair"`
	Type      string `json:"type"`      // buy, sell
	OrderType string `json:"ordertype"` // limit, market, ...
	Price     string `json:"price"`
	Order     string `json:"order"`
}

// OrderInfo is one order from private/OpenOrders or private/ClosedOrders.
type OrderInfo struct {
	ClientOrderID string          `json:"cl_ord_id"`
	Status        string          `json:"status"` // pending, open, closed, canceled, expired
	OpenTime      float64         `json:"opentm"`
	Descr         OrderDescr      `json:"descr"`
	Volume        decimal.Decimal `json:"vol"`
	VolumeExec    decimal.Decimal `json:"vol_exec"`
	Cost          decimal.Decimal `json:"cost"`
	Fee           decimal.Decimal `json:"fee"`
	Price         decimal.Decimal `json:"price"` // average fill price
	Reason        string          `json:"reason"`
}

// DomainStatus maps REST order status onto the tracker's vocabulary.
func (o OrderInfo) DomainStatus() domain.OrderStatus {
	switch o.Status {
	case "pending":
		return domain.StatusPendingNew
	case "open":
		if o.VolumeExec.IsPositive() {
			return domain.StatusPartiallyFilled
		}
		return domain.StatusNew
	case "closed":
		return domain.StatusFilled
	case "canceled":
		return domain.StatusCanceled
	case "expired":
		return domain.StatusExpired
	default:
		return domain.StatusPendingNew
	}
}

// ToOrder converts a REST order into a tracked order.
func (o OrderInfo) ToOrder(txid string) domain.Order {
	limit, _ := decimal.NewFromString(o.Descr.Price)
	return domain.Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: txid,
		Pair:            o.Descr.Pair,
		Side:            domain.Side(o.Descr.Type),
		Type:            domain.OrderType(o.Descr.OrderType),
		Volume:          o.Volume,
		Price:           limit,
		FilledVolume:    o.VolumeExec,
		AvgFillPrice:    o.Price,
		Status:          o.DomainStatus(),
		CreatedAt:       time.Unix(0, int64(o.OpenTime*float64(time.Second))),
	}
}

type openOrdersResult struct {
	Open map[string]OrderInfo `json:"open"`
}

type closedOrdersResult struct {
	Closed map[string]OrderInfo `json:"closed"`
	Count  int                  `json:"count"`
}

// OrderRequest is private/AddOrder input.
type OrderRequest struct {
	Pair          string
	Side          domain.Side
	Type          domain.OrderType
	Volume        decimal.Decimal
	Price         decimal.Decimal // limit orders only
	ClientOrderID string
	PostOnly      bool
	TimeInForce   string // GTC, IOC, GTD
	// Validate asks the exchange to check the order without placing it.
	Validate bool
}

func (r OrderRequest) values() url.Values {
	v := url.Values{}
	v.Set("pair", r.Pair)
	v.Set("type", string(r.Side))
	v.Set("ordertype", string(r.Type))
	v.Set("volume", r.Volume.String())
	if r.Type == domain.OrderTypeLimit {
		v.Set("price", r.Price.String())
	}
	if r.ClientOrderID != "" {
		v.Set("cl_ord_id", r.ClientOrderID)
	}
	if r.PostOnly {
		v.Set("oflags", "post")
	}
	if r.TimeInForce != "" {
		v.Set("timeinforce", r.TimeInForce)
	}
	if r.Validate {
		v.Set("validate", "true")
	}
	return v
}

// AddOrderResult is private/AddOrder output.
type AddOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxIDs []string `json:"txid"`
}

// CancelRequest identifies the order to cancel: TxID wins when both are set.
type CancelRequest struct {
	TxID          string
	ClientOrderID string
}

func (r CancelRequest) values() url.Values {
	v := url.Values{}
	if r.TxID != "" {
		v.Set("txid", r.TxID)
	} else {
		v.Set("cl_ord_id", r.ClientOrderID)
	}
	return v
}

// CancelResult is private/CancelOrder output.
type CancelResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

// WebSocketToken is private/GetWebSocketsToken output.
type WebSocketToken struct {
	Token   string `json:"token"`
	Expires int    `json:"expires"` // seconds
}

// TTL returns the token validity, falling back to def.
func (t WebSocketToken) TTL(def time.Duration) time.Duration {
	if t.Expires <= 0 {
		return def
	}
	return time.Duration(t.Expires) * time.Second
}

func balancesFromMap(m map[string]string, at time.Time) []domain.Balance {
	out := make([]domain.Balance, 0, len(m))
	for asset, raw := range m {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out = append(out, domain.Balance{Asset: asset, Total: total, UpdatedAt: at})
	}
	return out
}
