package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra/kraken"
)

// KrakenExecution places orders through the Kraken REST client.
// With validate set, the exchange checks each order without placing it.
type KrakenExecution struct {
	client   *kraken.RestClient
	validate bool
}

func NewKrakenExecution(client *kraken.RestClient, validate bool) *KrakenExecution {
	return &KrakenExecution{client: client, validate: validate}
}

func (e *KrakenExecution) SubmitOrder(ctx context.Context, order domain.Order) (string, error) {
	if order.ClientOrderID == "" {
		return "", errs.New(errs.KindValidation, errs.WithOp("private/AddOrder"),
			errs.WithMessage("client order id is required"))
	}
	res, err := e.client.AddOrder(ctx, kraken.OrderRequest{
		Pair:          order.Pair,
		Side:          order.Side,
		Type:          order.Type,
		Volume:        order.Volume,
		Price:         order.Price,
		ClientOrderID: order.ClientOrderID,
		Validate:      e.validate,
	})
	if err != nil {
		return "", err
	}

	slog.Info("Order accepted by exchange",
		slog.String("cl_ord_id", order.ClientOrderID),
		slog.String("descr", res.Descr.Order),
		slog.Bool("validate_only", e.validate))
	if len(res.TxIDs) == 0 {
		return "", nil
	}
	return res.TxIDs[0], nil
}

func (e *KrakenExecution) CancelOrder(ctx context.Context, clientOrderID string) error {
	res, err := e.client.CancelOrder(ctx, kraken.CancelRequest{ClientOrderID: clientOrderID})
	if err != nil {
		return err
	}
	if res.Count == 0 && !res.Pending {
		return fmt.Errorf("cancel %s: no order cancelled", clientOrderID)
	}
	return nil
}

func (e *KrakenExecution) CancelAll(ctx context.Context) (int, error) {
	return e.client.CancelAll(ctx)
}

func (e *KrakenExecution) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	open, err := e.client.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(open))
	for txid, info := range open {
		out = append(out, info.ToOrder(txid))
	}
	return out, nil
}
