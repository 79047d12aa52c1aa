package execution

import (
	"context"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/domain"
)

// Execution defines the interface for order execution.
type Execution interface {
	// SubmitOrder sends a new order to the exchange and returns the
	// exchange order id. The order must carry a ClientOrderID.
	SubmitOrder(ctx context.Context, order domain.Order) (string, error)

	// CancelOrder cancels an existing order by client order id.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// CancelAll cancels every open order and returns how many were cancelled.
	CancelAll(ctx context.Context) (int, error)

	// OpenOrders lists the orders the exchange reports as open.
	OpenOrders(ctx context.Context) ([]domain.Order, error)
}
