package execution

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
	"github.com/freshwaterbruce2/vibetech-sub003/internal/infra/kraken"
)

// Mode represents the trading execution mode
type Mode string

const (
	ModeMock     Mode = "MOCK"
	ModeValidate Mode = "VALIDATE"
	ModeLive     Mode = "LIVE"
)

// CreateExecution returns the Execution implementation for mode.
// LIVE requires CONFIRM_REAL_MONEY=true in the environment.
func CreateExecution(mode Mode, client *kraken.RestClient) (Execution, error) {
	slog.Info("Initializing Execution System", "mode", mode)

	switch mode {
	case ModeMock:
		return NewMockExecution(), nil

	case ModeValidate:
		if client == nil || !client.HasPrivate() {
			return nil, errs.Configuration("primary", "VALIDATE mode needs the primary credential", "configure KRAKEN_API_KEY/KRAKEN_API_SECRET")
		}
		slog.Info("🔒 Orders are validated by Kraken, never placed")
		return NewKrakenExecution(client, true), nil

	case ModeLive:
		if os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, errs.Configuration("primary",
				"SAFETY_GUARD: LIVE trading requires CONFIRM_REAL_MONEY=true",
				"export CONFIRM_REAL_MONEY=true to place real orders")
		}
		if client == nil || !client.HasPrivate() {
			return nil, errs.Configuration("primary", "LIVE mode needs the primary credential", "configure KRAKEN_API_KEY/KRAKEN_API_SECRET")
		}
		slog.Warn("🚨🚨🚨 LIVE trading on Kraken mainnet 🚨🚨🚨")
		return NewKrakenExecution(client, false), nil

	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}
}
