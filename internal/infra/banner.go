package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
)

// PrintBanner writes the startup banner with mode-specific warnings.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)

	color := ColorGreen
	modeDesc := "LOCAL MOCK (NO ORDERS SENT)"
	switch mode {
	case "LIVE":
		color = ColorRed
		modeDesc = "REAL MONEY TRADING"
	case "VALIDATE":
		color = ColorYellow
		modeDesc = "EXCHANGE VALIDATION ONLY"
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}

	fmt.Fprintln(w)
	line("###########################################################")
	line("#                                                         #")
	line("#               🐙 %-38s #", AppName)
	line("#                                                         #")
	line("#   MODE:     %-35s #", mode)
	line("#   TYPE:     %-35s #", modeDesc)
	line("#   VERSION:  %-35s #", Version)
	line("#   PAIRS:    %-35s #", strings.Join(cfg.Kraken.Pairs, ","))
	line("#   STRATEGY: %-35s #", cfg.Trading.Strategy)
	line("#                                                         #")
	if mode == "LIVE" {
		line("#   ⚠️  WARNING: YOU ARE TRADING WITH REAL MONEY  ⚠️      #")
		line("#   ENSURE YOU HAVE VERIFIED YOUR STRATEGY IN VALIDATE    #")
	}
	line("###########################################################")
	fmt.Fprintln(w)
}
