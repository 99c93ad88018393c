package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/config"
)

// runBalance fetches and prints the account balance for one environment.
func runBalance(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, jsonOut bool) int {
	if len(args) != 1 || !validEnv(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: daybreak balance {sandbox|prod}")
		return 2
	}
	env := args[0]

	session, err := sessionFor(cfg, env, logger)
	if err != nil {
		return fail(logger, "credentials_missing", err)
	}
	et := broker.NewETrade(session, brokerURLFor(cfg, env), cfg.Broker.AccountIDKey, cfg.BrokerTimeout(), logger)

	bal, err := et.GetBalance(ctx)
	if err != nil {
		return fail(logger, "balance_failed", err)
	}

	if jsonOut {
		out := map[string]float64{
			"account_value":                 bal.AccountValue,
			"cash_available_for_investment": bal.CashAvailableForInvestment,
			"buying_power":                  bal.BuyingPower,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fail(logger, "encode_failed", err)
		}
		return 0
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Account Value", "Cash Available", "Buying Power"})
	t.AppendRow(table.Row{
		fmt.Sprintf("$%.2f", bal.AccountValue),
		fmt.Sprintf("$%.2f", bal.CashAvailableForInvestment),
		fmt.Sprintf("$%.2f", bal.BuyingPower),
	})
	t.SetStyle(table.StyleLight)
	t.Render()
	return 0
}
