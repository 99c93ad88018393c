// audit_positions compares the positions the engine has on file against
// the broker's portfolio, flagging drift in symbols and quantities. Run it
// after a crash or a manual intervention before restarting the engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/config"
	"github.com/openrange-labs/daybreak/internal/logging"
	"github.com/openrange-labs/daybreak/internal/oauth"
	"github.com/openrange-labs/daybreak/internal/storage"
)

type auditRow struct {
	Symbol      string  `json:"symbol"`
	StoredQty   float64 `json:"stored_qty"`
	BrokerQty   float64 `json:"broker_qty"`
	Discrepancy string  `json:"discrepancy,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		jsonOutput = flag.Bool("json", false, "output results as JSON")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: "warn"})

	store, err := storage.NewStorage(filepath.Join(cfg.Storage.Path, "state.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening storage: %v\n", err)
		os.Exit(1)
	}

	stored := make(map[string]float64)
	for _, p := range store.GetOpenPositions() {
		stored[p.Symbol] += float64(p.Quantity)
	}
	for _, p := range store.GetOpenOptionPositions() {
		stored[p.Underlying] += float64(p.Quantity)
	}

	env := cfg.Environment.Name
	key, secret := cfg.Credentials(env)
	if key == "" || secret == "" {
		fmt.Fprintf(os.Stderr, "error: no consumer credentials for %s\n", env)
		os.Exit(1)
	}
	tokens, err := oauth.NewTokenStore(cfg.OAuth.TokenDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	session, err := oauth.NewSession(env, key, secret, tokens, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	et := broker.NewETrade(session, cfg.BrokerURL(), cfg.Broker.AccountIDKey, cfg.BrokerTimeout(), logger)

	ctx := context.Background()
	holdings, err := et.ListPositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: listing broker positions: %v\n", err)
		os.Exit(1)
	}
	atBroker := make(map[string]float64)
	for _, h := range holdings {
		atBroker[h.Symbol] += h.Quantity
	}

	rows := make([]auditRow, 0, len(stored)+len(atBroker))
	seen := make(map[string]bool)
	for sym, qty := range stored {
		row := auditRow{Symbol: sym, StoredQty: qty, BrokerQty: atBroker[sym]}
		if math.Abs(row.StoredQty-row.BrokerQty) > 1e-9 {
			row.Discrepancy = "quantity mismatch"
		}
		rows = append(rows, row)
		seen[sym] = true
	}
	for sym, qty := range atBroker {
		if seen[sym] {
			continue
		}
		rows = append(rows, auditRow{Symbol: sym, BrokerQty: qty, Discrepancy: "not tracked by engine"})
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Symbol", "Stored", "Broker", "Discrepancy"})
	clean := true
	for _, r := range rows {
		t.AppendRow(table.Row{r.Symbol, r.StoredQty, r.BrokerQty, r.Discrepancy})
		if r.Discrepancy != "" {
			clean = false
		}
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	if clean {
		fmt.Println("no discrepancies")
	} else {
		os.Exit(1)
	}
}
