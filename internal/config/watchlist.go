package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/openrange-labs/daybreak/internal/models"
)

// LoadWatchlist reads the equity watchlist CSV. Required columns are
// symbol and tier; leveraged, inverse_of, sector, and strike_increment are
// optional and default to zero values. A header row is required.
func LoadWatchlist(path string) ([]models.Symbol, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("opening watchlist: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1 // optional trailing columns

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading watchlist header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["symbol"]; !ok {
		return nil, fmt.Errorf("watchlist missing required column: symbol")
	}
	if _, ok := col["tier"]; !ok {
		return nil, fmt.Errorf("watchlist missing required column: tier")
	}

	var (
		symbols []models.Symbol
		seen    = make(map[string]bool)
		line    = 1
	)
	for {
		record, err := r.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("watchlist line %d: %w", line, err)
		}

		field := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		ticker := strings.ToUpper(field("symbol"))
		if ticker == "" {
			continue
		}
		if seen[ticker] {
			return nil, fmt.Errorf("watchlist line %d: duplicate symbol %s", line, ticker)
		}
		seen[ticker] = true

		tier, err := strconv.Atoi(field("tier"))
		if err != nil || tier < 1 || tier > 3 {
			return nil, fmt.Errorf("watchlist line %d: tier must be 1-3 for %s", line, ticker)
		}

		sym := models.Symbol{
			Ticker:    ticker,
			Tier:      models.Tier(tier),
			InverseOf: strings.ToUpper(field("inverse_of")),
			Sector:    field("sector"),
		}
		if v := field("leveraged"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("watchlist line %d: leveraged must be boolean for %s", line, ticker)
			}
			sym.Leveraged = b
		}
		if v := field("strike_increment"); v != "" {
			inc, err := strconv.ParseFloat(v, 64)
			if err != nil || inc < 0 {
				return nil, fmt.Errorf("watchlist line %d: strike_increment invalid for %s", line, ticker)
			}
			sym.StrikeIncrement = inc
		}
		symbols = append(symbols, sym)
	}

	if len(symbols) == 0 {
		return nil, fmt.Errorf("watchlist %s contains no symbols", path)
	}
	return symbols, nil
}
