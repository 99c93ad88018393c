package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExposition(t *testing.T) {
	RecordSignal("SO", "long")
	RecordOrder("buy", "placed")
	RecordExit("hard_stop")
	ObserveBrokerCall("get_quotes", 120*time.Millisecond)
	SetOpenPositions(3)
	SetDeployedCapital("SO", 45_000)
	SetAccountValue(101_500)
	RecordError("broker")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`daybreak_signals_total{side="long",type="SO"} 1`,
		`daybreak_orders_total{outcome="placed",side="buy"} 1`,
		`daybreak_exits_total{trigger="hard_stop"} 1`,
		`daybreak_broker_latency_seconds_count{op="get_quotes"} 1`,
		`daybreak_open_positions 3`,
		`daybreak_deployed_capital_dollars{type="SO"} 45000`,
		`daybreak_account_value_dollars 101500`,
		`daybreak_errors_total{component="broker"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
