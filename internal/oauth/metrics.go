package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionMetrics are the operational counters behind "is auth healthy":
// renewal churn, 401 pressure, and the next hard expiry. Persisted as
// metrics_{env}.json next to the sealed token so they survive restarts.
type SessionMetrics struct {
	RenewAttempts       int       `json:"renew_attempts"`
	RenewFailures       int       `json:"renew_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Last401Count        int       `json:"last_401_count"`
	LastSuccessfulCall  time.Time `json:"last_successful_call"`
	NextMidnightET      time.Time `json:"next_midnight_et"`
}

func (ts *TokenStore) metricsPath(env string) string {
	return filepath.Join(ts.dir, "metrics_"+env+".json")
}

// SaveMetrics writes the counters for env. Unlike tokens these hold no
// secrets, so they stay plain JSON for operators to inspect.
func (ts *TokenStore) SaveMetrics(env string, m SessionMetrics) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := ts.metricsPath(env)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadMetrics reads the counters for env. A missing file yields zeroes.
func (ts *TokenStore) LoadMetrics(env string) (SessionMetrics, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var m SessionMetrics
	data, err := os.ReadFile(ts.metricsPath(env))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing metrics for %s: %w", env, err)
	}
	return m, nil
}
