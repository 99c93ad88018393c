package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/config"
	"github.com/openrange-labs/daybreak/internal/oauth"
)

// runOAuth dispatches the oauth subcommands.
func runOAuth(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, jsonOut bool) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: daybreak oauth {start|status|keepalive} [env]")
		return 2
	}
	switch args[0] {
	case "start":
		if len(args) != 2 || !validEnv(args[1]) {
			fmt.Fprintln(os.Stderr, "usage: daybreak oauth start {sandbox|prod}")
			return 2
		}
		return oauthStart(ctx, cfg, logger, args[1])
	case "status":
		envs := []string{"sandbox", "prod"}
		if len(args) == 2 {
			if !validEnv(args[1]) {
				fmt.Fprintln(os.Stderr, "usage: daybreak oauth status [sandbox|prod]")
				return 2
			}
			envs = []string{args[1]}
		}
		return oauthStatus(cfg, logger, envs, jsonOut)
	case "keepalive":
		var envs []string
		switch {
		case len(args) == 2 && args[1] == "both":
			envs = []string{"sandbox", "prod"}
		case len(args) == 2 && validEnv(args[1]):
			envs = []string{args[1]}
		default:
			fmt.Fprintln(os.Stderr, "usage: daybreak oauth keepalive {sandbox|prod|both}")
			return 2
		}
		return oauthKeepAlive(ctx, cfg, logger, envs)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown oauth subcommand %q\n", args[0])
		return 2
	}
}

// sessionFor builds the OAuth session for one environment from config.
func sessionFor(cfg *config.Config, env string, logger zerolog.Logger) (*oauth.Session, error) {
	key, secret := cfg.Credentials(env)
	if key == "" || secret == "" {
		return nil, fmt.Errorf("credentials_missing: no consumer key/secret for %s (set ETRADE_%s_KEY and _SECRET)",
			env, strings.ToUpper(env))
	}
	store, err := oauth.NewTokenStore(cfg.OAuth.TokenDir)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}
	session, err := oauth.NewSession(env, key, secret, store, logger)
	if err != nil {
		return nil, err
	}
	return session.WithRenewalDue(cfg.KeepAliveDue()), nil
}

// brokerURLFor resolves the REST base URL for an explicit environment,
// independent of which one the config selects for trading.
func brokerURLFor(cfg *config.Config, env string) string {
	if env == "prod" {
		if cfg.Broker.ProdURL != "" {
			return cfg.Broker.ProdURL
		}
		return "https://api.etrade.com"
	}
	if cfg.Broker.SandboxURL != "" {
		return cfg.Broker.SandboxURL
	}
	return "https://apisb.etrade.com"
}

func oauthStart(ctx context.Context, cfg *config.Config, logger zerolog.Logger, env string) int {
	session, err := sessionFor(cfg, env, logger)
	if err != nil {
		return fail(logger, "credentials_missing", err)
	}

	prompt := func(authorizeURL string) (string, error) {
		fmt.Printf("Authorize the application in your browser:\n\n  %s\n\n", authorizeURL)
		fmt.Print("Verification code: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("user_aborted: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	if err := session.Start(ctx, prompt); err != nil {
		return fail(logger, "broker_rejected", err)
	}
	st := session.Status()
	fmt.Printf("authorized %s, token valid until %s\n", env, st.ExpiresAt.Format(time.RFC3339))
	return 0
}

func oauthStatus(cfg *config.Config, logger zerolog.Logger, envs []string, jsonOut bool) int {
	statuses := make([]oauth.TokenStatus, 0, len(envs))
	for _, env := range envs {
		session, err := sessionFor(cfg, env, logger)
		if err != nil {
			// Missing credentials still get a status row.
			statuses = append(statuses, oauth.TokenStatus{Env: env, State: oauth.TokenMissing})
			continue
		}
		statuses = append(statuses, session.Status())
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(statuses); err != nil {
			return fail(logger, "encode_failed", err)
		}
		return 0
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Env", "State", "Obtained", "Last Used", "Last Renewed", "Expires", "Renewals"})
	for _, st := range statuses {
		t.AppendRow(table.Row{
			st.Env, string(st.State),
			fmtTime(st.ObtainedAt), fmtTime(st.LastUsedAt), fmtTime(st.LastRenewed), fmtTime(st.ExpiresAt),
			fmt.Sprintf("%d (%d failed)", st.Metrics.RenewAttempts, st.Metrics.RenewFailures),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	return 0
}

func oauthKeepAlive(ctx context.Context, cfg *config.Config, logger zerolog.Logger, envs []string) int {
	code := 0
	for _, env := range envs {
		session, err := sessionFor(cfg, env, logger)
		if err != nil {
			code = fail(logger, "credentials_missing", err)
			continue
		}
		et := broker.NewETrade(session, brokerURLFor(cfg, env), cfg.Broker.AccountIDKey, cfg.BrokerTimeout(), logger)
		accounts, err := et.ListAccounts(ctx)
		if err != nil {
			code = fail(logger, "keepalive_failed", fmt.Errorf("%s: %w", env, err))
			continue
		}
		fmt.Printf("%s keep-alive ok, %d accounts visible\n", env, len(accounts))
	}
	return code
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
