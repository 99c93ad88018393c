// Command daybreak runs the opening-range breakout engine and its
// operator commands: the interactive OAuth flow, token status and
// keep-alive checks, account balance, and the trading process itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/config"
	"github.com/openrange-labs/daybreak/internal/logging"
)

const usageText = `usage: daybreak [-config path] <command> [args]

commands:
  oauth start {sandbox|prod}        interactive 3-legged authorization
  oauth status [sandbox|prod]       token status for one or both environments
  oauth keepalive {sandbox|prod|both}  one-shot signed keep-alive call
  run [--confirm-live] {demo|live}  start the trading process for today
  balance {sandbox|prod}            account balance

flags:
  -config path   configuration file (default config.yaml)
  -json          machine-readable output where supported
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches one CLI invocation and returns the process exit code.
// Command errors print a stable error kind on stderr.
func run(args []string) int {
	configPath := "config.yaml"
	jsonOut := false

	// Global flags may precede the command word.
	rest := args
flags:
	for len(rest) > 0 {
		switch {
		case rest[0] == "-config" || rest[0] == "--config":
			if len(rest) < 2 {
				fmt.Fprintln(os.Stderr, "error: -config requires a path")
				return 2
			}
			configPath = rest[1]
			rest = rest[2:]
		case rest[0] == "-json" || rest[0] == "--json":
			jsonOut = true
			rest = rest[1:]
		case rest[0] == "-h" || rest[0] == "--help" || rest[0] == "help":
			fmt.Print(usageText)
			return 0
		default:
			break flags
		}
	}

	if len(rest) == 0 {
		fmt.Print(usageText)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "oauth":
		return runOAuth(ctx, cfg, logger, cmdArgs, jsonOut)
	case "run":
		return runEngine(ctx, cfg, logger, cmdArgs)
	case "balance":
		return runBalance(ctx, cfg, logger, cmdArgs, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n%s", cmd, usageText)
		return 2
	}
}

// validEnv reports whether the argument names a broker environment.
func validEnv(env string) bool {
	return env == "sandbox" || env == "prod"
}

// fail prints one stable error line and returns the non-zero exit code.
func fail(logger zerolog.Logger, kind string, err error) int {
	logger.Error().Err(err).Str("kind", kind).Msg("command failed")
	fmt.Fprintf(os.Stderr, "error (%s): %v\n", kind, err)
	return 1
}
