// Command roundctl is the operator CLI for the round engine. It reads and
// writes the same store the engine uses.
//
//	roundctl -config config.toml rounds -category btc -limit 20
//	roundctl positions -user alice
//	roundctl settlement -round <id>
//	roundctl grant -user alice -amount 500 -reason signup
//	roundctl audit -limit 50
//	roundctl migrate
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/roundamm/internal/app"
	"github.com/alanyoungcy/roundamm/internal/config"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/service"
)

const usage = `usage: roundctl [-config path] <command> [flags]

commands:
  rounds      list rounds of a category
  positions   list a user's positions
  settlement  show a round's settlement and payouts
  grant       credit PTS to a user
  audit       list recent audit entries
  migrate     apply database migrations (postgres)
`

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args(), os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "roundctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string, out io.Writer, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cmd, rest := args[0], args[1:]
	// Only the migrate command changes the schema.
	cfg.Postgres.RunMigrations = cmd == "migrate"
	if cmd == "migrate" && strings.ToLower(cfg.Store.Driver) != "postgres" {
		return fmt.Errorf("migrate: store driver %q has no migrations to run", cfg.Store.Driver)
	}

	store, _, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch cmd {
	case "rounds":
		return cmdRounds(ctx, store, rest, out)
	case "positions":
		return cmdPositions(ctx, store, rest, out)
	case "settlement":
		return cmdSettlement(ctx, store, rest, out)
	case "grant":
		return cmdGrant(ctx, store, rest, out)
	case "audit":
		return cmdAudit(ctx, store, rest, out)
	case "migrate":
		fmt.Fprintln(out, "migrations up to date")
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func cmdRounds(ctx context.Context, store domain.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rounds", flag.ContinueOnError)
	category := fs.String("category", "btc", "round category")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rounds, err := store.ListRounds(ctx, *category, domain.ListOpts{Limit: *limit})
	if err != nil {
		return err
	}
	renderRounds(out, rounds)
	return nil
}

func cmdPositions(ctx context.Context, store domain.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("positions", flag.ContinueOnError)
	user := fs.String("user", "", "user id (required)")
	roundID := fs.String("round", "", "restrict to one round")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("positions: -user is required")
	}
	positions, err := store.ListPositions(ctx, *user, *roundID)
	if err != nil {
		return err
	}
	renderPositions(out, positions)
	return nil
}

func cmdSettlement(ctx context.Context, store domain.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("settlement", flag.ContinueOnError)
	roundID := fs.String("round", "", "round id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roundID == "" {
		return errors.New("settlement: -round is required")
	}
	sum, err := store.GetSettlement(ctx, *roundID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("round %s has not settled", *roundID)
		}
		return err
	}
	payouts, err := store.ListPayouts(ctx, *roundID)
	if err != nil {
		return err
	}
	renderSettlement(out, sum, payouts)
	return nil
}

func cmdGrant(ctx context.Context, store domain.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	user := fs.String("user", "", "user id (required)")
	amount := fs.String("amount", "", "PTS to credit (required)")
	reason := fs.String("reason", "operator grant", "audit reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := fixed.Parse(*amount)
	if err != nil {
		return fmt.Errorf("grant: amount: %w", err)
	}
	bal, err := service.GrantBalance(ctx, store, *user, a, *reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "credited %s to %s, balance now %s\n", a, bal.UserID, bal.Amount)
	return nil
}

func cmdAudit(ctx context.Context, store domain.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := store.List(ctx, domain.ListOpts{Limit: *limit})
	if err != nil {
		return err
	}
	renderAudit(out, entries)
	return nil
}
