// Command commissionctl runs operator actions against the configured store.
//
// Usage:
//
//	commissionctl settle <recordId>...           # Settle ready records (max 100)
//	commissionctl settle-ready                   # Settle the next batch of ready records
//	commissionctl release [limit]                # Promote matured holds to ready
//	commissionctl reverse <orderId>              # Claw back an order's paid commissions
//	commissionctl balance <siteId> <agentId>     # Show an agent balance
//	commissionctl commissions <orderId>          # List an order's commission records
//	commissionctl plan <file.json>               # Load or replace a commission plan
//	commissionctl upline <accountId> [uplineId]  # Set or clear a referral edge
//	commissionctl stats <siteId> <agentId> <lifetimeSales> [level]
//
// Configuration comes from the same environment as the server. Without
// DATABASE_URL the commands run against empty in-memory stores, which is
// only useful for trying the tool out.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/balance"
	"github.com/mbd888/affiliate/internal/config"
	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/engine"
	"github.com/mbd888/affiliate/internal/logging"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/stats"
)

var errUsage = errors.New("usage")

const usage = `Usage: commissionctl <command> [args]
Commands:
  settle <recordId>...
  settle-ready
  release [limit]
  reverse <orderId>
  balance <siteId> <agentId>
  commissions <orderId>
  plan <file.json>
  upline <accountId> [uplineId]
  stats <siteId> <agentId> <lifetimeSales> [level]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	err = a.dispatch(ctx, os.Args[1:])
	cleanup()

	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	case err != nil:
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

type app struct {
	eng    *engine.Engine
	out    io.Writer
	logger *slog.Logger
	now    func() time.Time
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, func(), error) {
	deps := engine.Deps{Logger: logger}
	var closers []func() error

	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		deps.DB = db
		closers = append(closers, db.Close)
	} else {
		logger.Warn("DATABASE_URL not set, using empty in-memory stores")
	}
	if cfg.RedisURL != "" {
		client, err := engine.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		deps.Redis = client
		closers = append(closers, client.Close)
	} else if cfg.DatabaseURL != "" {
		logger.Warn("REDIS_URL not set, account locks do not exclude a running server")
	}

	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	eng, err := engine.New(ctx, cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return &app{eng: eng, out: os.Stdout, logger: logger, now: time.Now}, cleanup, nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "settle":
		return a.settle(ctx, rest)
	case "settle-ready":
		return a.settleReady(ctx)
	case "release":
		return a.release(ctx, rest)
	case "reverse":
		return a.reverse(ctx, rest)
	case "balance":
		return a.balance(ctx, rest)
	case "commissions":
		return a.commissions(ctx, rest)
	case "plan":
		return a.plan(ctx, rest)
	case "upline":
		return a.upline(ctx, rest)
	case "stats":
		return a.stats(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) settle(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: settle needs at least one record id", errUsage)
	}
	report, err := a.eng.Settlements.Settle(ctx, ids)
	if err != nil {
		return err
	}
	return a.print(report)
}

func (a *app) settleReady(ctx context.Context) error {
	report, err := a.eng.Settlements.SettleReady(ctx)
	if err != nil {
		return err
	}
	return a.print(report)
}

func (a *app) release(ctx context.Context, args []string) error {
	limit := 500
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("%w: limit must be a positive integer", errUsage)
		}
		limit = n
	}
	released, err := a.eng.Commissions.ReleaseMatured(ctx, a.now(), limit)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"released": len(released), "commissions": released})
}

func (a *app) reverse(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: reverse <orderId>", errUsage)
	}
	report, err := a.eng.Chargebacks.ReverseForOrder(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(report)
}

func (a *app) balance(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: balance <siteId> <agentId>", errUsage)
	}
	acct, err := a.eng.Balances.Get(ctx, balance.Key{SiteID: args[0], AgentID: args[1]})
	if err != nil {
		return err
	}
	return a.print(a.eng.Balances.View(acct))
}

func (a *app) commissions(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: commissions <orderId>", errUsage)
	}
	records, err := a.eng.Commissions.ListByOrder(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(records)
}

// planSaver is satisfied by both registries.
type planSaver interface {
	Save(ctx context.Context, plan *snapshot.Plan) error
}

func (a *app) plan(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: plan <file.json>", errUsage)
	}
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	plan, err := snapshot.DecodePlan(blob)
	if err != nil {
		return err
	}
	saver, ok := a.eng.Registry.(planSaver)
	if !ok {
		return fmt.Errorf("plan registry %T is read-only", a.eng.Registry)
	}
	if err := saver.Save(ctx, plan); err != nil {
		return err
	}
	a.logger.Info("plan saved", "planId", plan.ID, "siteId", plan.SiteID, "mode", plan.Mode, "tiers", len(plan.Tiers))
	return a.print(map[string]any{"planId": plan.ID, "siteId": plan.SiteID, "version": plan.Version, "tiers": len(plan.Tiers)})
}

func (a *app) upline(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: upline <accountId> [uplineId]", errUsage)
	}
	account, upline := args[0], ""
	if len(args) == 2 {
		upline = args[1]
	}
	if account == upline {
		return fmt.Errorf("account %s cannot refer itself", account)
	}
	switch g := a.eng.Graph.(type) {
	case *referral.PostgresGraph:
		if err := g.SetUpline(ctx, account, upline); err != nil {
			return err
		}
	case *referral.MemoryGraph:
		g.SetUpline(account, upline)
	default:
		return fmt.Errorf("referral graph %T is read-only", a.eng.Graph)
	}
	return a.print(map[string]string{"accountId": account, "uplineId": upline})
}

func (a *app) stats(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("%w: stats <siteId> <agentId> <lifetimeSales> [level]", errUsage)
	}
	site, agent := args[0], args[1]
	sales, err := decimal.NewFromString(args[2])
	if err != nil || sales.IsNegative() {
		return fmt.Errorf("%w: lifetimeSales must be a non-negative number", errUsage)
	}
	level := ""
	if len(args) == 4 {
		level = args[3]
	}
	switch p := a.eng.Stats.(type) {
	case *stats.PostgresProvider:
		if err := p.Upsert(ctx, site, agent, sales, level); err != nil {
			return err
		}
	case *stats.MemoryProvider:
		p.SetSales(site, agent, sales)
		p.SetLevel(site, agent, level)
	default:
		return fmt.Errorf("stats provider %T is read-only", a.eng.Stats)
	}
	return a.print(map[string]string{"siteId": site, "agentId": agent, "lifetimeSales": sales.String(), "level": level})
}
