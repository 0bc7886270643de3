// Package engine assembles the commission engine from configuration and
// storage handles. The HTTP server and the operator CLI share it.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/affiliate/internal/balance"
	"github.com/mbd888/affiliate/internal/circuitbreaker"
	"github.com/mbd888/affiliate/internal/commission"
	"github.com/mbd888/affiliate/internal/config"
	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/events"
	"github.com/mbd888/affiliate/internal/logging"
	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/retry"
	"github.com/mbd888/affiliate/internal/settlement"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/stats"
	"github.com/mbd888/affiliate/internal/syncutil"
)

const (
	EventStream       = "affiliate:events"
	eventStreamMaxLen = 100000
	lockPrefix        = "affiliate:lock:account:"
	memoryLockShards  = 256
	maxRetryDelay     = 30 * time.Second

	sinkFailureThreshold = 5
	sinkCooldown         = 30 * time.Second
)

// Deps are the external handles the engine runs on. A nil DB selects the
// in-memory stores; a nil Redis selects the in-process account lock.
// Registry, Graph and Stats default to the store matching DB.
type Deps struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Registry snapshot.Registry
	Graph    referral.Graph
	Stats    stats.Provider
	Sinks    []events.Sink
	Logger   *slog.Logger
}

// Engine holds the wired components.
type Engine struct {
	Quantizer   money.Quantizer
	Registry    snapshot.Registry
	Graph       referral.Graph
	Stats       stats.Provider
	Events      *events.Emitter
	Snapshots   *snapshot.Service
	Records     commission.Store
	Commissions *commission.Service
	Worker      *commission.Worker
	HoldTimer   *commission.Timer
	Balances    *balance.Service
	Audit       settlement.AuditStore
	Settlements *settlement.Processor
	Chargebacks *settlement.ChargebackService
}

// Migrator creates a store's tables.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// New builds the engine. With a DB, each Postgres store's tables are created
// if missing.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mode, err := money.ParseRoundingMode(cfg.RoundingMode)
	if err != nil {
		return nil, err
	}
	q, err := money.NewQuantizer(cfg.AmountPrecision, mode)
	if err != nil {
		return nil, err
	}
	e := &Engine{Quantizer: q, Registry: deps.Registry, Graph: deps.Graph, Stats: deps.Stats}

	var (
		snapStore    snapshot.Store
		balanceStore balance.Store
		tx           database.TxRunner = database.NoTx{}
		locker       syncutil.Locker
	)
	if deps.DB != nil {
		snapPG := snapshot.NewPostgresStore(deps.DB)
		recordsPG := commission.NewPostgresStore(deps.DB)
		balancePG := balance.NewPostgresStore(deps.DB)
		auditPG := settlement.NewPostgresStore(deps.DB)
		// Same order as the goose migrations.
		migrators := []struct {
			name string
			m    Migrator
		}{
			{"snapshots", snapPG}, {"commissions", recordsPG}, {"balances", balancePG}, {"settlement", auditPG},
		}
		for _, mg := range migrators {
			if err := mg.m.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate %s: %w", mg.name, err)
			}
		}
		snapStore, e.Records, balanceStore, e.Audit = snapPG, recordsPG, balancePG, auditPG
		tx = database.NewPostgresTx(deps.DB)

		if e.Registry == nil {
			e.Registry = snapshot.NewPostgresRegistry(deps.DB)
		}
		if e.Graph == nil {
			e.Graph = referral.NewPostgresGraph(deps.DB)
		}
		if e.Stats == nil {
			e.Stats = stats.NewPostgresProvider(deps.DB)
		}
	} else {
		snapStore = snapshot.NewMemoryStore()
		e.Records = commission.NewMemoryStore()
		balanceStore = balance.NewMemoryStore()
		e.Audit = settlement.NewMemoryStore()

		if e.Registry == nil {
			e.Registry = snapshot.NewMemoryRegistry()
		}
		if e.Graph == nil {
			e.Graph = referral.NewMemoryGraph()
		}
		if e.Stats == nil {
			e.Stats = stats.NewMemoryProvider()
		}
	}

	sinks := deps.Sinks
	if deps.Redis != nil {
		locker = syncutil.NewRedisLocker(deps.Redis, lockPrefix, 0)
		breaker := circuitbreaker.New(sinkFailureThreshold, sinkCooldown, circuitbreaker.WithTransitionHook(
			func(name string, from, to circuitbreaker.State) {
				logger.Warn("event sink circuit changed", "sink", name, "from", from.String(), "to", to.String())
			}))
		sinks = append(sinks, events.NewGuardedSink("redis_stream",
			events.NewRedisSink(deps.Redis, EventStream, eventStreamMaxLen), breaker))
	} else {
		locker = syncutil.NewKeyedMutex(memoryLockShards)
	}
	eventLog := logging.For(logger, "events")
	if len(sinks) == 0 {
		sinks = []events.Sink{events.LogSink{Logger: eventLog}}
	}
	e.Events = events.NewEmitter(eventLog, sinks...)

	e.Snapshots = snapshot.NewService(e.Registry, snapStore, logging.For(logger, "snapshot"))
	resolver := referral.NewResolver(e.Graph, logging.For(logger, "referral"))
	calc := commission.NewCalculator(q, commission.LevelRates(cfg.AgentLevelRates), e.Stats, logging.For(logger, "calculator"))

	commissionLog := logging.For(logger, "commission")
	e.Commissions = commission.NewService(commission.Config{
		Snapshots: e.Snapshots,
		Resolver:  resolver,
		Calc:      calc,
		Store:     e.Records,
		Tx:        tx,
		Events:    e.Events,
		Logger:    commissionLog,
		MaxDepth:  cfg.MaxReferralDepth,
	})
	e.Worker = commission.NewWorker(e.Commissions, cfg.CalcQueueSize, cfg.CalcWorkers, retry.Policy{
		MaxAttempts: cfg.CalcMaxAttempts,
		BaseDelay:   cfg.CalcRetryBaseDelay,
		MaxDelay:    maxRetryDelay,
	}, commissionLog)
	e.Commissions.WithQueue(e.Worker)
	e.HoldTimer = commission.NewTimer(e.Commissions, cfg.HoldReleaseInterval, cfg.HoldReleaseBatch, commissionLog)

	e.Balances = balance.NewService(balanceStore, locker, q, cfg.AccountLockTimeout, logging.For(logger, "balance"))

	settlementLog := logging.For(logger, "settlement")
	e.Settlements = settlement.NewProcessor(e.Records, e.Balances, e.Audit, tx, e.Events, q, cfg.SettlementMaxBatch, settlementLog)
	e.Chargebacks = settlement.NewChargebackService(e.Records, e.Balances, e.Audit, tx, e.Events, q, settlementLog)

	return e, nil
}

// StatusCounts reports ledger records per status with string keys, the shape
// the backlog gauge reads.
func (e *Engine) StatusCounts(ctx context.Context) (map[string]int, error) {
	counts, err := e.Records.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	return out, nil
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
