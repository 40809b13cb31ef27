package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/rawblock/omnibatch-engine/internal/account"
	"github.com/rawblock/omnibatch-engine/internal/admission"
	"github.com/rawblock/omnibatch-engine/internal/api"
	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/db"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/internal/reveal"
	"github.com/rawblock/omnibatch-engine/internal/settlement"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// dualBatchLog commits a BatchLog to the in-memory hot path and, when a
// durable mirror is configured, to Postgres as well. Implements
// internal/reveal.DB.
type dualBatchLog struct {
	hot     *batch.LogStore
	durable *db.PostgresStore
}

func (d dualBatchLog) CommitBatchLog(ctx context.Context, log models.BatchLog) error {
	if err := d.hot.CommitBatchLog(ctx, log); err != nil {
		return err
	}
	if d.durable != nil {
		return d.durable.CommitBatchLog(ctx, log)
	}
	return nil
}

func main() {
	log.Println("Starting the omni-batch MPC settlement engine...")

	// ─── Environment Variables ──────────────────────────────────────────
	// All credentials come from environment variables. No fallback
	// defaults for security-sensitive values; every variable is optional
	// and an unset one disables or defaults the feature it configures.
	// ────────────────────────────────────────────────────────────────────

	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		conn, err := db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing in-memory-only. Error: %v", err)
		} else {
			defer conn.Close()
			if err := conn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
			dbConn = conn
		}
	} else {
		log.Println("DATABASE_URL not set — running in-memory-only, no durable mirror")
	}

	// Setup WebSocket Hub (component C10)
	wsHub := api.NewHub()
	go wsHub.Run()
	publisher := events.NewPublisher(wsHub)

	// MXE cluster signing/encryption keys (component C4)
	clusterKeys, err := mpc.NewClusterKeys()
	if err != nil {
		log.Fatalf("FATAL: failed to generate MXE cluster keys: %v", err)
	}

	onAbort := func(circuitID mpc.CircuitID, offset uint64, cbErr error) {
		publisher.Publish(events.AbortedComputation{
			CircuitID:         string(circuitID),
			ComputationOffset: offset,
			Reason:            cbErr.Error(),
		})
	}
	simulator := mpc.NewSimulator(clusterKeys, evalTick(), onAbort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go simulator.Run(ctx)

	// Hot-path stores, optionally mirrored to Postgres.
	var durable ledger.Durable
	if dbConn != nil {
		durable = dbConn
	}
	ledgerStore := ledger.New(durable)
	if dbConn != nil {
		profiles, err := dbConn.LoadProfiles(ctx)
		if err != nil {
			log.Printf("Warning: failed to rehydrate profiles from Postgres: %v", err)
		} else if len(profiles) > 0 {
			ledgerStore.Rehydrate(profiles)
			log.Printf("Rehydrated %d profiles from durable mirror", len(profiles))
		}
	}

	policy := batch.DefaultTriggerPolicy()
	if v := os.Getenv("BATCH_MIN_ORDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			policy = batch.NewTriggerPolicy(uint8(n), policy.MinPairs)
		}
	}
	accumulator := batch.New(policy)

	// logStore is always the hot path BatchLogLookup Settler reads from;
	// dbConn (when present) is mirrored alongside it on commit, the same
	// "in-memory primary, Postgres mirror" split as internal/ledger.Store.
	logStore := batch.NewLogStore()
	committer := reveal.New(accumulator, simulator, reveal.SimulatedSwap{}, dualBatchLog{logStore, dbConn}, publisher)

	admitter := admission.New(ledgerStore, accumulator, simulator, publisher, func(batchID uint64) {
		publisher.Publish(events.BatchReady{BatchID: batchID})
		if _, err := committer.TriggerReveal(context.Background()); err != nil {
			log.Printf("reveal: trigger failed: %v", err)
		}
	})

	settler := settlement.New(ledgerStore, simulator, logStore, publisher)

	vault := account.NewVault()
	faucetLimit := uint64(1_000_000_000) // 1000 units at 6 decimals
	if v := os.Getenv("FAUCET_LIMIT_MICRO"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			faucetLimit = n
		}
	}
	accountMgr := account.New(ledgerStore, simulator, settler, vault, publisher, faucetLimit)

	// Setup the Gin Router (component C9)
	r := api.SetupRouter(dbConn, wsHub, ledgerStore, accumulator, accountMgr, admitter, committer, settler)

	port := getEnvOrDefault("PORT", "5339")

	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// evalTick controls how often the Simulator drains its queue; configurable
// for integration testing (MPC_TICK_MS) where a tighter loop exercises
// settle/reveal races sooner.
func evalTick() time.Duration {
	if v := os.Getenv("MPC_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 5 * time.Millisecond
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
