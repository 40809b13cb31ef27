// Package db implements component C11: the pgx-backed durable mirror for
// UserProfiles and BatchLogs. It is adapted from the teacher's
// PostgresStore — same pgxpool + transactional-upsert shape, different
// tables — and stays a thin mirror behind the in-memory stores in
// internal/ledger and internal/batch (LogStore), which remain the hot path.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for the omni-batch engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Omni-batch engine schema initialized")
	return nil
}

// UpsertProfile mirrors a UserProfile's current state — implements
// internal/ledger.Durable. The pending-ticket columns are all nulled out
// when Pending is nil, matching the teacher's upsert idiom in
// SaveAnonSetWindow (ON CONFLICT DO UPDATE on every column).
func (s *PostgresStore) UpsertProfile(owner string, p models.UserProfile) error {
	ctx := context.Background()

	balCT := make([][]byte, models.NumAssets)
	balNonce := make([][]byte, models.NumAssets)
	for i := 0; i < models.NumAssets; i++ {
		balCT[i] = append([]byte(nil), p.Balances[i][:]...)
		balNonce[i] = append([]byte(nil), p.BalanceNonce[i][:]...)
	}

	var (
		pendingBatchID      *int64
		pendingPairID       *int16
		pendingDirection    *bool
		pendingEncPairID    []byte
		pendingEncDirection []byte
		pendingEncAmount    []byte
		pendingOrderNonce   []byte
	)
	if p.Pending != nil {
		b := int64(p.Pending.BatchID)
		pendingBatchID = &b
		pid := int16(p.Pending.PairID)
		pendingPairID = &pid
		dir := bool(p.Pending.Direction)
		pendingDirection = &dir
		pendingEncPairID = append([]byte(nil), p.Pending.EncPairID[:]...)
		pendingEncDirection = append([]byte(nil), p.Pending.EncDirection[:]...)
		pendingEncAmount = append([]byte(nil), p.Pending.EncAmount[:]...)
		pendingOrderNonce = append([]byte(nil), p.Pending.OrderNonce[:]...)
	}

	const sql = `
		INSERT INTO user_profiles
			(owner, public_key, balance_ct, balance_nonce,
			 pending_batch_id, pending_pair_id, pending_direction,
			 pending_enc_pair_id, pending_enc_direction, pending_enc_amount, pending_order_nonce,
			 destroyed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner) DO UPDATE SET
			balance_ct = EXCLUDED.balance_ct,
			balance_nonce = EXCLUDED.balance_nonce,
			pending_batch_id = EXCLUDED.pending_batch_id,
			pending_pair_id = EXCLUDED.pending_pair_id,
			pending_direction = EXCLUDED.pending_direction,
			pending_enc_pair_id = EXCLUDED.pending_enc_pair_id,
			pending_enc_direction = EXCLUDED.pending_enc_direction,
			pending_enc_amount = EXCLUDED.pending_enc_amount,
			pending_order_nonce = EXCLUDED.pending_order_nonce,
			destroyed = EXCLUDED.destroyed;
	`
	_, err := s.pool.Exec(ctx, sql,
		owner, p.PublicKey[:], balCT, balNonce,
		pendingBatchID, pendingPairID, pendingDirection,
		pendingEncPairID, pendingEncDirection, pendingEncAmount, pendingOrderNonce,
		p.Destroyed,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", owner, err)
	}
	return nil
}

// LoadProfiles reads every mirrored profile back, for cold-start rehydration
// of internal/ledger.Store.
func (s *PostgresStore) LoadProfiles(ctx context.Context) (map[string]models.UserProfile, error) {
	const sql = `
		SELECT owner, public_key, balance_ct, balance_nonce,
		       pending_batch_id, pending_pair_id, pending_direction,
		       pending_enc_pair_id, pending_enc_direction, pending_enc_amount, pending_order_nonce,
		       destroyed
		FROM user_profiles;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.UserProfile)
	for rows.Next() {
		var (
			owner               string
			pubKey              []byte
			balCT, balNonce     [][]byte
			pendingBatchID      *int64
			pendingPairID       *int16
			pendingDirection    *bool
			pendingEncPairID    []byte
			pendingEncDirection []byte
			pendingEncAmount    []byte
			pendingOrderNonce   []byte
			destroyed           bool
		)
		if err := rows.Scan(&owner, &pubKey, &balCT, &balNonce,
			&pendingBatchID, &pendingPairID, &pendingDirection,
			&pendingEncPairID, &pendingEncDirection, &pendingEncAmount, &pendingOrderNonce,
			&destroyed); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}

		var p models.UserProfile
		p.Owner = owner
		copy(p.PublicKey[:], pubKey)
		for i := 0; i < models.NumAssets && i < len(balCT); i++ {
			copy(p.Balances[i][:], balCT[i])
			copy(p.BalanceNonce[i][:], balNonce[i])
		}
		p.Destroyed = destroyed
		if pendingBatchID != nil {
			var pending models.PendingOrder
			pending.BatchID = uint64(*pendingBatchID)
			if pendingPairID != nil {
				pending.PairID = models.PairID(*pendingPairID)
			}
			if pendingDirection != nil {
				pending.Direction = models.Direction(*pendingDirection)
			}
			copy(pending.EncPairID[:], pendingEncPairID)
			copy(pending.EncDirection[:], pendingEncDirection)
			copy(pending.EncAmount[:], pendingEncAmount)
			copy(pending.OrderNonce[:], pendingOrderNonce)
			p.Pending = &pending
		}
		out[owner] = p
	}
	return out, rows.Err()
}

// pairResultRow is the JSON shape persisted in batch_logs.pairs.
type pairResultRow struct {
	TotalAIn   uint64 `json:"totalAIn"`
	TotalBIn   uint64 `json:"totalBIn"`
	FinalPoolA uint64 `json:"finalPoolA"`
	FinalPoolB uint64 `json:"finalPoolB"`
	Skipped    bool   `json:"skipped"`
}

// CommitBatchLog persists an immutable BatchLog row — implements
// internal/reveal.DB. Batch logs are write-once (P3): the INSERT uses
// ON CONFLICT DO NOTHING, so a second commit for the same batch_id leaves
// the first row unchanged.
func (s *PostgresStore) CommitBatchLog(ctx context.Context, log models.BatchLog) error {
	rows := make([]pairResultRow, models.NumPairs)
	for i, p := range log.Pairs {
		rows[i] = pairResultRow{
			TotalAIn: p.TotalAIn, TotalBIn: p.TotalBIn,
			FinalPoolA: p.FinalPoolA, FinalPoolB: p.FinalPoolB, Skipped: p.Skipped,
		}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal batch log pairs: %w", err)
	}

	const sql = `
		INSERT INTO batch_logs (batch_id, pairs, swaps_executed, audit_hash, committed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id) DO NOTHING;
	`
	_, err = s.pool.Exec(ctx, sql, int64(log.BatchID), payload, log.SwapsExecuted, log.AuditHash[:], log.CommittedAt)
	if err != nil {
		return fmt.Errorf("commit batch log %d: %w", log.BatchID, err)
	}
	return nil
}

// GetBatchLog implements internal/settlement.BatchLogLookup.
func (s *PostgresStore) GetBatchLog(ctx context.Context, batchID uint64) (models.BatchLog, bool, error) {
	const sql = `SELECT pairs, swaps_executed, audit_hash, committed_at FROM batch_logs WHERE batch_id = $1;`
	var (
		payload       []byte
		swapsExecuted bool
		auditHash     []byte
		committedAt   time.Time
	)
	row := s.pool.QueryRow(ctx, sql, int64(batchID))
	if err := row.Scan(&payload, &swapsExecuted, &auditHash, &committedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BatchLog{}, false, nil
		}
		return models.BatchLog{}, false, fmt.Errorf("get batch log %d: %w", batchID, err)
	}

	var rows []pairResultRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return models.BatchLog{}, false, fmt.Errorf("unmarshal batch log %d pairs: %w", batchID, err)
	}

	var out models.BatchLog
	out.BatchID = batchID
	out.SwapsExecuted = swapsExecuted
	out.CommittedAt = committedAt
	copy(out.AuditHash[:], auditHash)
	for i, r := range rows {
		if i >= models.NumPairs {
			break
		}
		out.Pairs[i] = models.PairResult{
			TotalAIn: r.TotalAIn, TotalBIn: r.TotalBIn,
			FinalPoolA: r.FinalPoolA, FinalPoolB: r.FinalPoolB, Skipped: r.Skipped,
		}
	}
	return out, true, nil
}

// GetPool exposes the connection pool for callers that need raw access
// (e.g. a future batch-accumulator durable mirror).
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
