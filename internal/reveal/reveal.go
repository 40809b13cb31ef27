// Package reveal implements component C6 (reveal + netting) and component
// C12's ExternalSwap interface. A batch's twelve revealed totals are
// netted pair-by-pair, any surplus routed to an external swap venue, and
// the result committed as an immutable BatchLog.
package reveal

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// ExternalSwap routes a pair's surplus side to outside liquidity.
// Component C12. SimulatedSwap is the only implementation shipped here;
// the interface is the documented extension point for a real venue
// adapter (distilled spec's Open Question #1 — see SPEC_FULL.md §9).
type ExternalSwap interface {
	Swap(ctx context.Context, from, to models.AssetID, amountIn uint64, minOut uint64) (amountOut uint64, err error)
}

// SimulatedSwap fills at a flat 99% rate (truncating) and fails with
// MinOutputNotMet when that fill is below minOut. Every caller in this
// repository passes minOut = 0, so the check never fails here.
type SimulatedSwap struct{}

func (SimulatedSwap) Swap(_ context.Context, _, _ models.AssetID, amountIn uint64, minOut uint64) (uint64, error) {
	amountOut := amountIn * 99 / 100
	if amountOut < minOut {
		return 0, coreerrors.New(coreerrors.MinOutputNotMet)
	}
	return amountOut, nil
}

// DB is the subset of internal/db's store Committer needs.
type DB interface {
	CommitBatchLog(ctx context.Context, log models.BatchLog) error
}

// Committer drives one batch's reveal-and-commit cycle.
type Committer struct {
	accumulator *batch.Accumulator
	dispatcher  mpc.Dispatcher
	swap        ExternalSwap
	store       DB
	publish     events.Publisher
}

func New(acc *batch.Accumulator, dispatcher mpc.Dispatcher, swap ExternalSwap, store DB, publish events.Publisher) *Committer {
	if swap == nil {
		swap = SimulatedSwap{}
	}
	return &Committer{accumulator: acc, dispatcher: dispatcher, swap: swap, store: store, publish: publish}
}

// TriggerReveal transitions the accumulator into Revealing, queues the
// reveal_batch circuit, and returns the computation offset — the netting,
// swap, and BatchLog commit all happen when the callback lands, announced
// by BatchCommitted. Called once the trigger policy holds (from
// internal/admission's onReveal hook) or via the standalone
// POST /api/v1/batch/execute action.
func (c *Committer) TriggerReveal(ctx context.Context) (uint64, error) {
	batchID, slots, nonce, err := c.accumulator.BeginReveal()
	if err != nil {
		return 0, err
	}

	in := mpc.RevealBatchInput{Slots: slots, MXENonce: nonce}
	offset, err := c.dispatcher.Queue(mpc.CircuitRevealBatch, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitRevealBatch,
		Apply: func(payload []byte) error {
			// The caller's request is long gone by the time this lands;
			// the commit runs under its own context.
			return c.apply(context.Background(), batchID, payload)
		},
	})
	if err != nil {
		c.accumulator.AbortReveal()
		return 0, fmt.Errorf("reveal: queue reveal_batch: %w", err)
	}
	return offset, nil
}

func (c *Committer) apply(ctx context.Context, batchID uint64, payload []byte) error {
	out, err := mpc.DecodeArg[mpc.RevealBatchOutput](payload)
	if err != nil {
		return err
	}

	var batchLog models.BatchLog
	batchLog.BatchID = batchID
	batchLog.CommittedAt = time.Now()

	anySwapped := false
	for p := 0; p < models.NumPairs; p++ {
		pairID := models.PairID(p)
		orientation := models.Pairs[pairID]
		result, skipped := NetPair(ctx, out.AIn[p], out.BIn[p], orientation, c.swap)
		batchLog.Pairs[p] = result
		if skipped {
			c.publish.Publish(events.PairSwapSkipped{BatchID: batchID, Pair: pairID})
		} else if out.AIn[p] != 0 || out.BIn[p] != 0 {
			anySwapped = true
		}
	}
	batchLog.SwapsExecuted = anySwapped
	batchLog.AuditHash = auditHash(out)

	if c.store != nil {
		if err := c.store.CommitBatchLog(ctx, batchLog); err != nil {
			return fmt.Errorf("reveal: commit batch log: %w", err)
		}
	}

	c.accumulator.Reset()
	c.publish.Publish(events.BatchCommitted{BatchID: batchID})
	return nil
}

// NetPair implements §6.6's per-pair netting. skipped is true when the
// external swap failed and the pair was committed unchanged rather than
// aborting the whole reveal (§6.6, grounded on the teacher's
// per-edge-failure-doesn't-abort-the-batch posture in SaveAnalysisResult).
func NetPair(ctx context.Context, a, b uint64, orientation models.PairOrientation, swap ExternalSwap) (models.PairResult, bool) {
	if a == 0 && b == 0 {
		return models.PairResult{}, false
	}

	if a == b {
		// Perfectly balanced: neither side is strictly the surplus side,
		// so both pools pass through unchanged (§6.6's tie-breaking rule).
		return models.PairResult{TotalAIn: a, TotalBIn: b, FinalPoolA: a, FinalPoolB: b}, false
	}

	if a > b {
		surplus := a - b
		out, err := swap.Swap(ctx, orientation.A, orientation.B, surplus, 0)
		if err != nil {
			log.Printf("reveal: external swap failed for pair (%s/%s): %v", orientation.A, orientation.B, err)
			return models.PairResult{TotalAIn: a, TotalBIn: b, FinalPoolA: a, FinalPoolB: b, Skipped: true}, true
		}
		return models.PairResult{TotalAIn: a, TotalBIn: b, FinalPoolA: b, FinalPoolB: b + out}, false
	}

	surplus := b - a
	out, err := swap.Swap(ctx, orientation.B, orientation.A, surplus, 0)
	if err != nil {
		log.Printf("reveal: external swap failed for pair (%s/%s): %v", orientation.A, orientation.B, err)
		return models.PairResult{TotalAIn: a, TotalBIn: b, FinalPoolA: a, FinalPoolB: b, Skipped: true}, true
	}
	return models.PairResult{TotalAIn: a, TotalBIn: b, FinalPoolA: a + out, FinalPoolB: a}, false
}

// auditHash digests the twelve revealed totals — a supplemental
// tamper-evidence check, grounded on the teacher's EvidenceEdge.AuditHash
// field, surfaced on BatchLog but verified by no invariant. Uses the
// single-SHA256 chainhash.HashH from the package the teacher reaches for whenever
// it needs a deterministic digest of plaintext fields, rather than calling
// crypto/sha256 directly.
func auditHash(out mpc.RevealBatchOutput) [32]byte {
	var buf [models.NumPairs * 2 * 8]byte
	for p := 0; p < models.NumPairs; p++ {
		binary.BigEndian.PutUint64(buf[p*16:], out.AIn[p])
		binary.BigEndian.PutUint64(buf[p*16+8:], out.BIn[p])
	}
	h := chainhash.HashH(buf[:])
	return [32]byte(h)
}
