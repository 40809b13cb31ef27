package reveal

import (
	"context"
	"errors"
	"testing"

	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

type stubSwap struct {
	out uint64
	err error
}

func (s stubSwap) Swap(_ context.Context, _, _ models.AssetID, _ uint64, _ uint64) (uint64, error) {
	return s.out, s.err
}

func TestNetPairTiePassesThroughUnchanged(t *testing.T) {
	result, skipped := NetPair(context.Background(), 100, 100, models.Pairs[models.PairUSDCTSLA], stubSwap{})
	if skipped {
		t.Fatalf("expected a tied pair never to be marked skipped")
	}
	if result.FinalPoolA != 100 || result.FinalPoolB != 100 {
		t.Fatalf("expected both pools unchanged at 100, got %+v", result)
	}
}

func TestNetPairSurplusARoutesThroughSwap(t *testing.T) {
	result, skipped := NetPair(context.Background(), 1000, 200, models.Pairs[models.PairUSDCTSLA], stubSwap{out: 792})
	if skipped {
		t.Fatalf("unexpected skip")
	}
	if result.FinalPoolA != 200 {
		t.Fatalf("expected surplus side A to settle at the deficit amount 200, got %d", result.FinalPoolA)
	}
	if result.FinalPoolB != 200+792 {
		t.Fatalf("expected pool B to receive the deficit plus the swap's output, got %d", result.FinalPoolB)
	}
}

func TestNetPairSurplusBRoutesThroughSwap(t *testing.T) {
	result, skipped := NetPair(context.Background(), 200, 1000, models.Pairs[models.PairUSDCTSLA], stubSwap{out: 792})
	if skipped {
		t.Fatalf("unexpected skip")
	}
	if result.FinalPoolB != 200 {
		t.Fatalf("expected surplus side B to settle at the deficit amount 200, got %d", result.FinalPoolB)
	}
	if result.FinalPoolA != 200+792 {
		t.Fatalf("expected pool A to receive the deficit plus the swap's output, got %d", result.FinalPoolA)
	}
}

func TestNetPairSwapFailureFallsBackToUnchangedPassThrough(t *testing.T) {
	result, skipped := NetPair(context.Background(), 1000, 200, models.Pairs[models.PairUSDCTSLA], stubSwap{err: errors.New("venue unreachable")})
	if !skipped {
		t.Fatalf("expected a failed swap to be reported as skipped")
	}
	if !result.Skipped || result.FinalPoolA != 1000 || result.FinalPoolB != 200 {
		t.Fatalf("expected an unchanged pass-through on swap failure, got %+v", result)
	}
}

// revealDispatcher answers both init_batch_state (to bring the accumulator
// Open) and reveal_batch synchronously.
type revealDispatcher struct {
	revealOut mpc.RevealBatchOutput
}

func (d *revealDispatcher) Queue(circuitID mpc.CircuitID, _ [][]byte, _ []uint64, cb mpc.CallbackDescriptor) (uint64, error) {
	switch circuitID {
	case mpc.CircuitInitBatchState:
		nonce, _ := cipher.NewNonce()
		cb.Apply(mpc.EncodeArg(mpc.InitBatchStateOutput{MXENonce: nonce}))
	case mpc.CircuitRevealBatch:
		cb.Apply(mpc.EncodeArg(d.revealOut))
	}
	return 1, nil
}

type stubBatchLogDB struct {
	committed []models.BatchLog
}

func (s *stubBatchLogDB) CommitBatchLog(_ context.Context, log models.BatchLog) error {
	s.committed = append(s.committed, log)
	return nil
}

func TestTriggerRevealCommitsBatchLogAndResetsAccumulator(t *testing.T) {
	acc := batch.New(batch.DefaultTriggerPolicy())
	var out mpc.RevealBatchOutput
	out.AIn[models.PairUSDCTSLA] = 1000
	out.BIn[models.PairUSDCTSLA] = 200
	disp := &revealDispatcher{revealOut: out}

	if err := acc.EnsureOpen(context.Background(), disp); err != nil {
		t.Fatalf("ensure open: %v", err)
	}

	db := &stubBatchLogDB{}
	committer := New(acc, disp, stubSwap{out: 792}, db, events.NewPublisher(nil))

	batchIDBefore, _, _ := acc.Snapshot()

	if _, err := committer.TriggerReveal(context.Background()); err != nil {
		t.Fatalf("trigger reveal: %v", err)
	}

	if len(db.committed) != 1 {
		t.Fatalf("expected exactly one committed batch log, got %d", len(db.committed))
	}
	log := db.committed[0]
	if log.BatchID != batchIDBefore {
		t.Fatalf("expected committed batch id %d, got %d", batchIDBefore, log.BatchID)
	}
	pair := log.Pairs[models.PairUSDCTSLA]
	if pair.FinalPoolA != 200 || pair.FinalPoolB != 200+792 {
		t.Fatalf("expected netted pair result, got %+v", pair)
	}

	if acc.State() != batch.StateEmpty {
		t.Fatalf("expected accumulator reset to Empty after commit, got %s", acc.State())
	}
	batchIDAfter, _, _ := acc.Snapshot()
	if batchIDAfter != batchIDBefore+1 {
		t.Fatalf("expected batch id to advance after reset")
	}
}
