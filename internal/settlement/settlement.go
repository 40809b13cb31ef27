// Package settlement implements component C7: lazy settlement of a pending
// order once its batch has committed. Settlement is "lazy" — it only runs
// when some other ledger-mutating action touches the profile, or when a
// caller explicitly asks for it via the standalone Settle action.
package settlement

import (
	"context"
	"fmt"

	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// BatchLogLookup is the subset of internal/db's store Settler needs: a
// read-only lookup of committed batches by id.
type BatchLogLookup interface {
	GetBatchLog(ctx context.Context, batchID uint64) (models.BatchLog, bool, error)
}

// Settler drives a single user's lazy settlement.
type Settler struct {
	ledger     *ledger.Store
	dispatcher mpc.Dispatcher
	logs       BatchLogLookup
	publish    events.Publisher
}

func New(store *ledger.Store, dispatcher mpc.Dispatcher, logs BatchLogLookup, publish events.Publisher) *Settler {
	return &Settler{ledger: store, dispatcher: dispatcher, logs: logs, publish: publish}
}

// Settle checks owner's pending ticket against the BatchLog store and, if
// its batch has committed, queues the calculate_payout circuit and returns
// the computation offset — the payout is credited and the ticket cleared
// when the callback lands, announced by a SettlementEvent. Returns
// NoPendingOrder if there is nothing to settle, and BatchNotFinalized if
// the pending ticket's batch hasn't committed yet.
func (s *Settler) Settle(ctx context.Context, owner string) (uint64, error) {
	profile, err := s.ledger.Get(owner)
	if err != nil {
		return 0, err
	}
	if profile.Pending == nil {
		return 0, coreerrors.New(coreerrors.NoPendingOrder)
	}
	ticket := *profile.Pending

	batchLog, found, err := s.logs.GetBatchLog(ctx, ticket.BatchID)
	if err != nil {
		return 0, fmt.Errorf("settlement: lookup batch %d: %w", ticket.BatchID, err)
	}
	if !found {
		return 0, coreerrors.New(coreerrors.BatchNotFinalized)
	}

	return s.settleAgainst(ctx, owner, profile, ticket, batchLog)
}

// TrySettle is the piggyback hook every ledger-mutating action calls before
// proceeding: it treats "nothing to settle yet" (no ticket, or batch not
// yet committed) as success — the expected steady state for most actions.
// When a settlement IS due it queues calculate_payout and reports
// SettlementPending so the caller's action aborts retryably instead of
// racing the in-flight payout for the same balance slots; the settlement
// completes in its own right and the client retries the original action.
func (s *Settler) TrySettle(ctx context.Context, owner string) error {
	_, err := s.Settle(ctx, owner)
	if err == nil {
		return coreerrors.New(coreerrors.SettlementPending)
	}
	if coreerrors.Is(err, coreerrors.NoPendingOrder) || coreerrors.Is(err, coreerrors.BatchNotFinalized) {
		return nil
	}
	return err
}

// settleAgainst queues the calculate_payout circuit for one pending ticket.
// PairID/Direction were revealed by accumulate_order at placement time and
// retained on the ticket (models.PendingOrder) — the batch's reveal step
// already makes this pair's totals public, so selecting the output asset
// and the committed pair's totals here discloses nothing new.
func (s *Settler) settleAgainst(ctx context.Context, owner string, profile models.UserProfile, ticket models.PendingOrder, batchLog models.BatchLog) (uint64, error) {
	pairID, direction := ticket.PairID, ticket.Direction
	if !pairID.Valid() {
		return 0, coreerrors.New(coreerrors.InvalidPairID)
	}
	pair := batchLog.Pairs[pairID]
	outAsset := outputAsset(pairID, direction)

	in := mpc.CalculatePayoutInput{
		UserPub:            profile.PublicKey,
		AmountCT:           ticket.EncAmount,
		PairCT:             ticket.EncPairID,
		DirCT:              ticket.EncDirection,
		OrderNonce:         ticket.OrderNonce,
		OutputBalanceCT:    profile.Balances[outAsset],
		OutputBalanceNonce: profile.BalanceNonce[outAsset],
		TotalAIn:           pair.TotalAIn,
		TotalBIn:           pair.TotalBIn,
		FinalPoolA:         pair.FinalPoolA,
		FinalPoolB:         pair.FinalPoolB,
	}

	offset, err := s.dispatcher.Queue(mpc.CircuitCalculatePayout, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitCalculatePayout,
		Apply: func(payload []byte) error {
			return s.apply(owner, outAsset, ticket.BatchID, payload)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("settlement: queue calculate_payout: %w", err)
	}
	return offset, nil
}

func outputAsset(pairID models.PairID, direction models.Direction) models.AssetID {
	orientation := models.Pairs[pairID]
	if direction == models.DirectionAToB {
		return orientation.B
	}
	return orientation.A
}

func (s *Settler) apply(owner string, outAsset models.AssetID, batchID uint64, payload []byte) error {
	out, err := mpc.DecodeArg[mpc.CalculatePayoutOutput](payload)
	if err != nil {
		return err
	}
	if err := s.ledger.BalanceUpdate(owner, outAsset, out.NewOutputBalanceCT, out.NewOutputBalanceNonce); err != nil {
		return err
	}
	if err := s.ledger.ClearPending(owner); err != nil {
		return err
	}
	s.publish.Publish(events.SettlementEvent{
		Owner:   owner,
		BatchID: batchID,
		Asset:   outAsset,
		Nonce:   [16]byte(out.NewOutputBalanceNonce),
	})
	return nil
}
