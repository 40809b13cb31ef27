// Package admission implements component C5: order placement. PlaceOrder
// is the single entry point the HTTP surface (internal/api) calls to
// submit an encrypted order into the current batch.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// EncryptedOrder is the order payload a client submits: pair id, direction,
// and amount each sealed under the shared secret between the submitting
// user and the MXE cluster (cipher.SharedKeyUser), all three under a single
// OrderNonce with per-field slot separation (cipher.SealSlot with the
// cipher.SlotOrder* slots). The server never sees plaintext order
// parameters, and the one nonce is what the pending ticket retains for
// settlement to reopen the triple later.
type EncryptedOrder struct {
	PairCT     cipher.Ciphertext
	DirCT      cipher.Ciphertext
	AmountCT   cipher.Ciphertext
	OrderNonce cipher.Nonce
}

// retryInterval and maxRetries bound the "small per-owner retry queue"
// described for orders submitted while the accumulator is (re)initializing
// — init_batch_state is a single circuit round trip, so a short bounded
// poll covers the common case without the caller's goroutine blocking on
// actual cryptographic work (the held order is explicitly permitted during
// InitPending; what is never held is the accumulate_order round trip
// itself).
const retryInterval = 25 * time.Millisecond
const maxRetries = 40

// Admitter wires the ledger, accumulator, and dispatcher together for
// order placement. One Admitter per running engine.
type Admitter struct {
	ledger      *ledger.Store
	accumulator *batch.Accumulator
	dispatcher  mpc.Dispatcher
	publish     events.Publisher
	onReveal    func(batchID uint64) // invoked once the trigger policy holds; wired to internal/reveal

	ownerLocksMu sync.Mutex
	ownerLocks   map[string]*sync.Mutex
}

func New(store *ledger.Store, acc *batch.Accumulator, dispatcher mpc.Dispatcher, publish events.Publisher, onReveal func(batchID uint64)) *Admitter {
	return &Admitter{
		ledger:      store,
		accumulator: acc,
		dispatcher:  dispatcher,
		publish:     publish,
		onReveal:    onReveal,
		ownerLocks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the dedicated mutex for owner, creating it on first use —
// same lazily-populated-map idiom as the teacher's per-IP ipBucket table.
func (a *Admitter) lockFor(owner string) *sync.Mutex {
	a.ownerLocksMu.Lock()
	defer a.ownerLocksMu.Unlock()
	l, ok := a.ownerLocks[owner]
	if !ok {
		l = &sync.Mutex{}
		a.ownerLocks[owner] = l
	}
	return l
}

// PlaceOrder admits an encrypted order into the current batch. It returns
// the computation offset as soon as accumulate_order is queued — the
// outcome (ticket installed, or InsufficientBalance / AbortedComputation)
// is delivered through the event surface when the callback lands. Lock
// order is always per-owner lock, then the accumulator's internal lock —
// enforced here by acquiring the owner lock first and never touching
// accumulator state directly, only through batch.Accumulator's own
// methods.
func (a *Admitter) PlaceOrder(ctx context.Context, owner string, order EncryptedOrder, sourceAsset models.AssetID) (uint64, error) {
	if !sourceAsset.Valid() {
		return 0, coreerrors.New(coreerrors.InvalidAssetID)
	}

	ownerLock := a.lockFor(owner)
	ownerLock.Lock()
	defer ownerLock.Unlock()

	profile, err := a.ledger.Get(owner)
	if err != nil {
		return 0, err
	}
	if profile.Pending != nil {
		return 0, coreerrors.New(coreerrors.PendingOrderExists)
	}

	if err := a.waitForOpen(ctx); err != nil {
		return 0, err
	}

	batchID, slots, mxeNonce := a.accumulator.Snapshot()

	in := mpc.AccumulateOrderInput{
		UserPub:       profile.PublicKey,
		OrderPairCT:   order.PairCT,
		OrderDirCT:    order.DirCT,
		OrderAmountCT: order.AmountCT,
		OrderNonce:    order.OrderNonce,
		BalanceCT:     profile.Balances[sourceAsset],
		BalanceNonce:  profile.BalanceNonce[sourceAsset],
		Slots:         slots,
		MXENonce:      mxeNonce,
	}

	ticketBase := models.PendingOrder{
		BatchID:      batchID,
		EncPairID:    order.PairCT,
		EncDirection: order.DirCT,
		EncAmount:    order.AmountCT,
		OrderNonce:   order.OrderNonce,
	}

	offset, err := a.dispatcher.Queue(mpc.CircuitAccumulateOrder, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitAccumulateOrder,
		Apply: func(payload []byte) error {
			return a.apply(owner, sourceAsset, batchID, ticketBase, payload)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("admission: queue accumulate_order: %w", err)
	}
	return offset, nil
}

func (a *Admitter) waitForOpen(ctx context.Context) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := a.accumulator.EnsureOpen(ctx, a.dispatcher)
		if err == nil {
			return nil
		}
		if !coreerrors.Is(err, coreerrors.AccumulatorInitializing) {
			return err
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return coreerrors.New(coreerrors.AccumulatorInitializing)
}

// apply is the verified accumulate_order callback. It installs the new
// balance, stages the pending ticket, and folds the result into the
// accumulator — in that order, so a crash between balance write and
// ticket write leaves a recoverable state (a missing ticket is detected by
// NoPendingOrder on the next settlement attempt; a missing balance update
// would not be, which is why it's written first). An ok=false output is
// discarded with an InsufficientBalance event and no state change; errors
// returned from here surface as AbortedComputation through the
// dispatcher's abort hook.
func (a *Admitter) apply(owner string, sourceAsset models.AssetID, batchID uint64, ticket models.PendingOrder, payload []byte) error {
	out, err := mpc.DecodeArg[mpc.AccumulateOrderOutput](payload)
	if err != nil {
		return err
	}
	if !out.OK {
		a.publish.Publish(events.InsufficientBalance{Owner: owner, CircuitID: string(mpc.CircuitAccumulateOrder)})
		return nil
	}
	if !out.RevealedPairID.Valid() {
		return coreerrors.New(coreerrors.InvalidPairID)
	}

	ticket.PairID = out.RevealedPairID
	ticket.Direction = out.RevealedDirection

	if err := a.ledger.BalanceUpdate(owner, sourceAsset, out.NewBalanceCT, out.NewBalanceNonce); err != nil {
		return err
	}
	if err := a.ledger.SetPending(owner, ticket); err != nil {
		return err
	}

	triggered, err := a.accumulator.ApplyAccumulateResult(batch.AccumulateResult{
		BatchID:     batchID,
		NewSlots:    out.NewSlots,
		NewMXENonce: out.NewMXENonce,
		PairID:      out.RevealedPairID,
	})
	if err != nil {
		return err
	}
	if triggered && a.onReveal != nil {
		a.onReveal(batchID)
	}
	return nil
}
