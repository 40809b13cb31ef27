package admission

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// scriptedDispatcher answers init_batch_state unconditionally and lets each
// test script accumulate_order's output, so these tests exercise Admitter's
// own logic without depending on the real circuit's cryptography. Callbacks
// are applied synchronously inside Queue so each PlaceOrder's effects are
// fully visible the moment it returns.
type scriptedDispatcher struct {
	accumulateOut mpc.AccumulateOrderOutput
}

func (d *scriptedDispatcher) Queue(circuitID mpc.CircuitID, encArgs [][]byte, _ []uint64, cb mpc.CallbackDescriptor) (uint64, error) {
	switch circuitID {
	case mpc.CircuitInitBatchState:
		nonce, _ := cipher.NewNonce()
		cb.Apply(mpc.EncodeArg(mpc.InitBatchStateOutput{MXENonce: nonce}))
	case mpc.CircuitAccumulateOrder:
		cb.Apply(mpc.EncodeArg(d.accumulateOut))
	}
	return 1, nil
}

// captureSink records broadcast frames so tests can assert on emitted events.
type captureSink struct {
	mu     sync.Mutex
	frames []string
}

func (c *captureSink) Broadcast(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
}

func (c *captureSink) saw(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if strings.Contains(f, sub) {
			return true
		}
	}
	return false
}

func newTestAdmitter(t *testing.T, out mpc.AccumulateOrderOutput, onReveal func(uint64)) (*Admitter, *ledger.Store, *captureSink) {
	t.Helper()
	store := ledger.New(nil)
	var zeros [models.NumAssets]cipher.Ciphertext
	var nonces [models.NumAssets]cipher.Nonce
	if err := store.CreateProfile("alice", [32]byte{1}, zeros, nonces); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	acc := batch.New(batch.DefaultTriggerPolicy())
	disp := &scriptedDispatcher{accumulateOut: out}
	sink := &captureSink{}
	return New(store, acc, disp, events.NewPublisher(sink), onReveal), store, sink
}

func TestPlaceOrderRejectsInvalidAsset(t *testing.T) {
	a, _, _ := newTestAdmitter(t, mpc.AccumulateOrderOutput{OK: true}, nil)
	_, err := a.PlaceOrder(context.Background(), "alice", EncryptedOrder{}, models.AssetID(99))
	if !coreerrors.Is(err, coreerrors.InvalidAssetID) {
		t.Fatalf("expected InvalidAssetID, got %v", err)
	}
}

func TestPlaceOrderRejectsWhenAlreadyPending(t *testing.T) {
	a, store, _ := newTestAdmitter(t, mpc.AccumulateOrderOutput{OK: true}, nil)
	if err := store.SetPending("alice", models.PendingOrder{BatchID: 1}); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	_, err := a.PlaceOrder(context.Background(), "alice", EncryptedOrder{}, models.AssetUSDC)
	if !coreerrors.Is(err, coreerrors.PendingOrderExists) {
		t.Fatalf("expected PendingOrderExists, got %v", err)
	}
}

func TestPlaceOrderSuccessSetsPendingTicketAndBalance(t *testing.T) {
	newBalCT := cipher.Ciphertext{0xAA}
	newBalNonce, _ := cipher.NewNonce()
	out := mpc.AccumulateOrderOutput{
		OK:                true,
		NewBalanceCT:      newBalCT,
		NewBalanceNonce:   newBalNonce,
		RevealedPairID:    models.PairUSDCTSLA,
		RevealedDirection: models.DirectionAToB,
	}
	a, store, _ := newTestAdmitter(t, out, nil)

	if _, err := a.PlaceOrder(context.Background(), "alice", EncryptedOrder{}, models.AssetUSDC); err != nil {
		t.Fatalf("place order: %v", err)
	}

	p, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Pending == nil {
		t.Fatalf("expected a pending ticket after a successful order")
	}
	if p.Pending.PairID != models.PairUSDCTSLA || p.Pending.Direction != models.DirectionAToB {
		t.Fatalf("expected pending ticket to carry the circuit's revealed routing, got %+v", p.Pending)
	}
	if p.Balances[models.AssetUSDC] != newBalCT || p.BalanceNonce[models.AssetUSDC] != newBalNonce {
		t.Fatalf("expected balance slot updated from the circuit's output")
	}
}

func TestPlaceOrderInsufficientBalanceLeavesNoTicketAndEmitsEvent(t *testing.T) {
	a, store, sink := newTestAdmitter(t, mpc.AccumulateOrderOutput{OK: false}, nil)

	// PlaceOrder itself succeeds — the rejection happens at callback time
	// and is announced over the event surface, not the return value.
	if _, err := a.PlaceOrder(context.Background(), "alice", EncryptedOrder{}, models.AssetUSDC); err != nil {
		t.Fatalf("place order: %v", err)
	}

	p, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Pending != nil {
		t.Fatalf("expected no pending ticket after a rejected order")
	}
	if !sink.saw("insufficient_balance") {
		t.Fatalf("expected an InsufficientBalance event for the rejected order")
	}
}

// placeOrders admits n orders from distinct owners, all routed by the
// scripted circuit output to the dispatcher's current RevealedPairID.
func placeOrders(t *testing.T, admitter *Admitter, store *ledger.Store, n, offset int) {
	t.Helper()
	var zeros [models.NumAssets]cipher.Ciphertext
	var nonces [models.NumAssets]cipher.Nonce
	for i := 0; i < n; i++ {
		owner := "owner" + string(rune('a'+offset+i))
		if err := store.CreateProfile(owner, [32]byte{byte(offset + i)}, zeros, nonces); err != nil {
			t.Fatalf("create profile %d: %v", offset+i, err)
		}
		if _, err := admitter.PlaceOrder(context.Background(), owner, EncryptedOrder{}, models.AssetUSDC); err != nil {
			t.Fatalf("place order %d: %v", offset+i, err)
		}
	}
}

func TestPlaceOrderSamePairOrdersNeverTrigger(t *testing.T) {
	store := ledger.New(nil)
	acc := batch.New(batch.DefaultTriggerPolicy())
	disp := &scriptedDispatcher{accumulateOut: mpc.AccumulateOrderOutput{
		OK: true, RevealedPairID: models.PairUSDCTSLA, RevealedDirection: models.DirectionBToA,
	}}

	revealed := 0
	admitter := New(store, acc, disp, events.NewPublisher(nil), func(uint64) { revealed++ })

	// Eight orders all landing on the same pair: the order count floor is
	// met but only one active pair, so no reveal fires.
	placeOrders(t, admitter, store, 8, 0)
	if revealed != 0 {
		t.Fatalf("expected no reveal with 8 orders on a single pair, got %d", revealed)
	}
}

func TestPlaceOrderTriggersOnceSecondPairArrives(t *testing.T) {
	store := ledger.New(nil)
	acc := batch.New(batch.DefaultTriggerPolicy())
	disp := &scriptedDispatcher{accumulateOut: mpc.AccumulateOrderOutput{
		OK: true, RevealedPairID: models.PairUSDCTSLA, RevealedDirection: models.DirectionBToA,
	}}

	revealed := 0
	admitter := New(store, acc, disp, events.NewPublisher(nil), func(uint64) { revealed++ })

	placeOrders(t, admitter, store, 8, 0)
	if revealed != 0 {
		t.Fatalf("expected no reveal before a second pair holds an order")
	}

	// A ninth order on a different pair satisfies the distinct-pair floor
	// and fires the reveal immediately.
	disp.accumulateOut.RevealedPairID = models.PairUSDCSPY
	placeOrders(t, admitter, store, 1, 8)
	if revealed != 1 {
		t.Fatalf("expected onReveal invoked exactly once after the ninth order, got %d", revealed)
	}
}
