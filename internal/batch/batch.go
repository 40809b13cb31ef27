// Package batch implements component C3: the singleton batch accumulator.
// A single Accumulator tracks one in-flight batch's running per-pair totals
// under protocol-owned ciphertexts, and the state machine that gates when a
// batch is open for new orders versus revealing.
package batch

import (
	"context"
	"log"
	"sync"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// State names one position in the accumulator's state machine:
// Empty(mxe_nonce=0) -> InitPending -> Open (repeat) -> Revealing -> Empty.
type State uint8

const (
	StateEmpty State = iota
	StateInitPending
	StateOpen
	StateRevealing
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateInitPending:
		return "InitPending"
	case StateOpen:
		return "Open"
	case StateRevealing:
		return "Revealing"
	default:
		return "Unknown"
	}
}

const defaultMinOrders uint8 = 8
const defaultMinPairs = 2

// TriggerPolicy decides when the accumulator auto-triggers a reveal. Never
// lowered below the package defaults — NewTriggerPolicy clamps and logs a
// warning rather than silently accepting a value that would erode the
// privacy floor, matching the teacher's constructor-validates-inputs idiom
// (api.NewRateLimiter).
type TriggerPolicy struct {
	MinOrders uint8
	MinPairs  int
}

func NewTriggerPolicy(minOrders uint8, minPairs int) TriggerPolicy {
	if minOrders < defaultMinOrders {
		log.Printf("batch: requested MinOrders=%d below privacy floor %d, clamping", minOrders, defaultMinOrders)
		minOrders = defaultMinOrders
	}
	if minPairs < defaultMinPairs {
		log.Printf("batch: requested MinPairs=%d below privacy floor %d, clamping", minPairs, defaultMinPairs)
		minPairs = defaultMinPairs
	}
	return TriggerPolicy{MinOrders: minOrders, MinPairs: minPairs}
}

func DefaultTriggerPolicy() TriggerPolicy {
	return TriggerPolicy{MinOrders: defaultMinOrders, MinPairs: defaultMinPairs}
}

// Accumulator is the process-wide singleton. Every field is guarded by mu;
// callers acquire their per-owner lock first and this lock second (§8 lock
// ordering), never the reverse.
type Accumulator struct {
	mu     sync.Mutex
	state  State
	policy TriggerPolicy

	batchID     uint64
	orderCount  uint8
	activePairs uint8 // bitmap6
	slots       [models.NumPairs]models.PairAccumulator
	mxeNonce    cipher.Nonce
}

func New(policy TriggerPolicy) *Accumulator {
	return &Accumulator{state: StateEmpty, policy: policy, batchID: 1}
}

// State reports the current state machine position.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns the accumulator's current batch id, slot ciphertexts,
// and mxe_nonce — the inputs an accumulate_order circuit call needs.
func (a *Accumulator) Snapshot() (batchID uint64, slots [models.NumPairs]models.PairAccumulator, nonce cipher.Nonce) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batchID, a.slots, a.mxeNonce
}

// EnsureOpen reports whether the accumulator is ready to accept an order.
// If Empty, it queues init_batch_state and transitions to InitPending,
// returning a coreerrors.AccumulatorInitializing error so the caller retries; the order
// admission path (internal/admission) is expected to poll this.
func (a *Accumulator) EnsureOpen(ctx context.Context, dispatcher mpc.Dispatcher) error {
	a.mu.Lock()
	state := a.state
	if state == StateEmpty {
		a.state = StateInitPending
	}
	a.mu.Unlock()

	switch state {
	case StateOpen:
		return nil
	case StateInitPending:
		return coreerrors.New(coreerrors.AccumulatorInitializing)
	case StateRevealing:
		return coreerrors.New(coreerrors.BatchRevealing)
	}

	// state was Empty: issue init_batch_state now that we've claimed the
	// InitPending transition above (only one caller wins the race, since
	// the CompareAndSwap-style check happened under the lock).
	_, err := dispatcher.Queue(mpc.CircuitInitBatchState, nil, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitInitBatchState,
		Apply:     a.applyInit,
	})
	if err != nil {
		a.mu.Lock()
		a.state = StateEmpty
		a.mu.Unlock()
		return err
	}

	// A synchronous (or simply very fast) dispatcher may have already
	// invoked applyInit before Queue returned — re-check rather than
	// forcing every caller through one unconditional retry.
	if a.State() == StateOpen {
		return nil
	}
	return coreerrors.New(coreerrors.AccumulatorInitializing)
}

func (a *Accumulator) applyInit(payload []byte) error {
	out, err := mpc.DecodeArg[mpc.InitBatchStateOutput](payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateInitPending {
		// A reveal or reset raced ahead of this callback; drop it rather
		// than clobbering a newer batch's state.
		return nil
	}
	a.slots = out.Slots
	a.mxeNonce = out.MXENonce
	a.orderCount = 0
	a.activePairs = 0
	a.state = StateOpen
	return nil
}

// AccumulateResult is what internal/admission's accumulate_order callback
// decodes and hands to ApplyAccumulateResult. PairID is the circuit's
// revealed routing for this one order: exactly one active_pairs bit is set
// per order, so the trigger's distinct-pair floor counts pairs that
// actually hold an order. (Marking all of the source asset's pairs instead
// would satisfy MinPairs on the very first order, since every asset
// touches three of the six pairs.)
type AccumulateResult struct {
	BatchID     uint64
	NewSlots    [models.NumPairs]models.PairAccumulator
	NewMXENonce cipher.Nonce
	PairID      models.PairID
}

// ApplyAccumulateResult installs a verified accumulate_order result and
// reports whether the trigger policy now holds. Stale results (targeting a
// batch_id that is no longer current — the batch already began revealing)
// are rejected with StaleAccumulator per §9's documented resolution,
// leaving the current batch state untouched.
func (a *Accumulator) ApplyAccumulateResult(r AccumulateResult) (triggerReveal bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateOpen || r.BatchID != a.batchID {
		return false, coreerrors.New(coreerrors.StaleAccumulator)
	}
	if !r.PairID.Valid() {
		return false, coreerrors.New(coreerrors.InvalidPairID)
	}

	a.slots = r.NewSlots
	a.mxeNonce = r.NewMXENonce
	a.orderCount++
	a.activePairs |= 1 << uint(r.PairID)

	return a.triggerHolds(), nil
}

func (a *Accumulator) triggerHolds() bool {
	if a.orderCount < a.policy.MinOrders {
		return false
	}
	return popcount6(a.activePairs) >= a.policy.MinPairs
}

func popcount6(bitmap uint8) int {
	n := 0
	for i := 0; i < models.NumPairs; i++ {
		if bitmap&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// BeginReveal transitions Open -> Revealing and returns the frozen batch
// state a reveal_batch circuit call needs. Its caller is
// reveal.Committer.TriggerReveal, immediately before queuing reveal_batch.
func (a *Accumulator) BeginReveal() (batchID uint64, slots [models.NumPairs]models.PairAccumulator, nonce cipher.Nonce, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateOpen {
		return 0, [models.NumPairs]models.PairAccumulator{}, cipher.Nonce{}, coreerrors.New(coreerrors.BatchNotFinalized)
	}
	a.state = StateRevealing
	return a.batchID, a.slots, a.mxeNonce, nil
}

// AbortReveal returns a Revealing accumulator to Open, used when queuing
// reveal_batch fails so the still-accumulated batch can retry later.
func (a *Accumulator) AbortReveal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRevealing {
		a.state = StateOpen
	}
}

// Reset completes a committed batch: batch_id advances, counters zero, and
// mxe_nonce returns to zero (forcing the next order to re-trigger
// init_batch_state).
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batchID++
	a.orderCount = 0
	a.activePairs = 0
	a.mxeNonce = cipher.Nonce{}
	a.slots = [models.NumPairs]models.PairAccumulator{}
	a.state = StateEmpty
}
