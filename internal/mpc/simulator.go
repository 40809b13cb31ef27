package mpc

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// computationTimeout bounds how long a queued computation may wait before
// it is abandoned: a job older than this is aborted (AbortedComputation
// via onAbort) instead of evaluated. No caller stages a vault movement
// ahead of its callback, so an expired computation has nothing to refund.
const computationTimeout = 60 * time.Second

// job is one queued circuit evaluation awaiting the Simulator's worker loop.
type job struct {
	offset     uint64
	circuitID  CircuitID
	encArgs    [][]byte
	plainArgs  []uint64
	cb         CallbackDescriptor
	enqueuedAt time.Time
}

// Simulator is the only Dispatcher implementation in this repository: a
// local stand-in for the real MXE cluster described in §4.4. It evaluates
// circuits in-process, signs the result with ClusterKeys, and verifies its
// own signature before calling back — mirroring the verify-then-apply shape
// a caller talking to a real remote MXE would need, even though no network
// hop separates them here (§9 "the MPC boundary is drawn so a real network
// call could be substituted for Simulator without changing any caller").
//
// Modeled on the teacher's mempool.Poller: a single background goroutine
// drains a work queue on a ticker, so circuit evaluation never happens on
// the caller's goroutine (Queue never blocks, per §4.4).
type Simulator struct {
	keys     *ClusterKeys
	registry map[CircuitID]CircuitFunc
	applied  *appliedOffsetSet

	queue   chan job
	nextOff uint64
	tick    time.Duration
	timeout time.Duration
	onAbort func(circuitID CircuitID, offset uint64, err error)
}

// NewSimulator constructs a Simulator. tick controls how often the worker
// drains the queue; a zero value defaults to near-immediate processing
// (1ms), useful for tests. onAbort, if non-nil, is invoked for any circuit
// evaluation or verification failure — §4.4's AbortedComputation path —
// instead of calling the original Callback.
func NewSimulator(keys *ClusterKeys, tick time.Duration, onAbort func(CircuitID, uint64, error)) *Simulator {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Simulator{
		keys:     keys,
		registry: registry(keys),
		applied:  newAppliedOffsetSet(),
		queue:    make(chan job, 256),
		tick:     tick,
		timeout:  computationTimeout,
		onAbort:  onAbort,
	}
}

// Queue implements Dispatcher. It never blocks on circuit evaluation: the
// job is handed to a buffered channel and a computation offset is returned
// immediately (§4.4 point 1).
func (s *Simulator) Queue(circuitID CircuitID, encArgs [][]byte, plainArgs []uint64, cb CallbackDescriptor) (uint64, error) {
	if _, ok := s.registry[circuitID]; !ok {
		return 0, fmt.Errorf("mpc: unknown circuit %q", circuitID)
	}
	offset := atomic.AddUint64(&s.nextOff, 1)
	j := job{offset: offset, circuitID: circuitID, encArgs: encArgs, plainArgs: plainArgs, cb: cb, enqueuedAt: time.Now()}
	select {
	case s.queue <- j:
	default:
		return 0, fmt.Errorf("mpc: queue full")
	}
	return offset, nil
}

// Run drains the queue until ctx is canceled. Exactly one Run goroutine
// should be active per Simulator.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain evaluates every job currently queued, without blocking on the next
// tick — it services the whole backlog each time it wakes, like the
// teacher's poller draining up to N mempool entries per tick.
func (s *Simulator) drain(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			s.evaluate(j)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Simulator) evaluate(j job) {
	if s.timeout > 0 && time.Since(j.enqueuedAt) > s.timeout {
		s.abort(j, fmt.Errorf("mpc: computation timed out after %s in queue", s.timeout))
		return
	}

	fn, ok := s.registry[j.circuitID]
	if !ok {
		s.abort(j, fmt.Errorf("mpc: unknown circuit %q", j.circuitID))
		return
	}

	payload, err := fn(j.encArgs, j.plainArgs)
	if err != nil {
		s.abort(j, err)
		return
	}

	sig := s.keys.sign(canonicalize(j.circuitID, j.offset, payload))
	out := SignedOutput{
		CircuitID:         j.circuitID,
		ComputationOffset: j.offset,
		DeliveryID:        newDeliveryID(),
		Payload:           payload,
		Signature:         sig,
	}

	if err := s.verifyAndApply(out, j.cb); err != nil {
		s.abort(j, err)
	}
}

// verifyAndApply reproduces the caller-side verification path from §4.4
// point 2: signature, CircuitID match, and a fresh-offset check before a
// Callback is ever invoked. A real deployment would run this same
// verification against output arriving over the network from the actual
// MXE cluster — nothing here is specific to Simulator's own signing.
func (s *Simulator) verifyAndApply(out SignedOutput, cb CallbackDescriptor) error {
	if out.CircuitID != cb.CircuitID {
		return fmt.Errorf("mpc: circuit id mismatch: got %q want %q", out.CircuitID, cb.CircuitID)
	}
	msg := canonicalize(out.CircuitID, out.ComputationOffset, out.Payload)
	if !ed25519.Verify(s.keys.SigningPublic, msg, out.Signature) {
		return fmt.Errorf("mpc: signature verification failed for circuit %q offset %d", out.CircuitID, out.ComputationOffset)
	}
	if !s.applied.markIfNew(out.ComputationOffset) {
		log.Printf("mpc: dropping duplicate delivery %s for offset %d", out.DeliveryID, out.ComputationOffset)
		return nil
	}
	return cb.Apply(out.Payload)
}

func (s *Simulator) abort(j job, err error) {
	log.Printf("mpc: aborted computation for circuit %q offset %d: %v", j.circuitID, j.offset, err)
	if s.onAbort != nil {
		s.onAbort(j.circuitID, j.offset, err)
	}
}

var _ Dispatcher = (*Simulator)(nil)
