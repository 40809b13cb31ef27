// Package mpc models the MPC execution environment as a black-box,
// signed-output oracle (component C4). The core never blocks waiting for a
// circuit to evaluate: Queue durably records the request and returns
// immediately; the oracle (internal/mpc.Simulator in this implementation)
// eventually invokes the registered callback with a SignedOutput.
package mpc

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rawblock/omnibatch-engine/internal/cipher"
)

// CircuitID names one of the seven circuits the core depends on.
type CircuitID string

const (
	CircuitInitBatchState  CircuitID = "init_batch_state"
	CircuitAccumulateOrder CircuitID = "accumulate_order"
	CircuitRevealBatch     CircuitID = "reveal_batch"
	CircuitAddBalance      CircuitID = "add_balance"
	CircuitSubBalance      CircuitID = "sub_balance"
	CircuitTransfer        CircuitID = "transfer"
	CircuitCalculatePayout CircuitID = "calculate_payout"
)

// ClusterKeys holds the MXE cluster's key material: an x25519 keypair used
// to decrypt/encrypt ciphertexts inside circuits (internal/cipher), and an
// ed25519 signing key used to authenticate SignedOutput payloads. These are
// pinned at startup — the callback verification in §4.4 checks signatures
// against ClusterKeys.SigningPublic.
type ClusterKeys struct {
	Encryption    cipher.KeyPair
	SigningPublic ed25519.PublicKey
	signingPriv   ed25519.PrivateKey
}

// NewClusterKeys generates a fresh keypair set — used to stand up a local
// simulator. A production deployment would instead load a pinned cluster
// key from configuration.
func NewClusterKeys() (*ClusterKeys, error) {
	encKP, err := cipher.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("mpc: generate encryption keypair: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("mpc: generate signing keypair: %w", err)
	}
	return &ClusterKeys{Encryption: encKP, SigningPublic: pub, signingPriv: priv}, nil
}

func (c *ClusterKeys) sign(payload []byte) []byte {
	return ed25519.Sign(c.signingPriv, payload)
}

// SignedOutput is the payload the MPC environment hands back to a callback.
// ComputationOffset echoes the value returned from Queue so duplicate
// deliveries are detectable (§4.4 point 3). DeliveryID is a separate,
// transport-level tracking id (a fresh uuid per delivery attempt, not
// carried in the signed payload) — it lets operators correlate retried
// deliveries of the same computation_offset in logs without it being part
// of the idempotency check itself.
type SignedOutput struct {
	CircuitID         CircuitID
	ComputationOffset uint64
	DeliveryID        uuid.UUID
	Payload           []byte
	Signature         []byte
}

func newDeliveryID() uuid.UUID {
	return uuid.New()
}

// canonicalize builds the exact byte string that was signed, binding
// CircuitID and ComputationOffset into the signature so a valid signature
// for one circuit/offset cannot be replayed against another.
func canonicalize(circuitID CircuitID, offset uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(circuitID)+8+len(payload)+1)
	buf = append(buf, []byte(circuitID)...)
	buf = append(buf, 0)
	var offBytes [8]byte
	for i := 0; i < 8; i++ {
		offBytes[i] = byte(offset >> (56 - 8*i))
	}
	buf = append(buf, offBytes[:]...)
	buf = append(buf, payload...)
	return buf
}

// Callback is invoked after a SignedOutput has been verified. Verification
// failures never reach a Callback — the dispatcher emits AbortedComputation
// itself and the Callback is simply not called.
type Callback func(payload []byte) error

// CallbackDescriptor binds a circuit to the function that applies its
// verified result to ledger/batch/settlement state.
type CallbackDescriptor struct {
	CircuitID CircuitID
	Apply     Callback
}

// CircuitFunc is the deterministic function a circuit evaluates over its
// encrypted and plaintext arguments, producing an opaque result payload that
// only the matching Callback knows how to decode.
type CircuitFunc func(encArgs [][]byte, plainArgs []uint64) ([]byte, error)

// Dispatcher is the interface core components depend on — §6 "MPC oracle
// interface (consumed)". Queue MUST NOT block on circuit completion.
type Dispatcher interface {
	Queue(circuitID CircuitID, encArgs [][]byte, plainArgs []uint64, cb CallbackDescriptor) (uint64, error)
}

// appliedOffsetSet tracks which computation offsets have already been
// applied so duplicate SignedOutput deliveries are dropped, not re-applied
// (§4.4 point 3, P6).
type appliedOffsetSet struct {
	mu      sync.Mutex
	applied map[uint64]struct{}
}

func newAppliedOffsetSet() *appliedOffsetSet {
	return &appliedOffsetSet{applied: make(map[uint64]struct{})}
}

// markIfNew returns true the first time offset is seen, false on every
// subsequent call.
func (s *appliedOffsetSet) markIfNew(offset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.applied[offset]; seen {
		return false
	}
	s.applied[offset] = struct{}{}
	return true
}
