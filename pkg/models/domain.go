// Package models holds the plain data types shared across the ledger,
// batch accumulator, MPC dispatch, and API layers. Nothing in this package
// knows how to mutate state — it is the wire/storage shape only.
package models

import (
	"time"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
)

// AssetID names one of the four fungible assets backing the six trading pairs.
type AssetID uint8

const (
	AssetUSDC AssetID = iota
	AssetTSLA
	AssetSPY
	AssetGOLD
	NumAssets = 4
)

func (a AssetID) String() string {
	switch a {
	case AssetUSDC:
		return "USDC"
	case AssetTSLA:
		return "TSLA"
	case AssetSPY:
		return "SPY"
	case AssetGOLD:
		return "GOLD"
	default:
		return "UNKNOWN"
	}
}

func (a AssetID) Valid() bool {
	return a < NumAssets
}

// PairID names one of the six unordered asset pairs. Orientation (which
// asset is "A" and which is "B") is fixed at construction — see Pairs.
type PairID uint8

const (
	PairUSDCTSLA PairID = iota
	PairUSDCSPY
	PairUSDCGOLD
	PairTSLASPY
	PairTSLAGOLD
	PairSPYGOLD
	NumPairs = 6
)

func (p PairID) Valid() bool {
	return p < NumPairs
}

// PairOrientation names which asset is the pair's "A" side and which is "B".
type PairOrientation struct {
	A AssetID
	B AssetID
}

// Pairs is the stable (A, B) orientation table for all six pairs, fixed at
// construction and never reordered — direction flags (A-to-B / B-to-A) are
// only meaningful relative to this table.
var Pairs = [NumPairs]PairOrientation{
	PairUSDCTSLA: {A: AssetUSDC, B: AssetTSLA},
	PairUSDCSPY:  {A: AssetUSDC, B: AssetSPY},
	PairUSDCGOLD: {A: AssetUSDC, B: AssetGOLD},
	PairTSLASPY:  {A: AssetTSLA, B: AssetSPY},
	PairTSLAGOLD: {A: AssetTSLA, B: AssetGOLD},
	PairSPYGOLD:  {A: AssetSPY, B: AssetGOLD},
}

// Direction is an order's side: false = A-to-B, true = B-to-A.
type Direction bool

const (
	DirectionAToB Direction = false
	DirectionBToA Direction = true
)

// OwnerTag declares who can decrypt a ciphertext.
type OwnerTag uint8

const (
	OwnerProtocol OwnerTag = iota
	OwnerUser
)

// PendingOrder is the encrypted-order ticket held on a UserProfile between
// placement and settlement. BatchID, PairID and Direction are plaintext:
// the accumulate_order circuit already reveals the latter two alongside
// its OK bit (§4.5), and retaining them on the ticket costs no additional
// privacy — the batch's own reveal step makes pair-level totals public
// before any ticket carrying that route is ever settled. EncAmount stays
// sealed end-to-end.
type PendingOrder struct {
	BatchID      uint64
	PairID       PairID
	Direction    Direction
	EncPairID    cipher.Ciphertext // ciphertext of the PairID as submitted with the order
	EncDirection cipher.Ciphertext // ciphertext of the Direction as submitted with the order
	EncAmount    cipher.Ciphertext
	OrderNonce   cipher.Nonce
}

// UserProfile is the per-account ledger record. Balances and the pending
// order ticket are encrypted; everything else here is plaintext metadata.
type UserProfile struct {
	Owner     string
	PublicKey [32]byte

	Balances     [NumAssets]cipher.Ciphertext
	BalanceNonce [NumAssets]cipher.Nonce

	Pending *PendingOrder

	CreatedAt time.Time
	Destroyed bool
}

// PairAccumulator holds the protocol-owned running totals for one pair.
type PairAccumulator struct {
	EncAIn cipher.Ciphertext
	EncBIn cipher.Ciphertext
}

// BatchAccumulatorState is the persisted shape of the singleton accumulator.
type BatchAccumulatorState struct {
	BatchID     uint64
	OrderCount  uint8
	ActivePairs uint8 // bitmap6
	Slots       [NumPairs]PairAccumulator
	MXENonce    cipher.Nonce
}

// PairResult is one pair's revealed-and-netted outcome, persisted in a BatchLog.
type PairResult struct {
	TotalAIn     uint64
	TotalBIn     uint64
	FinalPoolA   uint64
	FinalPoolB   uint64
	Skipped      bool // true if the external swap failed and netting was skipped (PairSwapSkipped)
}

// BatchLog is the immutable, plaintext, post-reveal record for one batch.
type BatchLog struct {
	BatchID       uint64
	Pairs         [NumPairs]PairResult
	SwapsExecuted bool
	AuditHash     [32]byte
	CommittedAt   time.Time
}
