// Package events defines the event surface (component C8) fed to the
// websocket hub (component C10, internal/api.Hub). Event types are plain
// JSON-marshalable structs — Publisher owns turning one into a wire frame.
package events

import (
	"encoding/json"
	"log"

	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// BatchReady fires once the trigger policy holds, immediately before the
// reveal is queued.
type BatchReady struct {
	BatchID uint64 `json:"batchId"`
}

// BatchCommitted fires once a BatchLog has been persisted and the
// accumulator reset.
type BatchCommitted struct {
	BatchID uint64 `json:"batchId"`
}

// SettlementEvent fires once a user's payout has been applied. Nonce is
// the rotated output-slot nonce, included so the user can decrypt their
// new balance without a ledger read — a nonce is plaintext metadata, never
// a ciphertext's interpretation.
type SettlementEvent struct {
	Owner   string         `json:"owner"`
	BatchID uint64         `json:"batchId"`
	Asset   models.AssetID `json:"asset"`
	Nonce   [16]byte       `json:"nonce"`
}

// AbortedComputation fires whenever the MPC dispatcher rejects a
// SignedOutput (signature mismatch, circuit id mismatch) or a circuit
// function itself errors. ComputationOffset identifies which queued
// request died so a client awaiting it can stop waiting.
type AbortedComputation struct {
	CircuitID         string `json:"circuitId"`
	ComputationOffset uint64 `json:"computationOffset"`
	Reason            string `json:"reason"`
}

// InsufficientBalance fires when a circuit's revealed ok bit rejects a
// debit (order placement, withdrawal, transfer): the output is discarded
// and the profile left untouched. With every action path returning at
// queue time, this event is how the client learns the outcome.
type InsufficientBalance struct {
	Owner     string `json:"owner"`
	CircuitID string `json:"circuitId"`
}

// PairSwapSkipped is a supplemental event (§9): fires when a pair's
// external swap failed and netting fell back to an unchanged pass-through.
type PairSwapSkipped struct {
	BatchID uint64        `json:"batchId"`
	Pair    models.PairID `json:"pair"`
}

// Sink is the minimal broadcast surface Publisher depends on — satisfied
// by internal/api.Hub's Broadcast([]byte) method, kept as an interface so
// internal/reveal and internal/settlement don't import internal/api.
type Sink interface {
	Broadcast(data []byte)
}

// Publisher marshals typed events and hands them to a Sink, matching the
// teacher's mempool.Poller pattern of marshaling a payload before calling
// wsHub.Broadcast.
type Publisher struct {
	sink Sink
}

func NewPublisher(sink Sink) Publisher {
	return Publisher{sink: sink}
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publish marshals event with a type tag derived from its Go type name and
// broadcasts it. Marshal failures are logged, not returned — matching the
// teacher's own "log and continue" stance in its alert-broadcast path
// (mempool.NewPoller's alert callback).
func (p Publisher) Publish(event any) {
	if p.sink == nil {
		return
	}
	typeName := eventType(event)
	payload, err := json.Marshal(envelope{Type: typeName, Data: event})
	if err != nil {
		log.Printf("events: failed to marshal %s: %v", typeName, err)
		return
	}
	p.sink.Broadcast(payload)
}

func eventType(event any) string {
	switch event.(type) {
	case BatchReady:
		return "batch_ready"
	case BatchCommitted:
		return "batch_committed"
	case SettlementEvent:
		return "settlement"
	case AbortedComputation:
		return "aborted_computation"
	case InsufficientBalance:
		return "insufficient_balance"
	case PairSwapSkipped:
		return "pair_swap_skipped"
	default:
		return "unknown"
	}
}
