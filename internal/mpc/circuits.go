package mpc

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// EncodeArg/DecodeArg wrap the JSON envelope carried in Dispatcher.Queue's
// encArgs slice. The queue contract only promises a byte-sliced transport
// (§6: "this section specifies the shape, not the binary encoding") — each
// circuit function below owns its own input/output struct.
func EncodeArg(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Arguments are always well-typed structs constructed by this
		// package; a marshal failure here means a programming error.
		panic(fmt.Sprintf("mpc: encode arg: %v", err))
	}
	return b
}

func DecodeArg[T any](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("mpc: decode arg: %w", err)
	}
	return v, nil
}

// ---- init_batch_state -----------------------------------------------------

type InitBatchStateOutput struct {
	Slots    [models.NumPairs]models.PairAccumulator
	MXENonce cipher.Nonce
}

func initBatchStateCircuit(keys *ClusterKeys) CircuitFunc {
	return func(_ [][]byte, _ []uint64) ([]byte, error) {
		nonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		shared := cipher.SharedKeyProtocol(&keys.Encryption.Private, &keys.Encryption.Public)

		var out InitBatchStateOutput
		out.MXENonce = nonce
		for p := 0; p < models.NumPairs; p++ {
			aCT, err := cipher.SealSlot(shared, 0, nonce, uint8(2*p))
			if err != nil {
				return nil, err
			}
			bCT, err := cipher.SealSlot(shared, 0, nonce, uint8(2*p+1))
			if err != nil {
				return nil, err
			}
			out.Slots[p] = models.PairAccumulator{EncAIn: aCT, EncBIn: bCT}
		}
		return EncodeArg(out), nil
	}
}

// ---- accumulate_order ------------------------------------------------------

// AccumulateOrderInput carries the encrypted order triple sealed under a
// single OrderNonce with per-field slot separation (cipher.SlotOrder*) —
// the same nonce the pending ticket retains so calculate_payout can reopen
// the triple at settlement time.
type AccumulateOrderInput struct {
	UserPub       [32]byte
	OrderPairCT   cipher.Ciphertext
	OrderDirCT    cipher.Ciphertext
	OrderAmountCT cipher.Ciphertext
	OrderNonce    cipher.Nonce
	BalanceCT     cipher.Ciphertext
	BalanceNonce  cipher.Nonce
	Slots         [models.NumPairs]models.PairAccumulator
	MXENonce      cipher.Nonce
}

type AccumulateOrderOutput struct {
	OK              bool
	NewBalanceCT    cipher.Ciphertext
	NewBalanceNonce cipher.Nonce
	NewSlots        [models.NumPairs]models.PairAccumulator
	NewMXENonce     cipher.Nonce

	// RevealedPairID/RevealedDirection are deliberately revealed by this
	// circuit (like OK) so the ledger can route settlement to the right
	// pair later without decrypting anything itself — the batch's own
	// reveal step already makes pair-level totals public, so retaining an
	// individual order's own route on its own ticket discloses nothing to
	// third parties and nothing beyond what that user's counterparty
	// already learns once the batch commits.
	RevealedPairID    models.PairID
	RevealedDirection models.Direction
}

// accumulateOrderCircuit implements §4.5's saturating-subtraction and
// routed-addition semantics. Both branches of every conditional are
// computed — a circuit-authoring discipline (SPEC_FULL.md §6.5), not a
// runtime concern, since this is a Go stand-in for a real garbled circuit.
func accumulateOrderCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[AccumulateOrderInput](encArgs[0])
		if err != nil {
			return nil, err
		}

		userShared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.UserPub)
		protoShared := cipher.SharedKeyProtocol(&keys.Encryption.Private, &keys.Encryption.Public)

		pairRaw, err := cipher.OpenSlot(userShared, in.OrderPairCT, in.OrderNonce, cipher.SlotOrderPair)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt order pair: %w", err)
		}
		dirRaw, err := cipher.OpenSlot(userShared, in.OrderDirCT, in.OrderNonce, cipher.SlotOrderDirection)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt order direction: %w", err)
		}
		amount, err := cipher.OpenSlot(userShared, in.OrderAmountCT, in.OrderNonce, cipher.SlotOrderAmount)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt order amount: %w", err)
		}
		balance, err := cipher.Open(userShared, in.BalanceCT, in.BalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt balance: %w", err)
		}
		pairID := models.PairID(pairRaw)
		direction := models.Direction(dirRaw != 0)

		ok := balance >= amount
		newBalance := uint64(0)
		if ok {
			newBalance = balance - amount
		}

		var aIn, bIn [models.NumPairs]uint64
		for p := 0; p < models.NumPairs; p++ {
			aIn[p], err = cipher.OpenSlot(protoShared, in.Slots[p].EncAIn, in.MXENonce, uint8(2*p))
			if err != nil {
				return nil, fmt.Errorf("mpc: decrypt pair %d a_in: %w", p, err)
			}
			bIn[p], err = cipher.OpenSlot(protoShared, in.Slots[p].EncBIn, in.MXENonce, uint8(2*p+1))
			if err != nil {
				return nil, fmt.Errorf("mpc: decrypt pair %d b_in: %w", p, err)
			}
		}

		newNonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}

		var out AccumulateOrderOutput
		out.OK = ok
		out.NewMXENonce = newNonce
		out.RevealedPairID = pairID
		out.RevealedDirection = direction

		balCT, err := cipher.Seal(userShared, newBalance, newNonce)
		if err != nil {
			return nil, err
		}
		out.NewBalanceCT, out.NewBalanceNonce = balCT, newNonce

		for p := 0; p < models.NumPairs; p++ {
			addToA := models.PairID(p) == pairID && direction == models.DirectionAToB
			addToB := models.PairID(p) == pairID && direction == models.DirectionBToA
			newA := aIn[p] + selectU64(addToA, amount)
			newB := bIn[p] + selectU64(addToB, amount)

			aCT, err := cipher.SealSlot(protoShared, newA, newNonce, uint8(2*p))
			if err != nil {
				return nil, err
			}
			bCT, err := cipher.SealSlot(protoShared, newB, newNonce, uint8(2*p+1))
			if err != nil {
				return nil, err
			}
			out.NewSlots[p] = models.PairAccumulator{EncAIn: aCT, EncBIn: bCT}
		}

		return EncodeArg(out), nil
	}
}

func selectU64(cond bool, amount uint64) uint64 {
	if cond {
		return amount
	}
	return 0
}

// ---- reveal_batch -----------------------------------------------------------

type RevealBatchInput struct {
	Slots    [models.NumPairs]models.PairAccumulator
	MXENonce cipher.Nonce
}

type RevealBatchOutput struct {
	AIn [models.NumPairs]uint64
	BIn [models.NumPairs]uint64
}

func revealBatchCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[RevealBatchInput](encArgs[0])
		if err != nil {
			return nil, err
		}
		shared := cipher.SharedKeyProtocol(&keys.Encryption.Private, &keys.Encryption.Public)

		var out RevealBatchOutput
		for p := 0; p < models.NumPairs; p++ {
			out.AIn[p], err = cipher.OpenSlot(shared, in.Slots[p].EncAIn, in.MXENonce, uint8(2*p))
			if err != nil {
				return nil, fmt.Errorf("mpc: reveal pair %d a_in: %w", p, err)
			}
			out.BIn[p], err = cipher.OpenSlot(shared, in.Slots[p].EncBIn, in.MXENonce, uint8(2*p+1))
			if err != nil {
				return nil, fmt.Errorf("mpc: reveal pair %d b_in: %w", p, err)
			}
		}
		return EncodeArg(out), nil
	}
}

// ---- calculate_payout --------------------------------------------------------

// CalculatePayoutInput reopens the ticket's order triple under the same
// OrderNonce accumulate_order consumed at placement time.
type CalculatePayoutInput struct {
	UserPub            [32]byte
	AmountCT           cipher.Ciphertext
	PairCT             cipher.Ciphertext
	DirCT              cipher.Ciphertext
	OrderNonce         cipher.Nonce
	OutputBalanceCT    cipher.Ciphertext
	OutputBalanceNonce cipher.Nonce
	TotalAIn           uint64
	TotalBIn           uint64
	FinalPoolA         uint64
	FinalPoolB         uint64
}

type CalculatePayoutOutput struct {
	NewOutputBalanceCT     cipher.Ciphertext
	NewOutputBalanceNonce  cipher.Nonce
	RevealedPayoutForDebug uint64
}

// calculatePayoutCircuit implements §4.7's pro-rata formula, dividing in a
// 128-bit-equivalent domain (two uint64 halves via bits.Mul64/Div64) to
// avoid overflow on the amount*final_out product for realistic supply
// bounds, per the spec's "domain wide enough to avoid overflow" note.
func calculatePayoutCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[CalculatePayoutInput](encArgs[0])
		if err != nil {
			return nil, err
		}
		userShared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.UserPub)

		amount, err := cipher.OpenSlot(userShared, in.AmountCT, in.OrderNonce, cipher.SlotOrderAmount)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt payout amount: %w", err)
		}
		dirRaw, err := cipher.OpenSlot(userShared, in.DirCT, in.OrderNonce, cipher.SlotOrderDirection)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt payout direction: %w", err)
		}
		outputBalance, err := cipher.Open(userShared, in.OutputBalanceCT, in.OutputBalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt output balance: %w", err)
		}
		direction := models.Direction(dirRaw != 0)

		var totalIn, finalOut uint64
		if direction == models.DirectionAToB {
			totalIn, finalOut = in.TotalAIn, in.FinalPoolB
		} else {
			totalIn, finalOut = in.TotalBIn, in.FinalPoolA
		}

		payout, err := mulDivTruncating(amount, finalOut, totalIn)
		if err != nil {
			return nil, fmt.Errorf("mpc: %w", err)
		}
		newBalance := outputBalance + payout
		if newBalance < outputBalance {
			return nil, fmt.Errorf("mpc: %w", errArithmeticOverflow)
		}

		nonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		ct, err := cipher.Seal(userShared, newBalance, nonce)
		if err != nil {
			return nil, err
		}

		return EncodeArg(CalculatePayoutOutput{
			NewOutputBalanceCT:     ct,
			NewOutputBalanceNonce:  nonce,
			RevealedPayoutForDebug: payout,
		}), nil
	}
}

// mulDivTruncating computes floor(a*b/d) without overflowing uint64, and
// returns 0 if d == 0 (§4.7's division-by-zero guard — not an error). An
// out-of-range quotient (only reachable if amount exceeds the pair's own
// recorded total, which admission's invariants should never allow) surfaces
// as errArithmeticOverflow rather than panicking.
func mulDivTruncating(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, nil
	}
	hi, lo := bitsMul64(a, b)
	if hi >= d {
		return 0, errArithmeticOverflow
	}
	q, _ := bitsDiv64(hi, lo, d)
	return q, nil
}

// ---- add_balance / sub_balance / transfer -----------------------------------

type AddBalanceInput struct {
	UserPub      [32]byte
	BalanceCT    cipher.Ciphertext
	BalanceNonce cipher.Nonce
	AmountCT     cipher.Ciphertext
	AmountNonce  cipher.Nonce
}

type AddBalanceOutput struct {
	NewBalanceCT    cipher.Ciphertext
	NewBalanceNonce cipher.Nonce
}

func addBalanceCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[AddBalanceInput](encArgs[0])
		if err != nil {
			return nil, err
		}
		shared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.UserPub)

		balance, err := cipher.Open(shared, in.BalanceCT, in.BalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt balance: %w", err)
		}
		amount, err := cipher.Open(shared, in.AmountCT, in.AmountNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt amount: %w", err)
		}

		newBalance := balance + amount
		if newBalance < balance {
			return nil, fmt.Errorf("mpc: %w", errArithmeticOverflow)
		}

		nonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		ct, err := cipher.Seal(shared, newBalance, nonce)
		if err != nil {
			return nil, err
		}
		return EncodeArg(AddBalanceOutput{NewBalanceCT: ct, NewBalanceNonce: nonce}), nil
	}
}

type SubBalanceInput AddBalanceInput

type SubBalanceOutput struct {
	OK              bool
	NewBalanceCT    cipher.Ciphertext
	NewBalanceNonce cipher.Nonce
}

func subBalanceCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[SubBalanceInput](encArgs[0])
		if err != nil {
			return nil, err
		}
		shared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.UserPub)

		balance, err := cipher.Open(shared, in.BalanceCT, in.BalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt balance: %w", err)
		}
		amount, err := cipher.Open(shared, in.AmountCT, in.AmountNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt amount: %w", err)
		}

		ok := balance >= amount
		newBalance := balance
		if ok {
			newBalance = balance - amount
		}

		nonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		ct, err := cipher.Seal(shared, newBalance, nonce)
		if err != nil {
			return nil, err
		}
		return EncodeArg(SubBalanceOutput{OK: ok, NewBalanceCT: ct, NewBalanceNonce: nonce}), nil
	}
}

type TransferInput struct {
	SenderPub             [32]byte
	RecipientPub          [32]byte
	SenderBalanceCT       cipher.Ciphertext
	SenderBalanceNonce    cipher.Nonce
	RecipientBalanceCT    cipher.Ciphertext
	RecipientBalanceNonce cipher.Nonce
	AmountCT              cipher.Ciphertext
	AmountNonce           cipher.Nonce
}

type TransferOutput struct {
	OK                       bool
	NewSenderBalanceCT       cipher.Ciphertext
	NewSenderBalanceNonce    cipher.Nonce
	NewRecipientBalanceCT    cipher.Ciphertext
	NewRecipientBalanceNonce cipher.Nonce
}

func transferCircuit(keys *ClusterKeys) CircuitFunc {
	return func(encArgs [][]byte, _ []uint64) ([]byte, error) {
		in, err := DecodeArg[TransferInput](encArgs[0])
		if err != nil {
			return nil, err
		}
		senderShared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.SenderPub)
		recipientShared := cipher.SharedKeyMXEForUser(&keys.Encryption.Private, &in.RecipientPub)

		senderBalance, err := cipher.Open(senderShared, in.SenderBalanceCT, in.SenderBalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt sender balance: %w", err)
		}
		recipientBalance, err := cipher.Open(recipientShared, in.RecipientBalanceCT, in.RecipientBalanceNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt recipient balance: %w", err)
		}
		amount, err := cipher.Open(senderShared, in.AmountCT, in.AmountNonce)
		if err != nil {
			return nil, fmt.Errorf("mpc: decrypt amount: %w", err)
		}

		ok := senderBalance >= amount
		newSender := senderBalance
		newRecipient := recipientBalance
		if ok {
			newSender = senderBalance - amount
			newRecipient = recipientBalance + amount
			if newRecipient < recipientBalance {
				return nil, fmt.Errorf("mpc: %w", errArithmeticOverflow)
			}
		}

		senderNonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		recipientNonce, err := cipher.NewNonce()
		if err != nil {
			return nil, err
		}
		senderCT, err := cipher.Seal(senderShared, newSender, senderNonce)
		if err != nil {
			return nil, err
		}
		recipientCT, err := cipher.Seal(recipientShared, newRecipient, recipientNonce)
		if err != nil {
			return nil, err
		}

		return EncodeArg(TransferOutput{
			OK:                       ok,
			NewSenderBalanceCT:       senderCT,
			NewSenderBalanceNonce:    senderNonce,
			NewRecipientBalanceCT:    recipientCT,
			NewRecipientBalanceNonce: recipientNonce,
		}), nil
	}
}

// registry builds the full circuit table for a ClusterKeys instance.
func registry(keys *ClusterKeys) map[CircuitID]CircuitFunc {
	return map[CircuitID]CircuitFunc{
		CircuitInitBatchState:  initBatchStateCircuit(keys),
		CircuitAccumulateOrder: accumulateOrderCircuit(keys),
		CircuitRevealBatch:     revealBatchCircuit(keys),
		CircuitCalculatePayout: calculatePayoutCircuit(keys),
		CircuitAddBalance:      addBalanceCircuit(keys),
		CircuitSubBalance:      subBalanceCircuit(keys),
		CircuitTransfer:        transferCircuit(keys),
	}
}
