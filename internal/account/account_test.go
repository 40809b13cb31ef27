package account

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/internal/settlement"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// scriptedDispatcher answers every circuit it's queued with a canned
// payload, selected by the test per circuit id, applied synchronously so
// each action's effects are fully visible the moment it returns.
type scriptedDispatcher struct {
	responses map[mpc.CircuitID][]byte
}

func (d *scriptedDispatcher) Queue(circuitID mpc.CircuitID, _ [][]byte, _ []uint64, cb mpc.CallbackDescriptor) (uint64, error) {
	cb.Apply(d.responses[circuitID])
	return 1, nil
}

type noLogs struct{}

func (noLogs) GetBatchLog(_ context.Context, _ uint64) (models.BatchLog, bool, error) {
	return models.BatchLog{}, false, nil
}

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

func newTestManager(t *testing.T, owner string, responses map[mpc.CircuitID][]byte, faucetLimit uint64) (*Manager, *ledger.Store, *captureSink) {
	t.Helper()
	store := ledger.New(nil)
	var zeros [models.NumAssets]cipher.Ciphertext
	var nonces [models.NumAssets]cipher.Nonce
	if err := store.CreateProfile(owner, [32]byte{1}, zeros, nonces); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	disp := &scriptedDispatcher{responses: responses}
	sink := &captureSink{}
	publisher := events.NewPublisher(sink)
	settler := settlement.New(store, disp, noLogs{}, publisher)
	return New(store, disp, settler, NewVault(), publisher, faucetLimit), store, sink
}

func TestDepositRejectsInvalidAssetAndZeroAmount(t *testing.T) {
	m, _, _ := newTestManager(t, "alice", nil, 0)
	if _, err := m.Deposit(context.Background(), "alice", models.AssetID(99), 10, cipher.Ciphertext{}, cipher.Nonce{}); !coreerrors.Is(err, coreerrors.InvalidAssetID) {
		t.Fatalf("expected InvalidAssetID, got %v", err)
	}
	if _, err := m.Deposit(context.Background(), "alice", models.AssetUSDC, 0, cipher.Ciphertext{}, cipher.Nonce{}); !coreerrors.Is(err, coreerrors.InvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
}

func TestDepositCreditsBalanceAndVault(t *testing.T) {
	newCT := cipher.Ciphertext{0xDD}
	newNonce, _ := cipher.NewNonce()
	m, store, _ := newTestManager(t, "alice", map[mpc.CircuitID][]byte{
		mpc.CircuitAddBalance: mpc.EncodeArg(mpc.AddBalanceOutput{NewBalanceCT: newCT, NewBalanceNonce: newNonce}),
	}, 0)

	if _, err := m.Deposit(context.Background(), "alice", models.AssetUSDC, 500, cipher.Ciphertext{}, cipher.Nonce{}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	p, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Balances[models.AssetUSDC] != newCT || p.BalanceNonce[models.AssetUSDC] != newNonce {
		t.Fatalf("expected USDC balance updated from the circuit's output")
	}
	// The vault debit lands with the callback, never ahead of it.
	if m.vault.Balance(models.AssetUSDC) != 500 {
		t.Fatalf("expected vault debited by 500 on callback success, got %d", m.vault.Balance(models.AssetUSDC))
	}
}

func TestWithdrawInsufficientBalanceLeavesVaultUntouched(t *testing.T) {
	m, store, sink := newTestManager(t, "alice", map[mpc.CircuitID][]byte{
		mpc.CircuitSubBalance: mpc.EncodeArg(mpc.SubBalanceOutput{OK: false}),
	}, 0)

	// The rejection is a callback-time outcome: Withdraw itself returns the
	// queued offset, the event surface carries the failure.
	if _, err := m.Withdraw(context.Background(), "alice", models.AssetUSDC, 100, cipher.Ciphertext{}, cipher.Nonce{}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !sink.saw("insufficient_balance") {
		t.Fatalf("expected an InsufficientBalance event for the rejected withdrawal")
	}
	if m.vault.Balance(models.AssetUSDC) != 0 {
		t.Fatalf("expected vault untouched on a rejected withdrawal")
	}
	p, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Balances[models.AssetUSDC] != (cipher.Ciphertext{}) {
		t.Fatalf("expected balance slot untouched on a rejected withdrawal")
	}
}

func TestWithdrawSuccessCreditsVault(t *testing.T) {
	newCT := cipher.Ciphertext{0xEE}
	newNonce, _ := cipher.NewNonce()
	m, store, _ := newTestManager(t, "alice", map[mpc.CircuitID][]byte{
		mpc.CircuitSubBalance: mpc.EncodeArg(mpc.SubBalanceOutput{OK: true, NewBalanceCT: newCT, NewBalanceNonce: newNonce}),
	}, 0)
	m.vault.Debit(models.AssetUSDC, 1000) // simulate prior deposits funding the vault

	if _, err := m.Withdraw(context.Background(), "alice", models.AssetUSDC, 300, cipher.Ciphertext{}, cipher.Nonce{}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if m.vault.Balance(models.AssetUSDC) != 700 {
		t.Fatalf("expected vault credited down to 700, got %d", m.vault.Balance(models.AssetUSDC))
	}
	p, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Balances[models.AssetUSDC] != newCT {
		t.Fatalf("expected balance updated from the circuit's output")
	}
}

func TestTransferRejectsSelfTransfer(t *testing.T) {
	m, _, _ := newTestManager(t, "alice", nil, 0)
	if _, err := m.Transfer(context.Background(), "alice", "alice", cipher.Ciphertext{}, cipher.Nonce{}); !coreerrors.Is(err, coreerrors.InvalidAmount) {
		t.Fatalf("expected InvalidAmount for self-transfer, got %v", err)
	}
}

func TestTransferRejectsUnknownRecipient(t *testing.T) {
	m, _, _ := newTestManager(t, "alice", nil, 0)
	_, err := m.Transfer(context.Background(), "alice", "nobody", cipher.Ciphertext{}, cipher.Nonce{})
	if !coreerrors.Is(err, coreerrors.RecipientAccountNotFound) {
		t.Fatalf("expected RecipientAccountNotFound, got %v", err)
	}
}

func TestTransferAppliesBothBalanceUpdates(t *testing.T) {
	m, store, _ := newTestManager(t, "alice", nil, 0)
	var zeros [models.NumAssets]cipher.Ciphertext
	var nonces [models.NumAssets]cipher.Nonce
	if err := store.CreateProfile("bob", [32]byte{2}, zeros, nonces); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	senderCT := cipher.Ciphertext{0x11}
	senderNonce, _ := cipher.NewNonce()
	recipientCT := cipher.Ciphertext{0x22}
	recipientNonce, _ := cipher.NewNonce()
	m.dispatcher.(*scriptedDispatcher).responses = map[mpc.CircuitID][]byte{
		mpc.CircuitTransfer: mpc.EncodeArg(mpc.TransferOutput{
			OK:                       true,
			NewSenderBalanceCT:       senderCT,
			NewSenderBalanceNonce:    senderNonce,
			NewRecipientBalanceCT:    recipientCT,
			NewRecipientBalanceNonce: recipientNonce,
		}),
	}

	if _, err := m.Transfer(context.Background(), "alice", "bob", cipher.Ciphertext{}, cipher.Nonce{}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	sender, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if sender.Balances[models.AssetUSDC] != senderCT {
		t.Fatalf("expected sender's USDC balance updated")
	}
	recipient, err := store.Get("bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if recipient.Balances[models.AssetUSDC] != recipientCT {
		t.Fatalf("expected recipient's USDC balance updated")
	}
}

func TestFaucetRejectsOverLimitAndRepeatWithinWindow(t *testing.T) {
	newCT := cipher.Ciphertext{0xFF}
	newNonce, _ := cipher.NewNonce()
	m, _, _ := newTestManager(t, "alice", map[mpc.CircuitID][]byte{
		mpc.CircuitAddBalance: mpc.EncodeArg(mpc.AddBalanceOutput{NewBalanceCT: newCT, NewBalanceNonce: newNonce}),
	}, 1000)

	if _, err := m.Faucet(context.Background(), "alice", models.AssetUSDC, 5000, cipher.Ciphertext{}, cipher.Nonce{}); !coreerrors.Is(err, coreerrors.FaucetLimitExceeded) {
		t.Fatalf("expected FaucetLimitExceeded for an over-cap request, got %v", err)
	}

	if _, err := m.Faucet(context.Background(), "alice", models.AssetUSDC, 500, cipher.Ciphertext{}, cipher.Nonce{}); err != nil {
		t.Fatalf("expected first in-window faucet call to succeed, got %v", err)
	}

	if _, err := m.Faucet(context.Background(), "alice", models.AssetUSDC, 500, cipher.Ciphertext{}, cipher.Nonce{}); !coreerrors.Is(err, coreerrors.FaucetLimitExceeded) {
		t.Fatalf("expected a second faucet call within the window to be rejected, got %v", err)
	}
}

func TestVaultCreditSaturatesAtZero(t *testing.T) {
	v := NewVault()
	v.Debit(models.AssetUSDC, 100)
	v.Credit(models.AssetUSDC, 500)
	if v.Balance(models.AssetUSDC) != 0 {
		t.Fatalf("expected vault balance to saturate at zero, got %d", v.Balance(models.AssetUSDC))
	}
}
