// Package account implements the ledger-mutating actions from §6's action
// table that aren't order placement or settlement: create_profile, deposit,
// withdraw, transfer. Each mutation that touches an encrypted balance is
// routed through an MPC circuit (add_balance, sub_balance, transfer) the
// same way component C5 routes accumulate_order — queue, return the
// computation offset, apply the verified callback when it lands.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/events"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/mpc"
	"github.com/rawblock/omnibatch-engine/internal/settlement"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// Vault models the SPL-token custody trust boundary (§1's out-of-scope
// "vault deposits/withdrawals reduce to debit X, credit encrypted balance
// by X"): a plaintext per-asset external balance, debited on deposit and
// credited on withdrawal, kept only so P4 (conservation) is checkable
// end-to-end in tests without a real token program.
type Vault struct {
	mu       sync.Mutex
	balances [models.NumAssets]uint64
}

func NewVault() *Vault {
	return &Vault{}
}

// Debit records tokens entering the vault on a deposit.
func (v *Vault) Debit(asset models.AssetID, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] += amount
}

// Credit records tokens leaving the vault on a withdrawal. Saturates at
// zero rather than going negative — a withdrawal is only ever credited
// here after the sub_balance circuit has already confirmed sufficient
// encrypted balance, so underflow would indicate a host-side bookkeeping
// bug, not a user error.
func (v *Vault) Credit(asset models.AssetID, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if amount > v.balances[asset] {
		amount = v.balances[asset]
	}
	v.balances[asset] -= amount
}

func (v *Vault) Balance(asset models.AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[asset]
}

// faucetWindow bounds how often one owner may hit the admin-only Faucet
// action; the per-request cap lives on Manager.faucetLimit. A devnet
// convenience, never wired to the bearer-protected user-facing routes.
const faucetWindow = 24 * time.Hour

// Manager wires the ledger, MPC dispatcher, and lazy-settlement hook
// together for every non-order, non-settle action in §6's table.
type Manager struct {
	ledger     *ledger.Store
	dispatcher mpc.Dispatcher
	settler    *settlement.Settler
	vault      *Vault
	publish    events.Publisher

	faucetMu    sync.Mutex
	faucetSeen  map[string]time.Time
	faucetLimit uint64
}

func New(store *ledger.Store, dispatcher mpc.Dispatcher, settler *settlement.Settler, vault *Vault, publish events.Publisher, faucetLimit uint64) *Manager {
	if vault == nil {
		vault = NewVault()
	}
	return &Manager{
		ledger:      store,
		dispatcher:  dispatcher,
		settler:     settler,
		vault:       vault,
		publish:     publish,
		faucetSeen:  make(map[string]time.Time),
		faucetLimit: faucetLimit,
	}
}

// CreateProfile installs a fresh profile. The four zero ciphertexts and
// their nonces are supplied by the caller (the wallet already talked to the
// MXE off the trust boundary to produce a genuine encryption of zero under
// its own pk, per §4.2 — the server does not, and cannot, mint them itself).
func (m *Manager) CreateProfile(owner string, pk [32]byte, zeros [models.NumAssets]cipher.Ciphertext, nonces [models.NumAssets]cipher.Nonce) error {
	return m.ledger.CreateProfile(owner, pk, zeros, nonces)
}

// Deposit queues a credit of owner's encrypted asset-id balance by amount
// and returns the computation offset. The external vault is debited on the
// callback's success path — uniformly with every other circuit here, no
// vault movement is ever staged ahead of a callback, so an aborted or
// timed-out computation has nothing to refund.
func (m *Manager) Deposit(ctx context.Context, owner string, assetID models.AssetID, amount uint64, amountCT cipher.Ciphertext, amountNonce cipher.Nonce) (uint64, error) {
	if !assetID.Valid() {
		return 0, coreerrors.New(coreerrors.InvalidAssetID)
	}
	if amount == 0 {
		return 0, coreerrors.New(coreerrors.InvalidAmount)
	}
	if err := m.settler.TrySettle(ctx, owner); err != nil {
		return 0, err
	}

	profile, err := m.ledger.Get(owner)
	if err != nil {
		return 0, err
	}

	in := mpc.AddBalanceInput{
		UserPub:      profile.PublicKey,
		BalanceCT:    profile.Balances[assetID],
		BalanceNonce: profile.BalanceNonce[assetID],
		AmountCT:     amountCT,
		AmountNonce:  amountNonce,
	}

	offset, err := m.dispatcher.Queue(mpc.CircuitAddBalance, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitAddBalance,
		Apply: func(payload []byte) error {
			out, err := mpc.DecodeArg[mpc.AddBalanceOutput](payload)
			if err != nil {
				return err
			}
			if err := m.ledger.BalanceUpdate(owner, assetID, out.NewBalanceCT, out.NewBalanceNonce); err != nil {
				return err
			}
			m.vault.Debit(assetID, amount)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("account: queue add_balance: %w", err)
	}
	return offset, nil
}

// Withdraw queues a debit of owner's encrypted asset-id balance by amount
// (saturating; the circuit reveals OK) and returns the computation offset.
// Only the callback's ok=true path credits the external vault; a rejected
// withdrawal emits InsufficientBalance and touches nothing.
func (m *Manager) Withdraw(ctx context.Context, owner string, assetID models.AssetID, amount uint64, amountCT cipher.Ciphertext, amountNonce cipher.Nonce) (uint64, error) {
	if !assetID.Valid() {
		return 0, coreerrors.New(coreerrors.InvalidAssetID)
	}
	if amount == 0 {
		return 0, coreerrors.New(coreerrors.InvalidAmount)
	}
	if err := m.settler.TrySettle(ctx, owner); err != nil {
		return 0, err
	}

	profile, err := m.ledger.Get(owner)
	if err != nil {
		return 0, err
	}

	in := mpc.SubBalanceInput{
		UserPub:      profile.PublicKey,
		BalanceCT:    profile.Balances[assetID],
		BalanceNonce: profile.BalanceNonce[assetID],
		AmountCT:     amountCT,
		AmountNonce:  amountNonce,
	}

	offset, err := m.dispatcher.Queue(mpc.CircuitSubBalance, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitSubBalance,
		Apply: func(payload []byte) error {
			out, err := mpc.DecodeArg[mpc.SubBalanceOutput](payload)
			if err != nil {
				return err
			}
			if !out.OK {
				m.publish.Publish(events.InsufficientBalance{Owner: owner, CircuitID: string(mpc.CircuitSubBalance)})
				return nil
			}
			if err := m.ledger.BalanceUpdate(owner, assetID, out.NewBalanceCT, out.NewBalanceNonce); err != nil {
				return err
			}
			m.vault.Credit(assetID, amount)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("account: queue sub_balance: %w", err)
	}
	return offset, nil
}

// Transfer queues a move of an encrypted USDC amount from sender to
// recipient — atomic within the circuit (§6's action table: "Atomic debit
// sender / credit recipient USDC only") — and returns the computation
// offset.
func (m *Manager) Transfer(ctx context.Context, sender, recipient string, amountCT cipher.Ciphertext, amountNonce cipher.Nonce) (uint64, error) {
	if sender == recipient {
		return 0, coreerrors.New(coreerrors.InvalidAmount)
	}
	if err := m.settler.TrySettle(ctx, sender); err != nil {
		return 0, err
	}
	if err := m.settler.TrySettle(ctx, recipient); err != nil {
		if coreerrors.Is(err, coreerrors.ProfileNotFound) {
			return 0, coreerrors.New(coreerrors.RecipientAccountNotFound)
		}
		return 0, err
	}

	senderProfile, err := m.ledger.Get(sender)
	if err != nil {
		return 0, err
	}
	recipientProfile, err := m.ledger.Get(recipient)
	if err != nil {
		return 0, coreerrors.New(coreerrors.RecipientAccountNotFound)
	}

	in := mpc.TransferInput{
		SenderPub:             senderProfile.PublicKey,
		RecipientPub:          recipientProfile.PublicKey,
		SenderBalanceCT:       senderProfile.Balances[models.AssetUSDC],
		SenderBalanceNonce:    senderProfile.BalanceNonce[models.AssetUSDC],
		RecipientBalanceCT:    recipientProfile.Balances[models.AssetUSDC],
		RecipientBalanceNonce: recipientProfile.BalanceNonce[models.AssetUSDC],
		AmountCT:              amountCT,
		AmountNonce:           amountNonce,
	}

	offset, err := m.dispatcher.Queue(mpc.CircuitTransfer, [][]byte{mpc.EncodeArg(in)}, nil, mpc.CallbackDescriptor{
		CircuitID: mpc.CircuitTransfer,
		Apply: func(payload []byte) error {
			out, err := mpc.DecodeArg[mpc.TransferOutput](payload)
			if err != nil {
				return err
			}
			if !out.OK {
				m.publish.Publish(events.InsufficientBalance{Owner: sender, CircuitID: string(mpc.CircuitTransfer)})
				return nil
			}
			if err := m.ledger.BalanceUpdate(sender, models.AssetUSDC, out.NewSenderBalanceCT, out.NewSenderBalanceNonce); err != nil {
				return err
			}
			return m.ledger.BalanceUpdate(recipient, models.AssetUSDC, out.NewRecipientBalanceCT, out.NewRecipientBalanceNonce)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("account: queue transfer: %w", err)
	}
	return offset, nil
}

// Faucet is an admin-only devnet convenience: like Deposit, but capped at
// faucetLimit per owner per faucetWindow (FaucetLimitExceeded, §7). Never
// mounted behind the user-facing bearer-protected routes.
func (m *Manager) Faucet(ctx context.Context, owner string, assetID models.AssetID, amount uint64, amountCT cipher.Ciphertext, amountNonce cipher.Nonce) (uint64, error) {
	if m.faucetLimit > 0 && amount > m.faucetLimit {
		return 0, coreerrors.New(coreerrors.FaucetLimitExceeded)
	}

	m.faucetMu.Lock()
	last, seen := m.faucetSeen[owner]
	if seen && time.Since(last) < faucetWindow {
		m.faucetMu.Unlock()
		return 0, coreerrors.New(coreerrors.FaucetLimitExceeded)
	}
	m.faucetSeen[owner] = time.Now()
	m.faucetMu.Unlock()

	return m.Deposit(ctx, owner, assetID, amount, amountCT, amountNonce)
}
