// Package ledger implements component C2: per-owner account state. It
// mirrors the teacher's pairing of a durable PostgresStore with an
// in-memory index (internal/api.Hub keeps live websocket clients the same
// way db.PostgresStore keeps durable rows) — here a mutex-guarded map is
// the hot path and internal/db is the durable mirror.
package ledger

import (
	"fmt"
	"log"
	"sync"

	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// Durable is the subset of internal/db's store that the ledger needs to
// mirror writes to. A nil Durable degrades to in-memory-only operation,
// matching the teacher's cmd/engine "optional DB connection" startup path.
type Durable interface {
	UpsertProfile(owner string, profile models.UserProfile) error
}

// Store is the in-memory hot path for UserProfiles, optionally mirrored to
// a Durable backend.
type Store struct {
	mu       sync.Mutex
	profiles map[string]*models.UserProfile
	durable  Durable
}

func New(durable Durable) *Store {
	return &Store{
		profiles: make(map[string]*models.UserProfile),
		durable:  durable,
	}
}

// CreateProfile inserts a fresh profile with user(pk)-owned zero balances.
func (s *Store) CreateProfile(owner string, pk [32]byte, zeros [models.NumAssets]cipher.Ciphertext, nonces [models.NumAssets]cipher.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[owner]; exists {
		return coreerrors.New(coreerrors.ProfileExists)
	}

	p := &models.UserProfile{
		Owner:        owner,
		PublicKey:    pk,
		Balances:     zeros,
		BalanceNonce: nonces,
	}
	s.profiles[owner] = p
	return s.mirror(owner, p)
}

// Rehydrate populates the in-memory store from a durable snapshot at
// startup. It does not write back through s.durable — the rows already
// came from there.
func (s *Store) Rehydrate(profiles map[string]models.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for owner, p := range profiles {
		cp := p
		s.profiles[owner] = &cp
	}
}

// Get returns a copy of owner's profile. The pointer identity of Pending is
// shared with the stored copy — callers must not mutate it directly.
func (s *Store) Get(owner string) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[owner]
	if !ok {
		return models.UserProfile{}, coreerrors.New(coreerrors.ProfileNotFound)
	}
	return *p, nil
}

// BalanceUpdate rotates only the targeted asset slot (I-1: per-asset nonce
// isolation — other assets' ciphertext/nonce pairs are untouched).
func (s *Store) BalanceUpdate(owner string, assetID models.AssetID, ct cipher.Ciphertext, nonce cipher.Nonce) error {
	if !assetID.Valid() {
		return coreerrors.New(coreerrors.InvalidAssetID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[owner]
	if !ok {
		// Mutating a non-existent profile is a programming error in every
		// caller (admission/settlement always Get first) — fatal, matching
		// the teacher's stance toward unrecoverable data-corruption risk.
		log.Fatalf("ledger: BalanceUpdate on unknown profile %q", owner)
	}
	p.Balances[assetID] = ct
	p.BalanceNonce[assetID] = nonce
	return s.mirror(owner, p)
}

// SetPending installs a pending order ticket (I-2: single-pending-ticket).
func (s *Store) SetPending(owner string, ticket models.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[owner]
	if !ok {
		return coreerrors.New(coreerrors.ProfileNotFound)
	}
	if p.Pending != nil {
		return coreerrors.New(coreerrors.PendingOrderExists)
	}
	p.Pending = &ticket
	return s.mirror(owner, p)
}

// ClearPending removes the pending ticket. Idempotent: clearing an already
// clear profile is not an error.
func (s *Store) ClearPending(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[owner]
	if !ok {
		return coreerrors.New(coreerrors.ProfileNotFound)
	}
	p.Pending = nil
	return s.mirror(owner, p)
}

// Pending returns the owner's pending ticket, or nil if there isn't one.
func (s *Store) Pending(owner string) (*models.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[owner]
	if !ok {
		return nil, coreerrors.New(coreerrors.ProfileNotFound)
	}
	if p.Pending == nil {
		return nil, nil
	}
	cp := *p.Pending
	return &cp, nil
}

func (s *Store) mirror(owner string, p *models.UserProfile) error {
	if s.durable == nil {
		return nil
	}
	if err := s.durable.UpsertProfile(owner, *p); err != nil {
		return fmt.Errorf("ledger: mirror profile %q: %w", owner, err)
	}
	return nil
}
