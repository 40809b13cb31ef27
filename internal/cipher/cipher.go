// Package cipher implements the fixed-size ciphertext framing described in
// component C1: nonce derivation and owner tagging. It does not interpret
// ciphertexts — encrypted arithmetic lives in internal/mpc's circuits. Values
// are sealed with NaCl box (x25519 + XSalsa20-Poly1305), the same
// golang.org/x/crypto primitives the teacher repository already pulls in
// transitively through its TLS stack, here promoted to a direct dependency.
//
// Key agreement uses box.Precompute (ECDH): a user(pk) ciphertext is sealed
// under the shared secret derived from (MXE private key, user public key),
// which the user can independently re-derive from (user private key, MXE
// public key) — standard Diffie-Hellman symmetry. This is what lets both the
// wallet holder and the MXE cluster decrypt the same ciphertext without
// either party ever holding the other's private key. A protocol-owned
// ciphertext uses the MXE's own keypair on both sides, so only the MXE can
// open it.
package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Nonce is the protocol-level 128-bit nonce stored alongside every ciphertext.
type Nonce [16]byte

// Ciphertext is the fixed-width opaque buffer written to ledger state: a
// NaCl box of a uint64 plaintext, padded to a uniform on-disk width
// regardless of which circuit produced it.
type Ciphertext [48]byte

const sealedWidth = box.Overhead + 8

func init() {
	if sealedWidth > len(Ciphertext{}) {
		panic("cipher: Ciphertext width too small for sealed payload")
	}
}

// KeyPair is an x25519 keypair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh x25519 keypair using crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cipher: generate keypair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// NewNonce draws a fresh 128-bit nonce. A re-encryption MUST call this again
// — callers MUST NOT reuse the input nonce for the output (§4.1 nonce policy).
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("cipher: generate nonce: %w", err)
	}
	return n, nil
}

// boxNonce expands the protocol's 128-bit Nonce into the 24-byte nonce NaCl
// box requires, deterministically, so the same (Ciphertext, Nonce) pair
// always decrypts the same way.
func boxNonce(n Nonce) [24]byte {
	var out [24]byte
	copy(out[:16], n[:])
	binary.BigEndian.PutUint64(out[16:], 0x0C1A55ED0)
	return out
}

// boxNonceSlot is boxNonce with an extra byte of domain separation, used
// when a single 128-bit Nonce is shared across several ciphertexts rotated
// together in the same circuit execution (the BatchAccumulator's mxe_nonce,
// §4.3) — each slot still gets a cryptographically distinct 24-byte NaCl
// nonce even though only one Nonce value is persisted.
func boxNonceSlot(n Nonce, slot uint8) [24]byte {
	out := boxNonce(n)
	out[23] ^= slot
	return out
}

// Slot assignments for the order triple: a client seals pair id, direction,
// and amount under one order nonce (the same Nonce later stored on the
// pending ticket), distinguished by these slots. The accumulator's pair
// slots use 2*p / 2*p+1 under the protocol key; no collision arises because
// the two families are sealed under different shared secrets.
const (
	SlotOrderPair      uint8 = 0
	SlotOrderDirection uint8 = 1
	SlotOrderAmount    uint8 = 2
)

// SealSlot seals plaintext for one of several ciphertexts sharing a single
// stored Nonce, distinguished by slot.
func SealSlot(shared *[32]byte, plaintext uint64, nonce Nonce, slot uint8) (Ciphertext, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], plaintext)

	bn := boxNonceSlot(nonce, slot)
	sealed := box.SealAfterPrecomputation(nil, msg[:], &bn, shared)

	var out Ciphertext
	if len(sealed) > len(out) {
		return Ciphertext{}, fmt.Errorf("cipher: sealed payload %d exceeds ciphertext width %d", len(sealed), len(out))
	}
	copy(out[:], sealed)
	return out, nil
}

// OpenSlot opens a ciphertext sealed with SealSlot.
func OpenSlot(shared *[32]byte, ct Ciphertext, nonce Nonce, slot uint8) (uint64, error) {
	bn := boxNonceSlot(nonce, slot)
	opened, ok := box.OpenAfterPrecomputation(nil, ct[:sealedWidth], &bn, shared)
	if !ok {
		return 0, fmt.Errorf("cipher: decrypt failed (wrong key or corrupted ciphertext/nonce pair)")
	}
	if len(opened) < 8 {
		return 0, fmt.Errorf("cipher: decrypted payload too short")
	}
	return binary.BigEndian.Uint64(opened[:8]), nil
}

// SharedKeyUser derives the ECDH shared secret a user computes to decrypt
// (or a client on the user's behalf encrypts) a user(pk) ciphertext.
func SharedKeyUser(userPriv *[32]byte, mxePub *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, mxePub, userPriv)
	return &shared
}

// SharedKeyMXEForUser derives the same shared secret from the MXE's side —
// by ECDH symmetry this equals SharedKeyUser(userPriv, mxePub) without the
// MXE ever learning userPriv.
func SharedKeyMXEForUser(mxePriv *[32]byte, userPub *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, userPub, mxePriv)
	return &shared
}

// SharedKeyProtocol derives the key used for protocol-owned ciphertexts:
// only the MXE, holding mxePriv, can ever recompute this.
func SharedKeyProtocol(mxePriv *[32]byte, mxePub *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, mxePub, mxePriv)
	return &shared
}

// Seal encrypts plaintext under a precomputed shared key with the given nonce.
func Seal(shared *[32]byte, plaintext uint64, nonce Nonce) (Ciphertext, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], plaintext)

	bn := boxNonce(nonce)
	sealed := box.SealAfterPrecomputation(nil, msg[:], &bn, shared)

	var out Ciphertext
	if len(sealed) > len(out) {
		return Ciphertext{}, fmt.Errorf("cipher: sealed payload %d exceeds ciphertext width %d", len(sealed), len(out))
	}
	copy(out[:], sealed)
	return out, nil
}

// Open decrypts a Ciphertext under a precomputed shared key.
func Open(shared *[32]byte, ct Ciphertext, nonce Nonce) (uint64, error) {
	bn := boxNonce(nonce)
	opened, ok := box.OpenAfterPrecomputation(nil, ct[:sealedWidth], &bn, shared)
	if !ok {
		return 0, fmt.Errorf("cipher: decrypt failed (wrong key or corrupted ciphertext/nonce pair)")
	}
	if len(opened) < 8 {
		return 0, fmt.Errorf("cipher: decrypted payload too short")
	}
	return binary.BigEndian.Uint64(opened[:8]), nil
}

// EncryptForUser seals plaintext so that both the holder of userPriv and the
// MXE (holding mxePriv) can decrypt it. Mints a fresh Nonce.
func EncryptForUser(mxePriv *[32]byte, userPub *[32]byte, plaintext uint64) (Ciphertext, Nonce, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Ciphertext{}, Nonce{}, err
	}
	shared := SharedKeyMXEForUser(mxePriv, userPub)
	ct, err := Seal(shared, plaintext, nonce)
	return ct, nonce, err
}

// DecryptForUser opens a user(pk) ciphertext as the wallet holder.
func DecryptForUser(userPriv *[32]byte, mxePub *[32]byte, ct Ciphertext, nonce Nonce) (uint64, error) {
	return Open(SharedKeyUser(userPriv, mxePub), ct, nonce)
}

// DecryptAsMXE opens a user(pk) ciphertext as the MXE cluster — this is the
// only capability the circuits in internal/mpc require to operate on
// encrypted balances and order parameters.
func DecryptAsMXE(mxePriv *[32]byte, userPub *[32]byte, ct Ciphertext, nonce Nonce) (uint64, error) {
	return Open(SharedKeyMXEForUser(mxePriv, userPub), ct, nonce)
}

// EncryptProtocol seals plaintext as a protocol-owned ciphertext, decryptable
// only by the MXE.
func EncryptProtocol(mxePriv *[32]byte, mxePub *[32]byte, plaintext uint64) (Ciphertext, Nonce, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Ciphertext{}, Nonce{}, err
	}
	ct, err := Seal(SharedKeyProtocol(mxePriv, mxePub), plaintext, nonce)
	return ct, nonce, err
}

// DecryptProtocol opens a protocol-owned ciphertext.
func DecryptProtocol(mxePriv *[32]byte, mxePub *[32]byte, ct Ciphertext, nonce Nonce) (uint64, error) {
	return Open(SharedKeyProtocol(mxePriv, mxePub), ct, nonce)
}

// EncryptZeroForUser produces a user(pk) encryption of zero — used by
// create_profile's initial balances. Implementations are not required to
// enforce that a user's self-reported "zero" really is zero; a user who
// lies to their own account only harms themselves (§4.2).
func EncryptZeroForUser(mxePriv *[32]byte, userPub *[32]byte) (Ciphertext, Nonce, error) {
	return EncryptForUser(mxePriv, userPub, 0)
}
