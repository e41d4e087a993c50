// Package identity implements the long-lived identity keypair: an Ed25519
// signing pair and an X25519 agreement pair, both derived from one 64-byte
// master seed via Argon2id-then-HKDF.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/echo-core/internal/wipe"
)

const (
	seedLen = 64

	hkdfSignInfo  = "EchoIdentity-Sign-v1"
	hkdfAgreeInfo = "EchoIdentity-Agree-v1"
)

// Argon2Params configures Argon2id key derivation for passphrase-derived
// master seeds.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLength uint32
}

// DefaultArgon2Params returns the default Argon2id tunables used when
// deriving a master seed from a passphrase.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		KeyLength: 64,
	}
}

// SeedFromPassphrase derives a 64-byte master seed from a user passphrase
// via Argon2id, using the supplied salt (the caller is responsible for
// persisting the salt alongside the derived identity — it is not secret but
// must be stable across reloads).
func SeedFromPassphrase(passphrase string, salt []byte, params Argon2Params) [seedLen]byte {
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLength)
	var seed [seedLen]byte
	copy(seed[:], key)
	wipe.Bytes(key)
	return seed
}

// SeedFromReader reads a fresh 64-byte master seed from r (ordinarily
// crypto/rand.Reader).
func SeedFromReader(r io.Reader) ([seedLen]byte, error) {
	var seed [seedLen]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return seed, fmt.Errorf("identity: read seed: %w", err)
	}
	return seed, nil
}

// KeyPair is the immutable identity keypair: a signing pair (Ed25519) and an
// agreement pair (X25519), both derived from the same master seed.
//
// Invariant: immutable after NewKeyPair returns. Call Wipe when the holder is
// done with it; after Wipe the private halves are no longer usable.
type KeyPair struct {
	signPriv   ed25519.PrivateKey
	SignPublic ed25519.PublicKey

	agreePriv   [32]byte
	AgreePublic [32]byte

	wiped bool
}

// NewKeyPair derives a KeyPair from a 64-byte master seed. The same seed
// always yields the same keypair.
func NewKeyPair(seed [seedLen]byte) (*KeyPair, error) {
	signSeed := make([]byte, ed25519.SeedSize)
	if err := hkdfInto(seed[:], []byte(hkdfSignInfo), signSeed); err != nil {
		return nil, fmt.Errorf("identity: derive signing seed: %w", err)
	}
	signPriv := ed25519.NewKeyFromSeed(signSeed)
	wipe.Bytes(signSeed)

	var agreePriv [32]byte
	if err := hkdfInto(seed[:], []byte(hkdfAgreeInfo), agreePriv[:]); err != nil {
		return nil, fmt.Errorf("identity: derive agreement key: %w", err)
	}
	clamp(&agreePriv)

	var agreePub [32]byte
	curve25519.ScalarBaseMult(&agreePub, &agreePriv)

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, signPriv.Public().(ed25519.PublicKey))

	return &KeyPair{
		signPriv:    signPriv,
		SignPublic:  pub,
		agreePriv:   agreePriv,
		AgreePublic: agreePub,
	}, nil
}

func hkdfInto(ikm, info, out []byte) error {
	r := hkdf.New(sha256.New, ikm, nil, info)
	_, err := io.ReadFull(r, out)
	return err
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Sign signs msg with the identity's Ed25519 signing key.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	if k.wiped {
		return nil, errors.New("identity: keypair wiped")
	}
	return ed25519.Sign(k.signPriv, msg), nil
}

// AgreementPrivate returns the 32-byte X25519 private scalar for use in a
// single DH computation. Callers must not retain the returned array past the
// computation; x3dh/ratchet copy it into a local before use and wipe the
// copy afterward.
func (k *KeyPair) AgreementPrivate() ([32]byte, error) {
	if k.wiped {
		return [32]byte{}, errors.New("identity: keypair wiped")
	}
	return k.agreePriv, nil
}

// Public returns the exportable public identity.
func (k *KeyPair) Public() PublicKey {
	return PublicKey{Ed25519: append(ed25519.PublicKey(nil), k.SignPublic...), X25519: k.AgreePublic}
}

// Wipe zeroes the private halves. The KeyPair must not be used afterward.
func (k *KeyPair) Wipe() {
	if k.wiped {
		return
	}
	wipe.Bytes(k.signPriv)
	wipe.Array32(&k.agreePriv)
	k.wiped = true
}

// PublicKey is the exportable tuple (Ed25519 public, X25519 public, keyId).
type PublicKey struct {
	Ed25519 ed25519.PublicKey
	X25519  [32]byte
}

// KeyID returns the first 8 bytes of SHA-256 over the Ed25519 public key,
// hex-encoded.
func (p PublicKey) KeyID() string {
	h := sha256.Sum256(p.Ed25519)
	return hex.EncodeToString(h[:8])
}

// Fingerprint returns the uppercase hex of the first 16 bytes of
// SHA-256(Ed25519 ‖ X25519), grouped into eight 4-character blocks.
func (p PublicKey) Fingerprint() string {
	h := sha256.New()
	h.Write(p.Ed25519)
	h.Write(p.X25519[:])
	sum := h.Sum(nil)[:16]
	hexStr := hex.EncodeToString(sum)
	out := make([]byte, 0, len(hexStr)+7)
	for i, c := range []byte(hexStr) {
		if i > 0 && i%4 == 0 {
			out = append(out, ' ')
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// VerifySelf verifies that sig over msg was produced by this public identity.
func (p PublicKey) VerifySelf(msg, sig []byte) bool {
	return ed25519.Verify(p.Ed25519, msg, sig)
}
