// Package prekey implements signed and one-time prekeys, prekey bundles, and
// the store operations for rotating and replenishing them.
package prekey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/wipe"
)

// DefaultSignedPrekeyValidity is how long a freshly rotated signed prekey
// remains valid.
const DefaultSignedPrekeyValidity = 30 * 24 * time.Hour

// SignedPrekey is a medium-lived X25519 public signed by the owning
// identity's Ed25519 key.
type SignedPrekey struct {
	ID          uint32
	Public      [32]byte
	private     [32]byte
	Signature   [64]byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool // tracked for observability; reuse is not enforced
}

// NewSignedPrekey generates a fresh signed prekey with the given id, signed
// by the identity's Ed25519 key, valid for validity starting at createdAt.
func NewSignedPrekey(id uint32, id5 *identity.KeyPair, createdAt time.Time, validity time.Duration) (*SignedPrekey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("prekey: generate signed prekey: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	sig, err := id5.Sign(pub[:])
	if err != nil {
		return nil, fmt.Errorf("prekey: sign prekey: %w", err)
	}
	var sigArr [64]byte
	copy(sigArr[:], sig)

	return &SignedPrekey{
		ID:        id,
		Public:    pub,
		private:   priv,
		Signature: sigArr,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(validity),
	}, nil
}

// Private returns the X25519 private scalar, used by the responder side of
// X3DH. Callers must not retain it past the computation.
func (s *SignedPrekey) Private() [32]byte { return s.private }

// Expired reports whether the prekey is expired at instant now. A prekey
// expiring at exactly ExpiresAt is already expired: accepted at T-1ms,
// rejected at T.
func (s *SignedPrekey) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Verify checks the self-signature against the owning identity public key.
func (s *SignedPrekey) Verify(owner identity.PublicKey) bool {
	return owner.VerifySelf(s.Public[:], s.Signature[:])
}

// Wipe zeroes the private scalar.
func (s *SignedPrekey) Wipe() { wipe.Array32(&s.private) }

// OneTimePrekey is a single-use X25519 keypair.
type OneTimePrekey struct {
	ID        uint32
	Public    [32]byte
	private   [32]byte
	CreatedAt time.Time
	Consumed  bool
}

// NewOneTimePrekey generates a fresh one-time prekey.
func NewOneTimePrekey(id uint32, createdAt time.Time) (*OneTimePrekey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("prekey: generate one-time prekey: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return &OneTimePrekey{ID: id, Public: pub, private: priv, CreatedAt: createdAt}, nil
}

// Private returns the X25519 private scalar.
func (o *OneTimePrekey) Private() [32]byte { return o.private }

// Wipe zeroes the private scalar.
func (o *OneTimePrekey) Wipe() { wipe.Array32(&o.private) }

// Bundle is the public material fetched to initiate a session.
type Bundle struct {
	Identity          identity.PublicKey
	SignedPrekeyID    uint32
	SignedPrekey      [32]byte
	SignedPrekeySig   [64]byte
	SignedPrekeyExp   time.Time
	OneTimePrekeyID   *uint32
	OneTimePrekey     *[32]byte
	RegistrationID    uint32
}

// Validate checks the bundle is iff the signed prekey is unexpired and its
// signature verifies against the embedded identity, returning
// echoerr.BundleInvalid otherwise.
func (b Bundle) Validate(now time.Time) error {
	if now.After(b.SignedPrekeyExp) || now.Equal(b.SignedPrekeyExp) {
		return fmt.Errorf("prekey: signed prekey expired at %s: %w", b.SignedPrekeyExp, echoerr.BundleInvalid)
	}
	if !b.Identity.VerifySelf(b.SignedPrekey[:], b.SignedPrekeySig[:]) {
		return fmt.Errorf("prekey: signed prekey signature invalid: %w", echoerr.BundleInvalid)
	}
	return nil
}

func keyIDHex(pub [32]byte) string {
	h := sha256.Sum256(pub[:])
	return fmt.Sprintf("%x", h[:8])
}
