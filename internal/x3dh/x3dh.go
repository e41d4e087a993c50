// Package x3dh implements the Extended Triple/Quad Diffie-Hellman key
// agreement: concatenated DH outputs run through one HKDF expansion to
// produce a root key, an initial chain key, and associated data both sides
// derive identically, for both the session initiator and the responder.
package x3dh

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/prekey"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/wipe"
)

const (
	adTag   = "EchoAAD-v1"
	hkdfInfo = "EchoProtocol-X3DH-v1"
)

// Result is the shared secret material produced by either side of X3DH:
// root key, initial chain key, and the associated data both sides must
// arrive at identically.
type Result struct {
	RootKey  [32]byte
	ChainKey [32]byte
	AD       []byte
}

// Wipe zeroes the root and chain key. AD is not secret.
func (r *Result) Wipe() {
	wipe.Array32(&r.RootKey)
	wipe.Array32(&r.ChainKey)
}

// sortedBytewise returns (a, b) reordered so the lexicographically smaller
// one comes first; ties keep the input order (unreachable in practice since
// the two identity keys always differ).
func sortedBytewise(a, b [32]byte) ([32]byte, [32]byte) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// buildAD computes
// ad = "EchoAAD-v1" ‖ sortedBytewise(IK_a_x, IK_b_x)[0] ‖ [1],
// where sortedBytewise(...)[0] is the lexicographically smaller of the two
// 32-byte identity agreement keys (not a single byte of it), and [1] is the
// trailing protocol-version byte 0x01.
func buildAD(ikA, ikB [32]byte) []byte {
	lo, _ := sortedBytewise(ikA, ikB)
	ad := make([]byte, 0, len(adTag)+32+1)
	ad = append(ad, []byte(adTag)...)
	ad = append(ad, lo[:]...)
	ad = append(ad, 1)
	return ad
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	scalar, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("x3dh: dh: %w", err)
	}
	if len(scalar) != 32 {
		return out, fmt.Errorf("x3dh: short dh output")
	}
	copy(out[:], scalar)
	return out, nil
}

func deriveRootAndChain(ad []byte, dhConcat []byte) (Result, error) {
	r := hkdf.New(sha256.New, dhConcat, ad, []byte(hkdfInfo))
	okm := make([]byte, 64)
	if _, err := io.ReadFull(r, okm); err != nil {
		return Result{}, fmt.Errorf("x3dh: hkdf: %w", err)
	}
	var result Result
	copy(result.RootKey[:], okm[:32])
	copy(result.ChainKey[:], okm[32:])
	result.AD = ad
	wipe.Bytes(okm)
	return result, nil
}

// Initiate performs the initiator side of X3DH against a validated peer
// bundle. ourIdentity is the initiator's own identity keypair; it generates
// a fresh ephemeral X25519 pair internally and returns both halves: the
// public half is embedded in the outgoing PreKeyMessage, and the private
// half is NOT wiped here because the Double Ratchet bootstrap (Signal's
// "integrating X3DH" note) reuses this same ephemeral pair as the
// initiator's first DH ratchet keypair. The caller owns wiping it once the
// ratchet session has taken a copy.
func Initiate(ourIdentity *identity.KeyPair, peer prekey.Bundle, clock store.Clock) (Result, [32]byte, [32]byte, error) {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if err := peer.Validate(clock.Now()); err != nil {
		return Result{}, [32]byte{}, [32]byte{}, err
	}

	ourAgreePriv, err := ourIdentity.AgreementPrivate()
	if err != nil {
		return Result{}, [32]byte{}, [32]byte{}, fmt.Errorf("x3dh: %w", err)
	}

	var ephPriv [32]byte
	if err := randomScalar(&ephPriv); err != nil {
		return Result{}, [32]byte{}, [32]byte{}, err
	}
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	dh1, err := dh(ourAgreePriv, peer.SignedPrekey)
	if err != nil {
		return Result{}, [32]byte{}, [32]byte{}, err
	}
	dh2, err := dh(ephPriv, peer.Identity.X25519)
	if err != nil {
		return Result{}, [32]byte{}, [32]byte{}, err
	}
	dh3, err := dh(ephPriv, peer.SignedPrekey)
	if err != nil {
		return Result{}, [32]byte{}, [32]byte{}, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if peer.OneTimePrekey != nil {
		dh4, err := dh(ephPriv, *peer.OneTimePrekey)
		if err != nil {
			return Result{}, [32]byte{}, [32]byte{}, err
		}
		concat = append(concat, dh4[:]...)
		wipe.Array32(&dh4)
	}

	ad := buildAD(ourIdentity.Public().X25519, peer.Identity.X25519)
	result, err := deriveRootAndChain(ad, concat)

	wipe.Array32(&dh1)
	wipe.Array32(&dh2)
	wipe.Array32(&dh3)
	wipe.Bytes(concat)
	wipe.Array32(&ourAgreePriv)

	if err == nil {
		metrics.RecordX3DHSessionInitiated()
	}
	return result, ephPriv, ephPub, err
}

// Respond performs the responder side of X3DH. signedPrekeyPriv and
// oneTimePrekeyPriv (nil if the referenced OTP was absent) are the
// responder's own key material; peerIdentityX, peerEphemeral are taken from
// the incoming PreKeyMessage.
func Respond(ourIdentity *identity.KeyPair, signedPrekeyPriv [32]byte, oneTimePrekeyPriv *[32]byte, peerIdentityX, peerEphemeral [32]byte) (Result, error) {
	dh1, err := dh(signedPrekeyPriv, peerIdentityX)
	if err != nil {
		return Result{}, err
	}
	dh2, err := dh(func() [32]byte {
		p, _ := ourIdentity.AgreementPrivate()
		return p
	}(), peerEphemeral)
	if err != nil {
		return Result{}, err
	}
	dh3, err := dh(signedPrekeyPriv, peerEphemeral)
	if err != nil {
		return Result{}, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if oneTimePrekeyPriv != nil {
		dh4, err := dh(*oneTimePrekeyPriv, peerEphemeral)
		if err != nil {
			return Result{}, err
		}
		concat = append(concat, dh4[:]...)
		wipe.Array32(&dh4)
	}

	ad := buildAD(peerIdentityX, ourIdentity.Public().X25519)
	result, err := deriveRootAndChain(ad, concat)

	wipe.Array32(&dh1)
	wipe.Array32(&dh2)
	wipe.Array32(&dh3)
	wipe.Bytes(concat)

	return result, err
}

func randomScalar(out *[32]byte) error {
	if _, err := io.ReadFull(store.SystemRandom{}, out[:]); err != nil {
		return fmt.Errorf("x3dh: generate ephemeral: %w", err)
	}
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return nil
}

// EnsureInteroperable is a compile-time reminder that callers must check
// echoerr.BundleInvalid from Initiate before treating an error as fatal to
// the whole handshake (vs. retryable with a fresh bundle).
var _ = echoerr.BundleInvalid
