// Package sealedsender implements sender certificates and sealed envelopes:
// a trust-root-signed certificate binds a sender's identity to their
// Ed25519 public key, and a sealed envelope hides the sender's identity
// from the delivery service behind X25519 + HKDF + AES-256-GCM, recoverable
// only by the named recipient.
package sealedsender

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/wipe"
	"github.com/jaydenbeard/echo-core/internal/wire"
)

const (
	certTag    = "SenderCertificate-v1"
	sealedInfo = "SealedSender-v1"

	// DefaultCertMaxClockSkew bounds how far into the future a certificate's
	// timestamp may sit before it is rejected.
	DefaultCertMaxClockSkew = 5 * time.Minute
	// DefaultCertMaxAge bounds how old a certificate may be.
	DefaultCertMaxAge = 24 * time.Hour
	// DefaultEnvelopeTTL is how long a sealed envelope remains acceptable
	// after it was sealed.
	DefaultEnvelopeTTL = 24 * time.Hour

	nonceSize = 12
)

// Certificate binds senderID and a per-session Ed25519 public key, signed by
// a trust root (the delivery service's signing identity).
type Certificate struct {
	SenderID     string
	SenderPublic ed25519.PublicKey
	Timestamp    time.Time
	Signature    []byte
}

// signedBytes builds the exact byte layout that gets signed:
// "SenderCertificate-v1" ‖ len(senderId):u8 ‖ senderId ‖ senderEd25519Public
// ‖ timestamp:i64BE (unix seconds).
func signedBytes(senderID string, senderPublic ed25519.PublicKey, timestamp time.Time) ([]byte, error) {
	if len(senderID) > 255 {
		return nil, errors.New("sealedsender: sender id too long")
	}
	if len(senderPublic) != ed25519.PublicKeySize {
		return nil, errors.New("sealedsender: bad sender public key size")
	}
	buf := make([]byte, 0, len(certTag)+1+len(senderID)+ed25519.PublicKeySize+8)
	buf = append(buf, []byte(certTag)...)
	buf = append(buf, byte(len(senderID)))
	buf = append(buf, []byte(senderID)...)
	buf = append(buf, senderPublic...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp.Unix()))
	buf = append(buf, ts[:]...)
	return buf, nil
}

// IssueCertificate signs a fresh certificate with the trust root's Ed25519
// private key.
func IssueCertificate(trustRoot ed25519.PrivateKey, senderID string, senderPublic ed25519.PublicKey, timestamp time.Time) (*Certificate, error) {
	data, err := signedBytes(senderID, senderPublic, timestamp)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(trustRoot, data)
	return &Certificate{SenderID: senderID, SenderPublic: append(ed25519.PublicKey(nil), senderPublic...), Timestamp: timestamp, Signature: sig}, nil
}

// Verify checks the certificate's signature against trustRootPublic and that
// its timestamp falls within [now-maxAge, now+maxClockSkew].
func (c *Certificate) Verify(trustRootPublic ed25519.PublicKey, now time.Time, maxClockSkew, maxAge time.Duration) error {
	data, err := signedBytes(c.SenderID, c.SenderPublic, c.Timestamp)
	if err != nil {
		return err
	}
	if !ed25519.Verify(trustRootPublic, data, c.Signature) {
		return fmt.Errorf("sealedsender: certificate signature invalid: %w", echoerr.SignatureInvalid)
	}
	if c.Timestamp.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("sealedsender: certificate timestamp %s too far in the future: %w", c.Timestamp, echoerr.SequenceRejected)
	}
	if now.After(c.Timestamp.Add(maxAge)) {
		return fmt.Errorf("sealedsender: certificate expired at %s: %w", c.Timestamp.Add(maxAge), echoerr.SequenceRejected)
	}
	return nil
}

// Envelope is the recipient-opaque container produced by Seal: everything
// a delivery service needs to route the message without learning who sent
// it.
type Envelope struct {
	EphemeralPublic [32]byte
	Nonce           [nonceSize]byte
	Ciphertext      []byte // AEAD-sealed: certificate ‖ inner message body
	SealedAt        time.Time
}

// kdf computes
// key = HKDF-SHA256(shared, salt="SealedSender-v1", info=ephemeralPub‖recipientPub, L=32).
func kdf(ephemeralPublic, recipientPublic, dhOut [32]byte) ([32]byte, error) {
	var key [32]byte
	info := make([]byte, 0, 64)
	info = append(info, ephemeralPublic[:]...)
	info = append(info, recipientPublic[:]...)
	r := hkdf.New(sha256.New, dhOut[:], []byte(sealedInfo), info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("sealedsender: hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts cert ‖ inner under a key derived from a fresh ephemeral
// X25519 keypair and the recipient's X25519 public key.
func Seal(cert *Certificate, inner []byte, recipientPublic [32]byte, now time.Time) (*Envelope, error) {
	certBytes, err := wire.EncodeSenderCertificate(certToWire(cert))
	if err != nil {
		return nil, err
	}

	var ephPriv [32]byte
	if _, err := io.ReadFull(store.SystemRandom{}, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("sealedsender: ephemeral key: %w", err)
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	dhScalar, err := curve25519.X25519(ephPriv[:], recipientPublic[:])
	wipe.Array32(&ephPriv)
	if err != nil {
		return nil, fmt.Errorf("sealedsender: dh: %w", err)
	}
	var dhOut [32]byte
	copy(dhOut[:], dhScalar)

	key, err := kdf(ephPub, recipientPublic, dhOut)
	wipe.Array32(&dhOut)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(store.SystemRandom{}, nonce[:]); err != nil {
		return nil, fmt.Errorf("sealedsender: nonce: %w", err)
	}

	if len(certBytes) > 0xFFFF {
		return nil, errors.New("sealedsender: certificate too large")
	}
	plaintext := make([]byte, 0, 2+len(certBytes)+len(inner))
	plaintext = append(plaintext, byte(len(certBytes)>>8), byte(len(certBytes)))
	plaintext = append(plaintext, certBytes...)
	plaintext = append(plaintext, inner...)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce[:], plaintext, nil)
	wipe.Array32(&key)

	return &Envelope{EphemeralPublic: ephPub, Nonce: nonce, Ciphertext: ct, SealedAt: now}, nil
}

// Unseal derives the same key with the recipient's own X25519 private
// scalar, checks the envelope's age against ttl, decrypts, and returns the
// embedded certificate plus the inner message body.
func Unseal(env *Envelope, recipientPriv [32]byte, recipientPublic [32]byte, now time.Time, ttl time.Duration) (*Certificate, []byte, error) {
	if now.After(env.SealedAt.Add(ttl)) {
		metrics.RecordSealedSenderUnsealFailure("expired_envelope")
		return nil, nil, fmt.Errorf("sealedsender: envelope expired: %w", echoerr.SequenceRejected)
	}

	dhScalar, err := curve25519.X25519(recipientPriv[:], env.EphemeralPublic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("sealedsender: dh: %w", err)
	}
	var dhOut [32]byte
	copy(dhOut[:], dhScalar)

	key, err := kdf(env.EphemeralPublic, recipientPublic, dhOut)
	wipe.Array32(&dhOut)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce[:], env.Ciphertext, nil)
	wipe.Array32(&key)
	if err != nil {
		metrics.RecordSealedSenderUnsealFailure("decrypt_failed")
		return nil, nil, fmt.Errorf("sealedsender: %w", echoerr.DecryptFailed)
	}

	if len(plaintext) < 2 {
		metrics.RecordSealedSenderUnsealFailure("truncated_body")
		return nil, nil, fmt.Errorf("sealedsender: truncated envelope body")
	}
	certLen := int(plaintext[0])<<8 | int(plaintext[1])
	if 2+certLen > len(plaintext) {
		metrics.RecordSealedSenderUnsealFailure("truncated_body")
		return nil, nil, fmt.Errorf("sealedsender: truncated certificate")
	}
	cert, err := decodeCertificate(plaintext[2 : 2+certLen])
	if err != nil {
		metrics.RecordSealedSenderUnsealFailure("bad_cert")
		return nil, nil, err
	}
	inner := plaintext[2+certLen:]
	return cert, inner, nil
}

// certToWire renders a Certificate in the wire package's shared
// SenderCertificate layout, the same one internal/httpapi and internal/wire
// callers use for the public-key/certificate exchange.
func certToWire(c *Certificate) wire.SenderCertificateWire {
	var ed [32]byte
	copy(ed[:], c.SenderPublic)
	var sig [64]byte
	copy(sig[:], c.Signature)
	return wire.SenderCertificateWire{SenderID: c.SenderID, Ed25519: ed, Timestamp: c.Timestamp, Signature: sig}
}

func decodeCertificate(b []byte) (*Certificate, error) {
	wc, err := wire.DecodeSenderCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("sealedsender: %w", err)
	}
	return &Certificate{
		SenderID:     wc.SenderID,
		SenderPublic: append(ed25519.PublicKey(nil), wc.Ed25519[:]...),
		Timestamp:    wc.Timestamp,
		Signature:    append([]byte(nil), wc.Signature[:]...),
	}, nil
}
