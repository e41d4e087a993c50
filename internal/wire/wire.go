// Package wire implements fixed big-endian binary frame layouts for
// encrypted messages, prekey messages, and the public-key/certificate types
// exchanged with the remote prekey service. The internal/httpapi tier falls
// back to JSON where binary framing isn't practical.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the outer envelope kind of an EncryptedMessage.
type MessageType uint8

const (
	TypeWhisper   MessageType = 1
	TypePrekey    MessageType = 2
	TypeKeyConfirm MessageType = 3
)

const currentVersion = 1
const prekeyVersion = 2

// EncryptedMessage is the wire form of a single ratcheted ciphertext.
type EncryptedMessage struct {
	Type                MessageType
	Version             uint8
	SenderRatchetKey    [32]byte
	PreviousChainLength uint32
	MessageIndex        uint32
	Ciphertext          []byte
}

// EncodeEncryptedMessage renders msg in its fixed binary layout.
func EncodeEncryptedMessage(msg EncryptedMessage) []byte {
	out := make([]byte, 48+len(msg.Ciphertext))
	out[0] = byte(msg.Type)
	out[1] = msg.Version
	// out[2..4] reserved, left zero.
	copy(out[4:36], msg.SenderRatchetKey[:])
	binary.BigEndian.PutUint32(out[36:40], msg.PreviousChainLength)
	binary.BigEndian.PutUint32(out[40:44], msg.MessageIndex)
	binary.BigEndian.PutUint32(out[44:48], uint32(len(msg.Ciphertext)))
	copy(out[48:], msg.Ciphertext)
	return out
}

// DecodeEncryptedMessage parses the layout EncodeEncryptedMessage produces.
func DecodeEncryptedMessage(b []byte) (EncryptedMessage, error) {
	if len(b) < 48 {
		return EncryptedMessage{}, errors.New("wire: encrypted message truncated")
	}
	var msg EncryptedMessage
	msg.Type = MessageType(b[0])
	msg.Version = b[1]
	if msg.Version != currentVersion {
		return EncryptedMessage{}, fmt.Errorf("wire: encrypted message version %d unsupported", msg.Version)
	}
	copy(msg.SenderRatchetKey[:], b[4:36])
	msg.PreviousChainLength = binary.BigEndian.Uint32(b[36:40])
	msg.MessageIndex = binary.BigEndian.Uint32(b[40:44])
	n := binary.BigEndian.Uint32(b[44:48])
	if uint64(48)+uint64(n) != uint64(len(b)) {
		return EncryptedMessage{}, errors.New("wire: encrypted message ciphertext length mismatch")
	}
	msg.Ciphertext = append([]byte(nil), b[48:]...)
	return msg, nil
}

// PreKeyMessage is the wire form of a session's first outbound message.
type PreKeyMessage struct {
	SenderIdentityEd25519 [32]byte
	SenderIdentityX25519  [32]byte
	EphemeralKey          [32]byte
	SignedPrekeyID        uint32
	OneTimePrekeyID       uint32 // 0 = none
	Inner                 EncryptedMessage
}

// EncodePreKeyMessage renders msg in its fixed binary layout.
func EncodePreKeyMessage(msg PreKeyMessage) []byte {
	inner := EncodeEncryptedMessage(msg.Inner)
	out := make([]byte, 112+len(inner))
	out[0] = byte(TypePrekey)
	out[1] = prekeyVersion
	copy(out[4:36], msg.SenderIdentityEd25519[:])
	copy(out[36:68], msg.SenderIdentityX25519[:])
	copy(out[68:100], msg.EphemeralKey[:])
	binary.BigEndian.PutUint32(out[100:104], msg.SignedPrekeyID)
	binary.BigEndian.PutUint32(out[104:108], msg.OneTimePrekeyID)
	binary.BigEndian.PutUint32(out[108:112], uint32(len(inner)))
	copy(out[112:], inner)
	return out
}

// DecodePreKeyMessage parses the layout EncodePreKeyMessage produces.
func DecodePreKeyMessage(b []byte) (PreKeyMessage, error) {
	if len(b) < 112 {
		return PreKeyMessage{}, errors.New("wire: prekey message truncated")
	}
	version := b[1]
	if version != prekeyVersion {
		return PreKeyMessage{}, fmt.Errorf("wire: prekey message version %d unsupported", version)
	}
	var msg PreKeyMessage
	copy(msg.SenderIdentityEd25519[:], b[4:36])
	copy(msg.SenderIdentityX25519[:], b[36:68])
	copy(msg.EphemeralKey[:], b[68:100])
	msg.SignedPrekeyID = binary.BigEndian.Uint32(b[100:104])
	msg.OneTimePrekeyID = binary.BigEndian.Uint32(b[104:108])
	innerLen := binary.BigEndian.Uint32(b[108:112])
	if uint64(112)+uint64(innerLen) != uint64(len(b)) {
		return PreKeyMessage{}, errors.New("wire: prekey message inner length mismatch")
	}
	inner, err := DecodeEncryptedMessage(b[112:])
	if err != nil {
		return PreKeyMessage{}, fmt.Errorf("wire: prekey message inner: %w", err)
	}
	msg.Inner = inner
	return msg, nil
}

// SignedPrekeyPublic is the public wire form of a SignedPrekey.
type SignedPrekeyPublic struct {
	ID        uint32
	Public    [32]byte
	Signature [64]byte
	ExpiresAt time.Time
}

// EncodeSignedPrekeyPublic renders p in its fixed binary layout:
// id:i32BE ‖ publicKey[32] ‖ signature[64] ‖ expiresAt:i64BE.
func EncodeSignedPrekeyPublic(p SignedPrekeyPublic) []byte {
	out := make([]byte, 4+32+64+8)
	binary.BigEndian.PutUint32(out[0:4], p.ID)
	copy(out[4:36], p.Public[:])
	copy(out[36:100], p.Signature[:])
	binary.BigEndian.PutUint64(out[100:108], uint64(p.ExpiresAt.Unix()))
	return out
}

// DecodeSignedPrekeyPublic parses the layout EncodeSignedPrekeyPublic produces.
func DecodeSignedPrekeyPublic(b []byte) (SignedPrekeyPublic, error) {
	if len(b) != 4+32+64+8 {
		return SignedPrekeyPublic{}, errors.New("wire: signed prekey public malformed length")
	}
	var p SignedPrekeyPublic
	p.ID = binary.BigEndian.Uint32(b[0:4])
	copy(p.Public[:], b[4:36])
	copy(p.Signature[:], b[36:100])
	p.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(b[100:108])), 0).UTC()
	return p, nil
}

// OneTimePrekeyPublic is the public wire form of an OneTimePrekey.
type OneTimePrekeyPublic struct {
	ID     uint32
	Public [32]byte
}

// EncodeOneTimePrekeyPublic renders p as id:i32BE ‖ publicKey[32].
func EncodeOneTimePrekeyPublic(p OneTimePrekeyPublic) []byte {
	out := make([]byte, 4+32)
	binary.BigEndian.PutUint32(out[0:4], p.ID)
	copy(out[4:36], p.Public[:])
	return out
}

// DecodeOneTimePrekeyPublic parses the layout EncodeOneTimePrekeyPublic produces.
func DecodeOneTimePrekeyPublic(b []byte) (OneTimePrekeyPublic, error) {
	if len(b) != 4+32 {
		return OneTimePrekeyPublic{}, errors.New("wire: one-time prekey public malformed length")
	}
	var p OneTimePrekeyPublic
	p.ID = binary.BigEndian.Uint32(b[0:4])
	copy(p.Public[:], b[4:36])
	return p, nil
}

// IdentityPublicKey is the wire form of an identity's public key pair.
type IdentityPublicKey struct {
	KeyID   string
	Ed25519 [32]byte
	X25519  [32]byte
}

// EncodeIdentityPublicKey renders p as
// keyIdLen:u8 ‖ keyId ‖ ed25519Public[32] ‖ x25519Public[32].
func EncodeIdentityPublicKey(p IdentityPublicKey) ([]byte, error) {
	if len(p.KeyID) > 255 {
		return nil, errors.New("wire: key id too long")
	}
	out := make([]byte, 0, 1+len(p.KeyID)+32+32)
	out = append(out, byte(len(p.KeyID)))
	out = append(out, []byte(p.KeyID)...)
	out = append(out, p.Ed25519[:]...)
	out = append(out, p.X25519[:]...)
	return out, nil
}

// DecodeIdentityPublicKey parses the layout EncodeIdentityPublicKey produces.
func DecodeIdentityPublicKey(b []byte) (IdentityPublicKey, error) {
	if len(b) < 1 {
		return IdentityPublicKey{}, errors.New("wire: identity public key truncated")
	}
	idLen := int(b[0])
	if len(b) != 1+idLen+32+32 {
		return IdentityPublicKey{}, errors.New("wire: identity public key malformed length")
	}
	var p IdentityPublicKey
	p.KeyID = string(b[1 : 1+idLen])
	copy(p.Ed25519[:], b[1+idLen:1+idLen+32])
	copy(p.X25519[:], b[1+idLen+32:1+idLen+64])
	return p, nil
}

// SenderCertificateWire is the wire form of a sealed-sender certificate.
type SenderCertificateWire struct {
	SenderID  string
	Ed25519   [32]byte
	Timestamp time.Time
	Signature [64]byte
}

// EncodeSenderCertificate renders c as
// senderIdLen:u8 ‖ senderId ‖ ed25519Public[32] ‖ timestamp:i64BE ‖ signature[64].
func EncodeSenderCertificate(c SenderCertificateWire) ([]byte, error) {
	if len(c.SenderID) > 255 {
		return nil, errors.New("wire: sender id too long")
	}
	out := make([]byte, 0, 1+len(c.SenderID)+32+8+64)
	out = append(out, byte(len(c.SenderID)))
	out = append(out, []byte(c.SenderID)...)
	out = append(out, c.Ed25519[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp.Unix()))
	out = append(out, ts[:]...)
	out = append(out, c.Signature[:]...)
	return out, nil
}

// DecodeSenderCertificate parses the layout EncodeSenderCertificate produces.
func DecodeSenderCertificate(b []byte) (SenderCertificateWire, error) {
	if len(b) < 1 {
		return SenderCertificateWire{}, errors.New("wire: sender certificate truncated")
	}
	idLen := int(b[0])
	if len(b) != 1+idLen+32+8+64 {
		return SenderCertificateWire{}, errors.New("wire: sender certificate malformed length")
	}
	var c SenderCertificateWire
	c.SenderID = string(b[1 : 1+idLen])
	copy(c.Ed25519[:], b[1+idLen:1+idLen+32])
	c.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(b[1+idLen+32:1+idLen+40])), 0).UTC()
	copy(c.Signature[:], b[1+idLen+40:1+idLen+104])
	return c, nil
}

// IsPreKeyTag reports whether the first byte of a wire frame marks it as a
// PreKeyMessage, dispatching on bytes[0] == PREKEY_TAG.
func IsPreKeyTag(b []byte) bool {
	return len(b) > 0 && MessageType(b[0]) == TypePrekey
}

const sealedEnvelopeHeader = 32 + 12 + 8 + 4

// SealedEnvelope is the wire form of a sealed-sender envelope: the transport
// layer only ever sees this shape, never the sender's identity.
type SealedEnvelope struct {
	EphemeralPublic [32]byte
	Nonce           [12]byte
	SealedAt        time.Time
	Ciphertext      []byte
}

// EncodeSealedEnvelope renders e as
// ephemeralPublic[32] ‖ nonce[12] ‖ sealedAt:i64BE ‖ len(ciphertext):u32BE ‖ ciphertext.
func EncodeSealedEnvelope(e SealedEnvelope) []byte {
	out := make([]byte, 0, sealedEnvelopeHeader+len(e.Ciphertext))
	out = append(out, e.EphemeralPublic[:]...)
	out = append(out, e.Nonce[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.SealedAt.Unix()))
	out = append(out, ts[:]...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(e.Ciphertext)))
	out = append(out, n[:]...)
	out = append(out, e.Ciphertext...)
	return out
}

// DecodeSealedEnvelope parses the layout EncodeSealedEnvelope produces.
func DecodeSealedEnvelope(b []byte) (SealedEnvelope, error) {
	if len(b) < sealedEnvelopeHeader {
		return SealedEnvelope{}, errors.New("wire: sealed envelope truncated")
	}
	var e SealedEnvelope
	copy(e.EphemeralPublic[:], b[0:32])
	copy(e.Nonce[:], b[32:44])
	e.SealedAt = time.Unix(int64(binary.BigEndian.Uint64(b[44:52])), 0).UTC()
	n := binary.BigEndian.Uint32(b[52:56])
	if uint64(sealedEnvelopeHeader)+uint64(n) != uint64(len(b)) {
		return SealedEnvelope{}, errors.New("wire: sealed envelope ciphertext length mismatch")
	}
	e.Ciphertext = append([]byte(nil), b[56:]...)
	return e, nil
}
