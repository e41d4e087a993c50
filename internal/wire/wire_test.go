package wire_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/wire"
)

func TestEncryptedMessageRoundTrip(t *testing.T) {
	msg := wire.EncryptedMessage{
		Type:                wire.TypeWhisper,
		Version:             1,
		SenderRatchetKey:    [32]byte{1, 2, 3},
		PreviousChainLength: 7,
		MessageIndex:        42,
		Ciphertext:          []byte("ciphertext bytes"),
	}

	decoded, err := wire.DecodeEncryptedMessage(wire.EncodeEncryptedMessage(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestEncryptedMessageRejectsTruncated(t *testing.T) {
	_, err := wire.DecodeEncryptedMessage([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncryptedMessageRejectsBadVersion(t *testing.T) {
	msg := wire.EncryptedMessage{Version: 1, Ciphertext: []byte("x")}
	b := wire.EncodeEncryptedMessage(msg)
	b[1] = 99
	_, err := wire.DecodeEncryptedMessage(b)
	require.Error(t, err)
}

func TestEncryptedMessageRejectsLengthMismatch(t *testing.T) {
	msg := wire.EncryptedMessage{Version: 1, Ciphertext: []byte("hello")}
	b := wire.EncodeEncryptedMessage(msg)
	b = append(b, 0xFF) // trailing garbage byte not reflected in the length field
	_, err := wire.DecodeEncryptedMessage(b)
	require.Error(t, err)
}

func TestPreKeyMessageRoundTrip(t *testing.T) {
	msg := wire.PreKeyMessage{
		SenderIdentityEd25519: [32]byte{1},
		SenderIdentityX25519:  [32]byte{2},
		EphemeralKey:          [32]byte{3},
		SignedPrekeyID:        5,
		OneTimePrekeyID:       9,
		Inner: wire.EncryptedMessage{
			Type:       wire.TypePrekey,
			Version:    1,
			Ciphertext: []byte("inner ciphertext"),
		},
	}

	decoded, err := wire.DecodePreKeyMessage(wire.EncodePreKeyMessage(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestPreKeyMessageRejectsTruncated(t *testing.T) {
	_, err := wire.DecodePreKeyMessage(make([]byte, 10))
	require.Error(t, err)
}

func TestSignedPrekeyPublicRoundTrip(t *testing.T) {
	p := wire.SignedPrekeyPublic{
		ID:        3,
		Public:    [32]byte{9},
		Signature: [64]byte{8},
		ExpiresAt: time.Now().Truncate(time.Second).UTC(),
	}
	decoded, err := wire.DecodeSignedPrekeyPublic(wire.EncodeSignedPrekeyPublic(p))
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestSignedPrekeyPublicRejectsBadLength(t *testing.T) {
	_, err := wire.DecodeSignedPrekeyPublic([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestOneTimePrekeyPublicRoundTrip(t *testing.T) {
	p := wire.OneTimePrekeyPublic{ID: 11, Public: [32]byte{4}}
	decoded, err := wire.DecodeOneTimePrekeyPublic(wire.EncodeOneTimePrekeyPublic(p))
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestIdentityPublicKeyRoundTrip(t *testing.T) {
	p := wire.IdentityPublicKey{KeyID: "device-1", Ed25519: [32]byte{1}, X25519: [32]byte{2}}
	encoded, err := wire.EncodeIdentityPublicKey(p)
	require.NoError(t, err)
	decoded, err := wire.DecodeIdentityPublicKey(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestIdentityPublicKeyRejectsOversizedID(t *testing.T) {
	p := wire.IdentityPublicKey{KeyID: string(make([]byte, 256))}
	_, err := wire.EncodeIdentityPublicKey(p)
	require.Error(t, err)
}

func TestSenderCertificateRoundTrip(t *testing.T) {
	c := wire.SenderCertificateWire{
		SenderID:  "alice",
		Ed25519:   [32]byte{7},
		Timestamp: time.Now().Truncate(time.Second).UTC(),
		Signature: [64]byte{6},
	}
	encoded, err := wire.EncodeSenderCertificate(c)
	require.NoError(t, err)
	decoded, err := wire.DecodeSenderCertificate(encoded)
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestSealedEnvelopeRoundTrip(t *testing.T) {
	e := wire.SealedEnvelope{
		EphemeralPublic: [32]byte{5},
		Nonce:           [12]byte{1, 2, 3},
		SealedAt:        time.Now().Truncate(time.Second).UTC(),
		Ciphertext:      []byte("sealed bytes"),
	}
	decoded, err := wire.DecodeSealedEnvelope(wire.EncodeSealedEnvelope(e))
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestSealedEnvelopeRejectsTruncated(t *testing.T) {
	_, err := wire.DecodeSealedEnvelope([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSealedEnvelopeRejectsLengthMismatch(t *testing.T) {
	e := wire.SealedEnvelope{Ciphertext: []byte("hello")}
	b := wire.EncodeSealedEnvelope(e)
	b = append(b, 0xFF) // trailing garbage byte not reflected in the length field
	_, err := wire.DecodeSealedEnvelope(b)
	require.Error(t, err)
}

func TestIsPreKeyTag(t *testing.T) {
	msg := wire.PreKeyMessage{Inner: wire.EncryptedMessage{Version: 1}}
	require.True(t, wire.IsPreKeyTag(wire.EncodePreKeyMessage(msg)))

	enc := wire.EncryptedMessage{Type: wire.TypeWhisper, Version: 1}
	require.False(t, wire.IsPreKeyTag(wire.EncodeEncryptedMessage(enc)))

	require.False(t, wire.IsPreKeyTag(nil))
}
