package sealedsender_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/sealedsender"
)

func genCurve25519Pair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub
}

func TestCertificateIssueAndVerify(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)

	err = cert.Verify(trustPub, now, sealedsender.DefaultCertMaxClockSkew, sealedsender.DefaultCertMaxAge)
	require.NoError(t, err)
}

func TestCertificateVerifyRejectsTamperedSignature(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)
	cert.Signature[0] ^= 0xFF

	err = cert.Verify(trustPub, now, sealedsender.DefaultCertMaxClockSkew, sealedsender.DefaultCertMaxAge)
	require.ErrorIs(t, err, echoerr.SignatureInvalid)
}

func TestCertificateVerifyRejectsExpired(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	issuedAt := time.Now().Add(-48 * time.Hour)
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, issuedAt)
	require.NoError(t, err)

	err = cert.Verify(trustPub, time.Now(), sealedsender.DefaultCertMaxClockSkew, sealedsender.DefaultCertMaxAge)
	require.ErrorIs(t, err, echoerr.SequenceRejected)
}

func TestCertificateVerifyRejectsFutureSkew(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, future)
	require.NoError(t, err)

	err = cert.Verify(trustPub, time.Now(), sealedsender.DefaultCertMaxClockSkew, sealedsender.DefaultCertMaxAge)
	require.ErrorIs(t, err, echoerr.SequenceRejected)
}

func TestSealUnsealRoundTrip(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	recipientPriv, recipientPub := genCurve25519Pair(t)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)

	env, err := sealedsender.Seal(cert, []byte("inner message body"), recipientPub, now)
	require.NoError(t, err)

	gotCert, inner, err := sealedsender.Unseal(env, recipientPriv, recipientPub, now, sealedsender.DefaultEnvelopeTTL)
	require.NoError(t, err)
	require.Equal(t, "inner message body", string(inner))
	require.Equal(t, cert.SenderID, gotCert.SenderID)
	require.Equal(t, cert.Signature, gotCert.Signature)

	err = gotCert.Verify(trustPub, now, sealedsender.DefaultCertMaxClockSkew, sealedsender.DefaultCertMaxAge)
	require.NoError(t, err)
}

func TestUnsealRejectsExpiredEnvelope(t *testing.T) {
	_, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	recipientPriv, recipientPub := genCurve25519Pair(t)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)
	env, err := sealedsender.Seal(cert, []byte("body"), recipientPub, now)
	require.NoError(t, err)

	_, _, err = sealedsender.Unseal(env, recipientPriv, recipientPub, now.Add(48*time.Hour), sealedsender.DefaultEnvelopeTTL)
	require.ErrorIs(t, err, echoerr.SequenceRejected)
}

func TestUnsealRejectsWrongRecipient(t *testing.T) {
	_, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, recipientPub := genCurve25519Pair(t)
	wrongPriv, _ := genCurve25519Pair(t)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)
	env, err := sealedsender.Seal(cert, []byte("body"), recipientPub, now)
	require.NoError(t, err)

	_, _, err = sealedsender.Unseal(env, wrongPriv, recipientPub, now, sealedsender.DefaultEnvelopeTTL)
	require.ErrorIs(t, err, echoerr.DecryptFailed)
}

func TestUnsealRejectsTamperedCiphertext(t *testing.T) {
	_, trustPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	senderPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	recipientPriv, recipientPub := genCurve25519Pair(t)

	now := time.Now()
	cert, err := sealedsender.IssueCertificate(trustPriv, "alice", senderPub, now)
	require.NoError(t, err)
	env, err := sealedsender.Seal(cert, []byte("body"), recipientPub, now)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF

	_, _, err = sealedsender.Unseal(env, recipientPriv, recipientPub, now, sealedsender.DefaultEnvelopeTTL)
	require.ErrorIs(t, err, echoerr.DecryptFailed)
}
