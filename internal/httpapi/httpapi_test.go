package httpapi_test

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/httpapi"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/prekey"
)

func freshIdentity(t *testing.T) *identity.KeyPair {
	t.Helper()
	seed, err := identity.SeedFromReader(rand.Reader)
	require.NoError(t, err)
	kp, err := identity.NewKeyPair(seed)
	require.NoError(t, err)
	return kp
}

// fakeBackend is an in-memory httpapi.Backend used to exercise the HTTP
// surface without a live prekey store deployment.
type fakeBackend struct {
	bundle      prekey.Bundle
	bundleErr   error
	uploadedOTP int
	count       int
}

func (f *fakeBackend) GetPreKeyBundle(ctx context.Context, recipientID string) (prekey.Bundle, error) {
	return f.bundle, f.bundleErr
}

func (f *fakeBackend) UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *prekey.SignedPrekey, oneTime []*prekey.OneTimePrekey) error {
	f.uploadedOTP = len(oneTime)
	return nil
}

func (f *fakeBackend) CheckPreKeyCount(ctx context.Context, ownerID string) (int, error) {
	return f.count, nil
}

func signToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestHTTPAPIGetBundleRoundTrip(t *testing.T) {
	owner := freshIdentity(t)
	sp, err := prekey.NewSignedPrekey(1, owner, time.Now(), prekey.DefaultSignedPrekeyValidity)
	require.NoError(t, err)

	backend := &fakeBackend{bundle: prekey.Bundle{
		Identity:        owner.Public(),
		SignedPrekeyID:  sp.ID,
		SignedPrekey:    sp.Public,
		SignedPrekeySig: sp.Signature,
		SignedPrekeyExp: sp.ExpiresAt,
	}}

	secret := []byte("test-jwt-secret-at-least-32-bytes-long")
	server := httpapi.NewServer(backend, secret)
	ts := httptest.NewServer(server.Handler([]string{"*"}))
	defer ts.Close()

	client := httpapi.NewClient(ts.URL, signToken(t, secret, "alice"), time.Second)
	bundle, err := client.GetPreKeyBundle(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, sp.ID, bundle.SignedPrekeyID)
	require.Equal(t, sp.Public, bundle.SignedPrekey)
	require.Equal(t, owner.Public().Ed25519, bundle.Identity.Ed25519)
}

func TestHTTPAPIRejectsMissingToken(t *testing.T) {
	backend := &fakeBackend{}
	secret := []byte("test-jwt-secret-at-least-32-bytes-long")
	server := httpapi.NewServer(backend, secret)
	ts := httptest.NewServer(server.Handler([]string{"*"}))
	defer ts.Close()

	client := httpapi.NewClient(ts.URL, "", time.Second)
	_, err := client.GetPreKeyBundle(context.Background(), "bob")
	require.Error(t, err)
}

func TestHTTPAPIUploadAndCheckCount(t *testing.T) {
	owner := freshIdentity(t)
	sp, err := prekey.NewSignedPrekey(1, owner, time.Now(), prekey.DefaultSignedPrekeyValidity)
	require.NoError(t, err)
	otp, err := prekey.NewOneTimePrekey(1, time.Now())
	require.NoError(t, err)

	backend := &fakeBackend{count: 42}
	secret := []byte("test-jwt-secret-at-least-32-bytes-long")
	server := httpapi.NewServer(backend, secret)
	ts := httptest.NewServer(server.Handler([]string{"*"}))
	defer ts.Close()

	client := httpapi.NewClient(ts.URL, signToken(t, secret, "alice"), time.Second)
	err = client.UploadPreKeys(context.Background(), "alice", owner.Public(), sp, []*prekey.OneTimePrekey{otp})
	require.NoError(t, err)
	require.Equal(t, 1, backend.uploadedOTP)

	count, err := client.CheckPreKeyCount(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 42, count)
}
