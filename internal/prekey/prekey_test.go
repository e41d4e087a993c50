package prekey_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/prekey"
	"github.com/jaydenbeard/echo-core/internal/store"
)

func freshIdentity(t *testing.T) *identity.KeyPair {
	t.Helper()
	seed, err := identity.SeedFromReader(rand.Reader)
	require.NoError(t, err)
	kp, err := identity.NewKeyPair(seed)
	require.NoError(t, err)
	return kp
}

func TestSignedPrekeyVerifiesAndExpires(t *testing.T) {
	owner := freshIdentity(t)
	now := time.Now()

	sp, err := prekey.NewSignedPrekey(1, owner, now, time.Hour)
	require.NoError(t, err)
	require.True(t, sp.Verify(owner.Public()))
	require.False(t, sp.Expired(now))
	require.True(t, sp.Expired(now.Add(2*time.Hour)))
	require.True(t, sp.Expired(sp.ExpiresAt))

	sp.Wipe()
	require.Equal(t, [32]byte{}, sp.Private())
}

func TestSignedPrekeyVerifyRejectsWrongOwner(t *testing.T) {
	owner := freshIdentity(t)
	other := freshIdentity(t)
	sp, err := prekey.NewSignedPrekey(1, owner, time.Now(), time.Hour)
	require.NoError(t, err)
	require.False(t, sp.Verify(other.Public()))
}

func TestBundleValidateRejectsExpired(t *testing.T) {
	owner := freshIdentity(t)
	now := time.Now()
	sp, err := prekey.NewSignedPrekey(1, owner, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	b := prekey.Bundle{
		Identity:        owner.Public(),
		SignedPrekeyID:  sp.ID,
		SignedPrekey:    sp.Public,
		SignedPrekeySig: sp.Signature,
		SignedPrekeyExp: sp.ExpiresAt,
	}
	err = b.Validate(now)
	require.ErrorIs(t, err, echoerr.BundleInvalid)
}

func TestBundleValidateRejectsTamperedSignature(t *testing.T) {
	owner := freshIdentity(t)
	now := time.Now()
	sp, err := prekey.NewSignedPrekey(1, owner, now, time.Hour)
	require.NoError(t, err)

	b := prekey.Bundle{
		Identity:        owner.Public(),
		SignedPrekeyID:  sp.ID,
		SignedPrekey:    sp.Public,
		SignedPrekeySig: sp.Signature,
		SignedPrekeyExp: sp.ExpiresAt,
	}
	b.SignedPrekeySig[0] ^= 0xFF
	err = b.Validate(now)
	require.ErrorIs(t, err, echoerr.BundleInvalid)
}

func TestBundleValidateAcceptsValid(t *testing.T) {
	owner := freshIdentity(t)
	now := time.Now()
	sp, err := prekey.NewSignedPrekey(1, owner, now, time.Hour)
	require.NoError(t, err)

	b := prekey.Bundle{
		Identity:        owner.Public(),
		SignedPrekeyID:  sp.ID,
		SignedPrekey:    sp.Public,
		SignedPrekeySig: sp.Signature,
		SignedPrekeyExp: sp.ExpiresAt,
	}
	require.NoError(t, b.Validate(now))
}

// fakeRemoteService is an in-process RemoteService used to exercise
// Store.ReplenishIfBelow without a live prekey-service deployment.
type fakeRemoteService struct {
	count     int
	uploaded  int
	published []*prekey.OneTimePrekey
}

func (f *fakeRemoteService) GetPreKeyBundle(ctx context.Context, recipientID string) (prekey.Bundle, error) {
	return prekey.Bundle{}, nil
}

func (f *fakeRemoteService) UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *prekey.SignedPrekey, oneTime []*prekey.OneTimePrekey) error {
	f.uploaded += len(oneTime)
	f.published = append(f.published, oneTime...)
	return nil
}

func (f *fakeRemoteService) CheckPreKeyCount(ctx context.Context, ownerID string) (int, error) {
	return f.count, nil
}

func TestStoreRotateSignedPrekeyAdvancesID(t *testing.T) {
	ctx := context.Background()
	owner := freshIdentity(t)
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})

	sp1, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sp1.ID)

	sp2, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)
	require.Equal(t, uint32(2), sp2.ID)

	current, err := s.CurrentSignedPrekey(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, sp2.ID, current.ID)
}

func TestStoreResolveSignedPrekeyFindsPreviousIDAfterRotation(t *testing.T) {
	ctx := context.Background()
	owner := freshIdentity(t)
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})

	sp1, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)
	sp2, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, sp1.ID, sp2.ID)

	// A bundle fetched against sp1 just before rotation must still resolve:
	// rotation advances the current id but never deletes a previous one.
	resolved, err := s.ResolveSignedPrekey(ctx, "alice", sp1.ID)
	require.NoError(t, err)
	require.Equal(t, sp1.ID, resolved.ID)
	require.Equal(t, sp1.Public, resolved.Public)
}

func TestStoreResolveSignedPrekeyRejectsUnknownID(t *testing.T) {
	ctx := context.Background()
	owner := freshIdentity(t)
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})
	_, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)

	_, err = s.ResolveSignedPrekey(ctx, "alice", 999)
	require.ErrorIs(t, err, echoerr.InvalidPrekeyRef)
}

func TestStoreCurrentSignedPrekeyAbsent(t *testing.T) {
	ctx := context.Background()
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})
	_, err := s.CurrentSignedPrekey(ctx, "nobody")
	require.ErrorIs(t, err, echoerr.KeysAbsent)
}

func TestStoreGenerateAndConsumeOneTimePrekeys(t *testing.T) {
	ctx := context.Background()
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})

	otps, err := s.GenerateOneTimePrekeys(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, otps, 3)
	require.Equal(t, []uint32{1, 2, 3}, []uint32{otps[0].ID, otps[1].ID, otps[2].ID})

	more, err := s.GenerateOneTimePrekeys(ctx, "alice", 2)
	require.NoError(t, err)
	require.Equal(t, uint32(4), more[0].ID)

	consumed, err := s.ConsumeOneTimePrekey(ctx, "alice", 1)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	require.Equal(t, otps[0].Public, consumed.Public)

	again, err := s.ConsumeOneTimePrekey(ctx, "alice", 1)
	require.NoError(t, err)
	require.Nil(t, again) // already consumed and deleted
}

func TestStoreReplenishIfBelowSkipsWhenSufficient(t *testing.T) {
	ctx := context.Background()
	owner := freshIdentity(t)
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})
	_, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)

	svc := &fakeRemoteService{count: 50}
	err = s.ReplenishIfBelow(ctx, "alice", owner, svc, 10, 20)
	require.NoError(t, err)
	require.Zero(t, svc.uploaded)
}

func TestStoreReplenishIfBelowPublishesWhenLow(t *testing.T) {
	ctx := context.Background()
	owner := freshIdentity(t)
	s := prekey.NewStore(store.NewMemoryStore(), store.SystemClock{})
	_, err := s.RotateSignedPrekey(ctx, "alice", owner, time.Hour)
	require.NoError(t, err)

	svc := &fakeRemoteService{count: 2}
	err = s.ReplenishIfBelow(ctx, "alice", owner, svc, 10, 20)
	require.NoError(t, err)
	require.Equal(t, 20, svc.uploaded)
}
