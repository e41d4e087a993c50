package mediakey_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/mediakey"
)

func TestChainEncryptDecryptRoundTrip(t *testing.T) {
	var rootKey [32]byte
	copy(rootKey[:], []byte("0123456789abcdef0123456789abcde"))

	var sender, receiver mediakey.Chain
	require.NoError(t, sender.Init(rootKey))
	require.NoError(t, receiver.Init(rootKey))

	now := time.Now()
	sealed, err := sender.Encrypt([]byte("attachment bytes"), now)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sealed.Index)

	pt, err := receiver.Decrypt(sealed.MediaID, sealed.Blob, sealed.Index)
	require.NoError(t, err)
	require.Equal(t, "attachment bytes", string(pt))
}

func TestChainEncryptRequiresInit(t *testing.T) {
	var c mediakey.Chain
	_, err := c.Encrypt([]byte("x"), time.Now())
	require.Error(t, err)
}

func TestChainDecryptRejectsStaleIndex(t *testing.T) {
	var rootKey [32]byte
	var sender, receiver mediakey.Chain
	require.NoError(t, sender.Init(rootKey))
	require.NoError(t, receiver.Init(rootKey))

	now := time.Now()
	sealed, err := sender.Encrypt([]byte("one"), now)
	require.NoError(t, err)
	_, err = receiver.Decrypt(sealed.MediaID, sealed.Blob, sealed.Index)
	require.NoError(t, err)

	_, err = receiver.Decrypt(sealed.MediaID, sealed.Blob, sealed.Index)
	require.ErrorIs(t, err, echoerr.DecryptFailed)
}

func TestChainDecryptHandlesSkippedIndex(t *testing.T) {
	var rootKey [32]byte
	var sender, receiver mediakey.Chain
	require.NoError(t, sender.Init(rootKey))
	require.NoError(t, receiver.Init(rootKey))

	now := time.Now()
	_, err := sender.Encrypt([]byte("one"), now)
	require.NoError(t, err)
	sealed2, err := sender.Encrypt([]byte("two"), now)
	require.NoError(t, err)

	// Receiver never saw attachment one; jumping straight to index 2 works.
	pt, err := receiver.Decrypt(sealed2.MediaID, sealed2.Blob, sealed2.Index)
	require.NoError(t, err)
	require.Equal(t, "two", string(pt))
}

func TestChainDecryptRejectsTamperedCiphertext(t *testing.T) {
	var rootKey [32]byte
	var sender, receiver mediakey.Chain
	require.NoError(t, sender.Init(rootKey))
	require.NoError(t, receiver.Init(rootKey))

	sealed, err := sender.Encrypt([]byte("secret"), time.Now())
	require.NoError(t, err)
	sealed.Blob[len(sealed.Blob)-1] ^= 0xFF

	_, err = receiver.Decrypt(sealed.MediaID, sealed.Blob, sealed.Index)
	require.ErrorIs(t, err, echoerr.DecryptFailed)
}

func TestChainInitIsIdempotent(t *testing.T) {
	var rootKey [32]byte
	var c mediakey.Chain
	require.NoError(t, c.Init(rootKey))
	_, err := c.Encrypt([]byte("x"), time.Now())
	require.NoError(t, err)
	idx := c.Index()

	require.NoError(t, c.Init(rootKey)) // second call is a no-op
	require.Equal(t, idx, c.Index())
}

func TestDeleteMediaResetsChain(t *testing.T) {
	var rootKey [32]byte
	var c mediakey.Chain
	require.NoError(t, c.Init(rootKey))
	_, err := c.Encrypt([]byte("x"), time.Now())
	require.NoError(t, err)

	c.DeleteMedia()
	require.Equal(t, uint32(0), c.Index())
	_, err = c.Encrypt([]byte("y"), time.Now())
	require.Error(t, err) // chain no longer initialized
}
