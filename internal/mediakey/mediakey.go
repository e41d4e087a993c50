// Package mediakey implements a media key chain: a symmetric chain, lazily
// initialized from the owning session's root key, that derives a fresh
// AES-256-GCM key per attachment without ever reusing one, plus the media
// blob layout used to encrypt/decrypt attachment bytes at rest in object
// storage. The storage tier only ever sees opaque ciphertext blobs.
package mediakey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/wipe"
)

const (
	chainInitInfo    = "EchoProtocol-MediaChain-v1"
	chainAdvanceInfo = "EchoProtocol-MediaChain-v1-advance"
	mediaKeyInfo     = "EchoProtocol-MediaKey-v1"
	mediaAADPrefix   = "EchoMedia:"

	chainInitSalt = "media-init"

	nonceSize = 12
)

// Chain is the per-session media key chain. The zero value is a valid,
// uninitialized chain: Init is called lazily on first use.
type Chain struct {
	key         [32]byte
	index       uint32
	initialized bool
}

// Init derives the chain's starting key from the session root key. Safe to
// call multiple times; only the first call has effect.
func (c *Chain) Init(sessionRootKey [32]byte) error {
	if c.initialized {
		return nil
	}
	r := hkdf.New(sha256.New, sessionRootKey[:], []byte(chainInitSalt), []byte(chainInitInfo))
	if _, err := io.ReadFull(r, c.key[:]); err != nil {
		return fmt.Errorf("mediakey: init chain: %w", err)
	}
	c.initialized = true
	c.index = 0
	return nil
}

// advance derives the next chain key in place using a one-byte salt built
// from the current index.
func (c *Chain) advance() error {
	salt := []byte{byte(c.index & 0xFF)}
	r := hkdf.New(sha256.New, c.key[:], salt, []byte(chainAdvanceInfo))
	var next [32]byte
	if _, err := io.ReadFull(r, next[:]); err != nil {
		return fmt.Errorf("mediakey: advance chain: %w", err)
	}
	wipe.Array32(&c.key)
	c.key = next
	c.index++
	metrics.RecordMediaKeyChainAdvance()
	return nil
}

// deriveMediaKey derives the one-shot AES-256-GCM key for the chain's
// current position without mutating the chain.
func (c *Chain) deriveMediaKey() ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, c.key[:], []byte{0xFF}, []byte(mediaKeyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("mediakey: derive media key: %w", err)
	}
	return key, nil
}

// Index reports the chain's current advance count.
func (c *Chain) Index() uint32 { return c.index }

// mediaID derives the public attachment identifier from the sealing instant
// and chain index: hex(SHA-256(now ‖ index))[:16].
func mediaID(now time.Time, index uint32) string {
	buf := make([]byte, 0, 12)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	buf = append(buf, ts[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	buf = append(buf, idx[:]...)
	sum := sha256.Sum256(buf)
	return fmt.Sprintf("%x", sum[:8])
}

// Sealed is the result of Encrypt: the opaque blob destined for object
// storage plus the attachment id the recipient needs to fetch and decrypt
// it.
type Sealed struct {
	MediaID string
	Blob    []byte // nonce(12) ‖ ciphertext ‖ tag(16)
	Index   uint32
}

// Encrypt advances the chain, derives a fresh media key, and AEAD-encrypts
// plaintext under AAD "EchoMedia:<mediaId>". The chain must already be
// initialized.
func (c *Chain) Encrypt(plaintext []byte, now time.Time) (Sealed, error) {
	if !c.initialized {
		return Sealed{}, errors.New("mediakey: chain not initialized")
	}
	if err := c.advance(); err != nil {
		return Sealed{}, err
	}

	id := mediaID(now, c.index)
	key, err := c.deriveMediaKey()
	if err != nil {
		return Sealed{}, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(store.SystemRandom{}, nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("mediakey: nonce: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Sealed{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Sealed{}, err
	}
	aad := []byte(mediaAADPrefix + id)
	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	wipe.Array32(&key)

	blob := make([]byte, 0, nonceSize+len(sealed))
	blob = append(blob, nonce[:]...)
	blob = append(blob, sealed...)

	return Sealed{MediaID: id, Blob: blob, Index: c.index}, nil
}

// Decrypt advances a mirror chain to targetIndex (normally the chain's
// current index + 1, but advancing further is tolerated for missed media
// messages) and decrypts blob.
func (c *Chain) Decrypt(mediaID string, blob []byte, targetIndex uint32) ([]byte, error) {
	if !c.initialized {
		return nil, errors.New("mediakey: chain not initialized")
	}
	if targetIndex <= c.index {
		return nil, fmt.Errorf("mediakey: stale index %d (chain at %d): %w", targetIndex, c.index, echoerr.DecryptFailed)
	}
	for c.index < targetIndex {
		if err := c.advance(); err != nil {
			return nil, err
		}
	}

	key, err := c.deriveMediaKey()
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize+16 {
		wipe.Array32(&key)
		return nil, errors.New("mediakey: blob too short")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		wipe.Array32(&key)
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe.Array32(&key)
		return nil, err
	}
	nonce := blob[:nonceSize]
	ct := blob[nonceSize:]
	aad := []byte(mediaAADPrefix + mediaID)
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	wipe.Array32(&key)
	if err != nil {
		return nil, fmt.Errorf("mediakey: %w", echoerr.DecryptFailed)
	}
	return plaintext, nil
}

// DeleteMedia wipes the chain's current key material; it does not reach
// into object storage (that is internal/mediastore's job) but guarantees no
// further media keys are derivable from this Chain value afterward.
func (c *Chain) DeleteMedia() {
	wipe.Array32(&c.key)
	c.initialized = false
	c.index = 0
}
