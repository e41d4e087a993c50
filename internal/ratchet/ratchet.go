// Package ratchet implements the double-ratchet session: a DH ratchet over
// symmetric sending/receiving chains, a skipped-key store, and previous-chain
// retention for out-of-order and late messages, with the DH ratchet turn
// triggered by the peer's new ratchet public key rather than a message count.
package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
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
)

const (
	messageKeyInfo = "EchoProtocol-MessageKey-v1"
	dhRatchetInfo  = "EchoProtocol-DHRatchet-v1"

	// DefaultMaxSkipped bounds the total number of retained skipped message keys.
	DefaultMaxSkipped = 1000
	// DefaultMaxSkipDistance bounds how far a single ratchet step may skip ahead.
	DefaultMaxSkipDistance = 2000
	// DefaultSkipExpiry is how long a skipped key is retained before eviction.
	DefaultSkipExpiry = 7 * 24 * time.Hour

	nonceSize = 12
	tagSize   = 16
)

// Limits bundles the tunables that bound skipped-key growth.
type Limits struct {
	MaxSkipped      int
	MaxSkipDistance int
	SkipExpiry      time.Duration
}

// DefaultLimits returns the default production limits.
func DefaultLimits() Limits {
	return Limits{MaxSkipped: DefaultMaxSkipped, MaxSkipDistance: DefaultMaxSkipDistance, SkipExpiry: DefaultSkipExpiry}
}

// Chain is one symmetric sending or receiving chain.
type Chain struct {
	ChainKey     [32]byte
	MessageIndex uint32
	RatchetPub   [32]byte
}

// skippedKey is one entry of the bounded skipped-message-key store.
type skippedKey struct {
	ratchetPub [32]byte
	index      uint32
	key        [32]byte
	storedAt   time.Time
}

// retiredChain is a receiving chain that has been superseded by a DH
// ratchet, kept around (keyed by its ratchet public) so a late message on
// it can still be decrypted.
type retiredChain struct {
	chain       Chain
	finalIndex  uint32
}

// Session is the per-peer mutable ratchet state.
//
// Invariant: exactly one sending chain and at most one active receiving
// chain are live at a time; on DH ratchet the prior receiving chain moves
// into previousChains with its final index recorded.
type Session struct {
	SessionID string
	RootKey   [32]byte
	AD        []byte

	ourRatchetPriv [32]byte
	ourRatchetPub  [32]byte
	haveOurRatchet bool

	theirRatchetPub  [32]byte
	haveTheirRatchet bool

	sendingChain   Chain
	haveSending    bool
	receivingChain Chain
	haveReceiving  bool

	previousChains map[[32]byte]retiredChain
	skipped        []skippedKey

	CreatedAt      time.Time
	LastActivityAt time.Time
	IsInitiator    bool

	limits Limits
	clock  store.Clock
}

// NewInitiator builds the initiator-side session right after X3DH: the
// sending chain is seeded from the X3DH chain key, the peer's ratchet
// public is the peer's signed prekey public, and our own ratchet pair is
// the X3DH ephemeral keypair (per Signal's X3DH/Double-Ratchet integration
// note, the initiator's ephemeral key doubles as its first DH ratchet
// keypair, so the peer can DH against it once it replies).
func NewInitiator(sessionID string, rootKey, chainKey [32]byte, ad []byte, peerSignedPrekeyPublic [32]byte, ourRatchetPriv, ourRatchetPub [32]byte, limits Limits, clock store.Clock) *Session {
	if clock == nil {
		clock = store.SystemClock{}
	}
	now := clock.Now()
	s := &Session{
		SessionID:        sessionID,
		RootKey:          rootKey,
		AD:               ad,
		ourRatchetPriv:   ourRatchetPriv,
		ourRatchetPub:    ourRatchetPub,
		haveOurRatchet:   true,
		theirRatchetPub:  peerSignedPrekeyPublic,
		haveTheirRatchet: true,
		sendingChain:     Chain{ChainKey: chainKey, MessageIndex: 0, RatchetPub: ourRatchetPub},
		haveSending:      true,
		previousChains:   make(map[[32]byte]retiredChain),
		CreatedAt:        now,
		LastActivityAt:   now,
		IsInitiator:      true,
		limits:           limits,
		clock:            clock,
	}
	return s
}

// NewResponder builds the responder-side session: the receiving chain is
// seeded from the X3DH chain key (tagged with the peer's ratchet public once
// SetTheirRatchetPublic learns it) and our ratchet pair starts as the signed
// prekey pair used to answer X3DH, matching RatchetInitBob. The signed
// prekey pair is provisional: SetTheirRatchetPublic regenerates it as part
// of bootstrapping our sending chain, the same way a real DH ratchet turn
// always regenerates the outgoing half of the keypair.
func NewResponder(sessionID string, rootKey, chainKey [32]byte, ad []byte, ourRatchetPriv, ourRatchetPub [32]byte, limits Limits, clock store.Clock) *Session {
	if clock == nil {
		clock = store.SystemClock{}
	}
	now := clock.Now()
	return &Session{
		SessionID:      sessionID,
		RootKey:        rootKey,
		AD:             ad,
		ourRatchetPriv: ourRatchetPriv,
		ourRatchetPub:  ourRatchetPub,
		haveOurRatchet: true,
		receivingChain: Chain{ChainKey: chainKey, MessageIndex: 0},
		haveReceiving:  true,
		previousChains: make(map[[32]byte]retiredChain),
		CreatedAt:      now,
		LastActivityAt: now,
		IsInitiator:    false,
		limits:         limits,
		clock:          clock,
	}
}

// SetTheirRatchetPublic records the peer's ratchet public taken from the
// first inner EncryptedMessage.senderRatchetKey (responder bootstrap only,
// called once before the first Decrypt). It tags the X3DH-seeded receiving
// chain with that public so the first message matches it on the fast path,
// and — since the responder has no sending chain yet at this point — it
// also bootstraps one: a single DH-ratchet step of our own against the
// peer's public, rooted in the still-untouched X3DH root key. Deriving the
// sending chain here rather than lazily inside Encrypt matters: it is the
// same step the initiator will independently re-derive (in reverse) the
// first time it processes our reply, and only matches if both sides apply
// it to the same, not-yet-advanced root key.
func (s *Session) SetTheirRatchetPublic(pub [32]byte) error {
	s.theirRatchetPub = pub
	s.haveTheirRatchet = true
	if s.haveReceiving {
		s.receivingChain.RatchetPub = pub
	}
	if s.haveSending {
		return nil
	}

	newPriv, newPub, err := generateRatchetPair()
	if err != nil {
		return err
	}
	dhOut, err := dh(newPriv, pub)
	if err != nil {
		return err
	}
	newRoot, newSendCK, err := dhRatchetStep(s.RootKey, dhOut)
	wipe.Array32(&dhOut)
	if err != nil {
		return err
	}

	wipe.Array32(&s.ourRatchetPriv)
	s.ourRatchetPriv = newPriv
	s.ourRatchetPub = newPub
	s.haveOurRatchet = true
	s.RootKey = newRoot
	s.sendingChain = Chain{ChainKey: newSendCK, MessageIndex: 0, RatchetPub: newPub}
	s.haveSending = true
	return nil
}

func deriveMessageKey(ck [32]byte) (msgKey, nextCK [32]byte, err error) {
	r := hkdf.New(sha256.New, ck[:], nil, []byte(messageKeyInfo))
	if _, err = io.ReadFull(r, msgKey[:]); err != nil {
		return msgKey, nextCK, fmt.Errorf("ratchet: derive message key: %w", err)
	}
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x02})
	sum := mac.Sum(nil)
	copy(nextCK[:], sum)
	return msgKey, nextCK, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	scalar, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("ratchet: dh: %w", err)
	}
	copy(out[:], scalar)
	return out, nil
}

func generateRatchetPair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(store.SystemRandom{}, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("ratchet: generate ratchet pair: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// dhRatchetStep derives (newRootKey, newChainKey) from the current root key
// and a fresh DH output.
func dhRatchetStep(rootKey, dhOut [32]byte) (newRoot, newChain [32]byte, err error) {
	ikm := append(append([]byte(nil), dhOut[:]...))
	r := hkdf.New(sha256.New, ikm, rootKey[:], []byte(dhRatchetInfo))
	okm := make([]byte, 64)
	if _, err = io.ReadFull(r, okm); err != nil {
		return newRoot, newChain, fmt.Errorf("ratchet: dh ratchet hkdf: %w", err)
	}
	copy(newRoot[:], okm[:32])
	copy(newChain[:], okm[32:])
	wipe.Bytes(okm)
	wipe.Bytes(ikm)
	return newRoot, newChain, nil
}

// canSkip reports whether skipping `count` additional keys stays within
// both the per-jump and cumulative bounds.
func (s *Session) canSkip(count int) bool {
	if count > s.limits.MaxSkipDistance {
		return false
	}
	return len(s.skipped)+count <= s.limits.MaxSkipped
}

func (s *Session) gcExpiredSkipped() {
	if s.limits.SkipExpiry <= 0 {
		return
	}
	now := s.clock.Now()
	kept := s.skipped[:0]
	for _, sk := range s.skipped {
		if now.Sub(sk.storedAt) <= s.limits.SkipExpiry {
			kept = append(kept, sk)
		} else {
			metrics.RecordSkippedKeyEvicted("expired")
		}
	}
	s.skipped = kept
	metrics.UpdateSkippedKeysGauge(s.SessionID, len(s.skipped))
}

func (s *Session) storeSkipped(ratchetPub [32]byte, index uint32, key [32]byte) {
	s.skipped = append(s.skipped, skippedKey{ratchetPub: ratchetPub, index: index, key: key, storedAt: s.clock.Now()})
	metrics.UpdateSkippedKeysGauge(s.SessionID, len(s.skipped))
}

func (s *Session) takeSkipped(ratchetPub [32]byte, index uint32) ([32]byte, bool) {
	for i, sk := range s.skipped {
		if sk.ratchetPub == ratchetPub && sk.index == index {
			key := sk.key
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			metrics.UpdateSkippedKeysGauge(s.SessionID, len(s.skipped))
			return key, true
		}
	}
	return [32]byte{}, false
}

// skipChainTo advances chain from its current index up to (but not
// including) targetIndex, storing each derived key in the skipped store.
// Returns the advanced chain.
func (s *Session) skipChainTo(chain Chain, targetIndex uint32) (Chain, error) {
	if targetIndex < chain.MessageIndex {
		return chain, nil
	}
	count := int(targetIndex - chain.MessageIndex)
	if count > 0 && !s.canSkip(count) {
		return chain, echoerr.SkipExceeded
	}
	for chain.MessageIndex < targetIndex {
		msgKey, nextCK, err := deriveMessageKey(chain.ChainKey)
		if err != nil {
			return chain, err
		}
		s.storeSkipped(chain.RatchetPub, chain.MessageIndex, msgKey)
		wipe.Array32(&chain.ChainKey)
		chain.ChainKey = nextCK
		chain.MessageIndex++
	}
	return chain, nil
}

// dhRatchet performs the full DH ratchet turn triggered by an incoming
// message from a new peer ratchet public: retire the current receiving
// chain, derive new root/sending/receiving chains, and generate a fresh
// ratchet keypair.
func (s *Session) dhRatchet(incomingRatchetPub [32]byte, previousChainLength uint32) error {
	if s.haveReceiving {
		advanced, err := s.skipChainTo(s.receivingChain, previousChainLength)
		if err != nil {
			return err
		}
		s.previousChains[s.receivingChain.RatchetPub] = retiredChain{chain: advanced, finalIndex: advanced.MessageIndex}
	}

	if !s.haveOurRatchet {
		priv, pub, err := generateRatchetPair()
		if err != nil {
			return err
		}
		s.ourRatchetPriv, s.ourRatchetPub = priv, pub
		s.haveOurRatchet = true
	}

	dhOut, err := dh(s.ourRatchetPriv, incomingRatchetPub)
	if err != nil {
		return err
	}
	newRoot, newRecvCK, err := dhRatchetStep(s.RootKey, dhOut)
	wipe.Array32(&dhOut)
	if err != nil {
		return err
	}

	s.receivingChain = Chain{ChainKey: newRecvCK, MessageIndex: 0, RatchetPub: incomingRatchetPub}
	s.haveReceiving = true
	s.RootKey = newRoot

	newPriv, newPub, err := generateRatchetPair()
	if err != nil {
		return err
	}
	dhOut2, err := dh(newPriv, incomingRatchetPub)
	if err != nil {
		return err
	}
	newRoot2, newSendCK, err := dhRatchetStep(s.RootKey, dhOut2)
	wipe.Array32(&dhOut2)
	if err != nil {
		return err
	}

	wipe.Array32(&s.ourRatchetPriv)
	s.ourRatchetPriv = newPriv
	s.ourRatchetPub = newPub
	s.RootKey = newRoot2
	s.sendingChain = Chain{ChainKey: newSendCK, MessageIndex: 0, RatchetPub: newPub}
	s.haveSending = true

	s.theirRatchetPub = incomingRatchetPub
	s.haveTheirRatchet = true
	metrics.RecordDHRatchet()
	return nil
}

// Encrypted is the wire-independent result of Encrypt: the inner nonce ‖
// ciphertext ‖ tag body plus the header fields the wire codec frames.
type Encrypted struct {
	SenderRatchetPublic [32]byte
	PreviousChainLength uint32
	MessageIndex        uint32
	Body                []byte // nonce(12) ‖ ciphertext ‖ tag(16)
}

// Encrypt advances the sending chain (DH-ratcheting first if none exists)
// and AEAD-encrypts plaintext under the derived message key.
func (s *Session) Encrypt(plaintext []byte) (Encrypted, error) {
	if !s.haveSending {
		if !s.haveTheirRatchet {
			return Encrypted{}, errors.New("ratchet: no peer ratchet public to initialize sending chain")
		}
		if err := s.dhRatchet(s.theirRatchetPub, s.previousChainFinalIndex()); err != nil {
			return Encrypted{}, err
		}
	}

	msgKey, nextCK, err := deriveMessageKey(s.sendingChain.ChainKey)
	if err != nil {
		return Encrypted{}, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(store.SystemRandom{}, nonce[:]); err != nil {
		return Encrypted{}, fmt.Errorf("ratchet: nonce: %w", err)
	}

	previousChainLength := s.previousChainFinalIndex()
	aad := buildAAD(s.AD, s.sendingChain.RatchetPub, s.sendingChain.MessageIndex, previousChainLength)

	ct, err := aeadSeal(msgKey, nonce, plaintext, aad)
	wipe.Array32(&msgKey)
	if err != nil {
		return Encrypted{}, err
	}

	out := Encrypted{
		SenderRatchetPublic: s.sendingChain.RatchetPub,
		PreviousChainLength: previousChainLength,
		MessageIndex:        s.sendingChain.MessageIndex,
		Body:                ct,
	}

	wipe.Array32(&s.sendingChain.ChainKey)
	s.sendingChain.ChainKey = nextCK
	s.sendingChain.MessageIndex++
	s.LastActivityAt = s.clock.Now()
	metrics.RecordRatchetEncrypt()
	return out, nil
}

func (s *Session) previousChainFinalIndex() uint32 {
	if rc, ok := s.previousChains[s.theirRatchetPub]; ok {
		return rc.finalIndex
	}
	return 0
}

// Decrypt tries, in order: skipped-key lookup, current-chain index match or
// skip-and-store, previous-chain replay, or a full DH ratchet onto a brand
// new peer ratchet public.
func (s *Session) Decrypt(msg Encrypted) ([]byte, error) {
	s.gcExpiredSkipped()

	if key, ok := s.takeSkipped(msg.SenderRatchetPublic, msg.MessageIndex); ok {
		aad := buildAAD(s.AD, msg.SenderRatchetPublic, msg.MessageIndex, msg.PreviousChainLength)
		pt, err := aeadOpen(key, msg.Body, aad)
		wipe.Array32(&key)
		if err != nil {
			return nil, fmt.Errorf("ratchet: %w", echoerr.DecryptFailed)
		}
		s.LastActivityAt = s.clock.Now()
		metrics.RecordRatchetDecrypt("skipped")
		return pt, nil
	}

	if s.haveReceiving && msg.SenderRatchetPublic == s.receivingChain.RatchetPub {
		pt, err := s.decryptOnChain(&s.receivingChain, msg)
		if err != nil {
			return nil, err
		}
		s.LastActivityAt = s.clock.Now()
		metrics.RecordRatchetDecrypt("current_chain")
		return pt, nil
	}

	if rc, ok := s.previousChains[msg.SenderRatchetPublic]; ok {
		if msg.MessageIndex > rc.finalIndex {
			return nil, fmt.Errorf("ratchet: index beyond retired chain: %w", echoerr.DecryptFailed)
		}
		chain := rc.chain
		pt, err := s.decryptOnChain(&chain, msg)
		if err != nil {
			return nil, err
		}
		s.previousChains[msg.SenderRatchetPublic] = retiredChain{chain: chain, finalIndex: rc.finalIndex}
		s.LastActivityAt = s.clock.Now()
		metrics.RecordRatchetDecrypt("previous_chain")
		return pt, nil
	}

	if err := s.dhRatchet(msg.SenderRatchetPublic, msg.PreviousChainLength); err != nil {
		return nil, err
	}
	pt, err := s.decryptOnChain(&s.receivingChain, msg)
	if err != nil {
		return nil, err
	}
	s.LastActivityAt = s.clock.Now()
	metrics.RecordRatchetDecrypt("dh_ratchet")
	return pt, nil
}

// decryptOnChain decrypts msg against chain, which must be on the same
// ratchet public as msg.SenderRatchetPublic. Skips forward if msg is ahead
// of the chain's current index.
func (s *Session) decryptOnChain(chain *Chain, msg Encrypted) ([]byte, error) {
	if msg.MessageIndex < chain.MessageIndex {
		// Already-consumed index with no skipped entry: treat as generic failure.
		return nil, fmt.Errorf("ratchet: %w", echoerr.DecryptFailed)
	}
	if msg.MessageIndex > chain.MessageIndex {
		advanced, err := s.skipChainTo(*chain, msg.MessageIndex)
		if err != nil {
			return nil, err
		}
		*chain = advanced
	}

	msgKey, nextCK, err := deriveMessageKey(chain.ChainKey)
	if err != nil {
		return nil, err
	}

	aad := buildAAD(s.AD, msg.SenderRatchetPublic, msg.MessageIndex, msg.PreviousChainLength)
	pt, err := aeadOpen(msgKey, msg.Body, aad)
	wipe.Array32(&msgKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: %w", echoerr.DecryptFailed)
	}

	wipe.Array32(&chain.ChainKey)
	chain.ChainKey = nextCK
	chain.MessageIndex++
	return pt, nil
}

func buildAAD(sessionAD []byte, ratchetPub [32]byte, index, prevChainLen uint32) []byte {
	aad := make([]byte, 0, len(sessionAD)+32+4+4)
	aad = append(aad, sessionAD...)
	aad = append(aad, ratchetPub[:]...)
	aad = appendU32BE(aad, index)
	aad = appendU32BE(aad, prevChainLen)
	return aad
}

func appendU32BE(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func aeadSeal(key [32]byte, nonce [nonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	out := make([]byte, 0, nonceSize+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

func aeadOpen(key [32]byte, body, aad []byte) ([]byte, error) {
	if len(body) < nonceSize+tagSize {
		return nil, errors.New("ratchet: body too short")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := body[:nonceSize]
	ct := body[nonceSize:]
	return gcm.Open(nil, nonce, ct, aad)
}

// Dispose wipes every secret-bearing field. The Session must not be used
// afterward.
func (s *Session) Dispose() {
	wipe.Array32(&s.RootKey)
	wipe.Array32(&s.ourRatchetPriv)
	wipe.Array32(&s.sendingChain.ChainKey)
	wipe.Array32(&s.receivingChain.ChainKey)
	for _, rc := range s.previousChains {
		wipe.Array32(&rc.chain.ChainKey)
	}
	for i := range s.skipped {
		wipe.Array32(&s.skipped[i].key)
	}
}

// SkippedCount reports the current cumulative skipped-key count (bounded by
// Limits.MaxSkipped).
func (s *Session) SkippedCount() int { return len(s.skipped) }
