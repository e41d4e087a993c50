// Package session implements the per-peer session manager: the
// single-writer FIFO-locked send/receive pipeline, the PreKeyMessage
// bootstrap for first contact, and the XOR-masked in-memory session cache.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/guard"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/prekey"
	"github.com/jaydenbeard/echo-core/internal/ratchet"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/wipe"
	"github.com/jaydenbeard/echo-core/internal/wire"
	"github.com/jaydenbeard/echo-core/internal/x3dh"
)

// Status is the lifecycle state of a managed session.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusInvalidated
	StatusClosed
)

// ID returns the canonical, order-independent session identifier for a pair
// of user ids: sessionId(a,b) == sessionId(b,a).
func ID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// mask is the process-local XOR mask protecting the in-memory cache. It is
// rotated whenever the cache is cleared.
type mask struct {
	mu  sync.RWMutex
	key [32]byte
}

func newMask() *mask {
	m := &mask{}
	m.rotate()
	return m
}

func (m *mask) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	rand.Read(m.key[:])
}

func (m *mask) apply(b []byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ m.key[i%len(m.key)]
	}
	return out
}

// cacheEntry holds a session's exported state XOR-masked under the current
// process mask. It exists purely as an in-process read-through cache; the
// secret store is the durable source of truth.
type cacheEntry struct {
	masked []byte
}

// Manager coordinates per-session locking, the in-memory cache, and the
// X3DH/ratchet engines behind a single send/receive API.
type Manager struct {
	secrets   store.SecretStore
	prekeys   *prekey.Store
	remote    prekey.RemoteService
	clock     store.Clock
	limits    ratchet.Limits
	spkValidity time.Duration

	locks *keyedLocks

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
	mask    *mask

	replay   *guard.ReplayGuard
	sequence *guard.SequenceGuard
	window   guard.TimestampWindow
}

// Config bundles the manager's tunables.
type Config struct {
	Limits            ratchet.Limits
	SignedPrekeyValidity time.Duration
	TimestampWindow   guard.TimestampWindow
	DedupRetention    time.Duration
}

// DefaultConfig returns sane production defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Limits:               ratchet.DefaultLimits(),
		SignedPrekeyValidity: prekey.DefaultSignedPrekeyValidity,
		TimestampWindow:      guard.DefaultTimestampWindow(),
		DedupRetention:       guard.DefaultDedupRetention,
	}
}

// NewManager wires a Manager over the given collaborators.
func NewManager(secrets store.SecretStore, remote prekey.RemoteService, clock store.Clock, cfg Config) *Manager {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Manager{
		secrets:     secrets,
		prekeys:     prekey.NewStore(secrets, clock),
		remote:      remote,
		clock:       clock,
		limits:      cfg.Limits,
		spkValidity: cfg.SignedPrekeyValidity,
		locks:       newKeyedLocks(),
		cache:       make(map[string]cacheEntry),
		mask:        newMask(),
		replay:      guard.NewReplayGuard(cfg.DedupRetention),
		sequence:    guard.NewSequenceGuard(),
		window:      cfg.TimestampWindow,
	}
}

// ClearCache empties the in-memory cache and rotates the XOR mask so any
// retained copies of the masked bytes no longer decode.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]cacheEntry)
	m.cacheMu.Unlock()
	m.mask.rotate()
}

func (m *Manager) cacheGet(sessionID string) (ratchet.State, bool) {
	m.cacheMu.Lock()
	entry, ok := m.cache[sessionID]
	m.cacheMu.Unlock()
	if !ok {
		metrics.RecordSessionCacheOutcome("miss")
		return ratchet.State{}, false
	}
	raw := m.mask.apply(entry.masked)
	var st ratchet.State
	if err := json.Unmarshal(raw, &st); err != nil {
		// Decoding failure ejects the entry rather than risk serving stale state.
		m.cacheMu.Lock()
		delete(m.cache, sessionID)
		m.cacheMu.Unlock()
		metrics.RecordSessionCacheOutcome("eject")
		return ratchet.State{}, false
	}
	metrics.RecordSessionCacheOutcome("hit")
	return st, true
}

func (m *Manager) cachePut(sessionID string, st ratchet.State) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	m.cacheMu.Lock()
	m.cache[sessionID] = cacheEntry{masked: m.mask.apply(raw)}
	m.cacheMu.Unlock()
}

func sessionStoreKey(sessionID string) string { return "session_" + sessionID }

func (m *Manager) persist(ctx context.Context, sessionID string, st ratchet.State) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if err := m.secrets.Put(ctx, sessionStoreKey(sessionID), string(blob)); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	m.cachePut(sessionID, st)
	return nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*ratchet.Session, error) {
	if st, ok := m.cacheGet(sessionID); ok {
		return ratchet.FromState(st, m.limits, m.clock)
	}
	raw, ok, err := m.secrets.Get(ctx, sessionStoreKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var st ratchet.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		metrics.RecordSessionVersionMismatch()
		return nil, fmt.Errorf("session: %w", echoerr.VersionMismatch)
	}
	sess, err := ratchet.FromState(st, m.limits, m.clock)
	if err != nil {
		metrics.RecordSessionVersionMismatch()
		return nil, fmt.Errorf("session: %w", echoerr.VersionMismatch)
	}
	m.cachePut(sessionID, st)
	return sess, nil
}

// newMessageID generates a caller-side message id: 16 random bytes,
// URL-safe base64 without padding.
func newMessageID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session: generate message id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Send acquires the per-session lock, loads or X3DH-initiates the session,
// encrypts, and persists only on success. It returns the wire bytes ready
// for sealed-sender sealing and transport, and the message id the caller
// should pass to Transport.deliverMessage.
func (m *Manager) Send(ctx context.Context, ourID string, ourIdentity *identity.KeyPair, peerID string, plaintext []byte) (wireBytes []byte, messageID string, err error) {
	sessionID := ID(ourID, peerID)
	release := m.locks.Acquire(sessionID)
	defer release()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	var prekeyFrame *wire.PreKeyMessage
	if sess == nil {
		if m.remote == nil {
			return nil, "", fmt.Errorf("session: no remote prekey service configured")
		}
		bundle, err := m.remote.GetPreKeyBundle(ctx, peerID)
		if err != nil {
			return nil, "", fmt.Errorf("session: fetch bundle: %w", err)
		}
		result, ephPriv, ephPub, err := x3dh.Initiate(ourIdentity, bundle, m.clock)
		if err != nil {
			return nil, "", err
		}
		sess = ratchet.NewInitiator(sessionID, result.RootKey, result.ChainKey, result.AD, bundle.SignedPrekey, ephPriv, ephPub, m.limits, m.clock)
		result.Wipe()
		wipe.Array32(&ephPriv)
		metrics.RecordSessionEstablished("initiator")

		var otpID uint32
		if bundle.OneTimePrekeyID != nil {
			otpID = *bundle.OneTimePrekeyID
		}
		prekeyFrame = &wire.PreKeyMessage{
			SenderIdentityEd25519: toArray32(ourIdentity.Public().Ed25519),
			SenderIdentityX25519:  ourIdentity.Public().X25519,
			EphemeralKey:          ephPub,
			SignedPrekeyID:        bundle.SignedPrekeyID,
			OneTimePrekeyID:       otpID,
		}
	}

	enc, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, "", err
	}

	innerWire := wire.EncryptedMessage{
		Type:                wire.TypeWhisper,
		Version:             1,
		SenderRatchetKey:    enc.SenderRatchetPublic,
		PreviousChainLength: enc.PreviousChainLength,
		MessageIndex:        enc.MessageIndex,
		Ciphertext:          enc.Body,
	}

	if err := m.persist(ctx, sessionID, sess.Export()); err != nil {
		return nil, "", err
	}

	mid, err := newMessageID()
	if err != nil {
		return nil, "", err
	}

	if prekeyFrame != nil {
		prekeyFrame.Inner = innerWire
		return wire.EncodePreKeyMessage(*prekeyFrame), mid, nil
	}
	return wire.EncodeEncryptedMessage(innerWire), mid, nil
}

// Receive dispatches on the PreKeyMessage tag, installs or loads the session
// under the per-session lock, decrypts, and persists only on success.
// messageID and sequenceNumber are enforced by the replay and sequence
// guards above the ratchet — these run before any session state is touched.
func (m *Manager) Receive(ctx context.Context, ourID string, ourIdentity *identity.KeyPair, peerID string, bytes []byte, messageID string, sequenceNumber uint64, now time.Time) ([]byte, error) {
	if err := m.replay.Check(messageID, now); err != nil {
		return nil, err
	}
	if err := m.sequence.Accept(peerID, sequenceNumber); err != nil {
		return nil, err
	}

	sessionID := ID(ourID, peerID)
	release := m.locks.Acquire(sessionID)
	defer release()

	var sess *ratchet.Session
	var frame wire.EncryptedMessage

	if wire.IsPreKeyTag(bytes) {
		pkm, err := wire.DecodePreKeyMessage(bytes)
		if err != nil {
			return nil, fmt.Errorf("session: %w", echoerr.VersionMismatch)
		}

		// Resolves any previously-rotated signed prekey id, not just the
		// current one: a bundle fetched moments before rotation must still
		// bootstrap, per ResolveSignedPrekey's retention contract.
		signed, err := m.prekeys.ResolveSignedPrekey(ctx, ourID, pkm.SignedPrekeyID)
		if err != nil {
			return nil, err
		}

		var otpPriv *[32]byte
		if pkm.OneTimePrekeyID != 0 {
			otp, err := m.prekeys.ConsumeOneTimePrekey(ctx, ourID, pkm.OneTimePrekeyID)
			if err != nil {
				return nil, err
			}
			if otp != nil {
				p := otp.Private()
				otpPriv = &p
				defer otp.Wipe()
			}
			// Missing OPK is tolerated: falls back to 3-DH (otpPriv stays nil).
		}

		result, err := x3dh.Respond(ourIdentity, signed.Private(), otpPriv, pkm.SenderIdentityX25519, pkm.EphemeralKey)
		if err != nil {
			return nil, err
		}
		sess = ratchet.NewResponder(sessionID, result.RootKey, result.ChainKey, result.AD, signed.Private(), signed.Public, m.limits, m.clock)
		result.Wipe()
		if err := sess.SetTheirRatchetPublic(pkm.Inner.SenderRatchetKey); err != nil {
			return nil, err
		}
		frame = pkm.Inner
		metrics.RecordSessionEstablished("responder")
	} else {
		var err error
		sess, err = m.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, fmt.Errorf("session: %w", echoerr.NoSession)
		}
		frame, err = wire.DecodeEncryptedMessage(bytes)
		if err != nil {
			return nil, fmt.Errorf("session: %w", echoerr.VersionMismatch)
		}
	}

	plaintext, err := sess.Decrypt(ratchet.Encrypted{
		SenderRatchetPublic: frame.SenderRatchetKey,
		PreviousChainLength: frame.PreviousChainLength,
		MessageIndex:        frame.MessageIndex,
		Body:                frame.Ciphertext,
	})
	if err != nil {
		return nil, err
	}

	if err := m.persist(ctx, sessionID, sess.Export()); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// MediaChainKey returns the root key of the given peer's current session,
// for a caller to seed a mediakey.Chain. Returns echoerr.NoSession if the
// pair has no established session yet — a text message must bootstrap one
// first.
func (m *Manager) MediaChainKey(ctx context.Context, ourID, peerID string) ([32]byte, error) {
	sessionID := ID(ourID, peerID)
	release := m.locks.Acquire(sessionID)
	defer release()

	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return [32]byte{}, err
	}
	if sess == nil {
		return [32]byte{}, fmt.Errorf("session: %w", echoerr.NoSession)
	}
	return sess.RootKey, nil
}

func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// DisposeSecrets zeroes the given ratchet session's live secret material;
// callers own the moment at which an in-memory Session is dropped.
func DisposeSecrets(s *ratchet.Session) {
	s.Dispose()
}
