package ratchet

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jaydenbeard/echo-core/internal/store"
)

// State is the persisted shape of a Session, version=1. Skipped keys and
// previous chains are carried as base64; timestamps are ms epoch. Unknown
// versions are fatal to load (see echoerr.VersionMismatch at the
// session-manager tier, which owns the version gate).
type State struct {
	Version int `json:"version"`

	SessionID string `json:"sessionId"`
	RootKey   string `json:"rootKey"`
	AD        string `json:"ad"`

	OurRatchetPriv string `json:"ourRatchetPriv,omitempty"`
	OurRatchetPub  string `json:"ourRatchetPub,omitempty"`
	HaveOurRatchet bool   `json:"haveOurRatchet"`

	TheirRatchetPub  string `json:"theirRatchetPub,omitempty"`
	HaveTheirRatchet bool   `json:"haveTheirRatchet"`

	SendingChain   *chainState `json:"sendingChain,omitempty"`
	ReceivingChain *chainState `json:"receivingChain,omitempty"`

	PreviousChains []previousChainState `json:"previousChains,omitempty"`
	Skipped        []skippedKeyState    `json:"skipped,omitempty"`

	CreatedAtMs      int64 `json:"createdAtMs"`
	LastActivityAtMs int64 `json:"lastActivityAtMs"`
	IsInitiator      bool  `json:"isInitiator"`
}

type chainState struct {
	ChainKey     string `json:"chainKey"`
	MessageIndex uint32 `json:"messageIndex"`
	RatchetPub   string `json:"ratchetPub"`
}

type previousChainState struct {
	Chain      chainState `json:"chain"`
	FinalIndex uint32     `json:"finalIndex"`
}

type skippedKeyState struct {
	RatchetPub string `json:"ratchetPub"`
	Index      uint32 `json:"index"`
	Key        string `json:"key"`
	StoredAtMs int64  `json:"storedAtMs"`
}

const stateVersion = 1

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string, out []byte) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return fmt.Errorf("ratchet: malformed base64 field")
	}
	copy(out, b)
	return nil
}

func chainToState(c Chain) *chainState {
	return &chainState{ChainKey: b64(c.ChainKey[:]), MessageIndex: c.MessageIndex, RatchetPub: b64(c.RatchetPub[:])}
}

func chainFromState(cs *chainState) (Chain, error) {
	var c Chain
	if cs == nil {
		return c, nil
	}
	if err := unb64(cs.ChainKey, c.ChainKey[:]); err != nil {
		return c, err
	}
	if err := unb64(cs.RatchetPub, c.RatchetPub[:]); err != nil {
		return c, err
	}
	c.MessageIndex = cs.MessageIndex
	return c, nil
}

// Export renders the session's current state for persistence.
func (s *Session) Export() State {
	st := State{
		Version:          stateVersion,
		SessionID:        s.SessionID,
		RootKey:          b64(s.RootKey[:]),
		AD:               b64(s.AD),
		HaveOurRatchet:   s.haveOurRatchet,
		HaveTheirRatchet: s.haveTheirRatchet,
		CreatedAtMs:      s.CreatedAt.UnixMilli(),
		LastActivityAtMs: s.LastActivityAt.UnixMilli(),
		IsInitiator:      s.IsInitiator,
	}
	if s.haveOurRatchet {
		st.OurRatchetPriv = b64(s.ourRatchetPriv[:])
		st.OurRatchetPub = b64(s.ourRatchetPub[:])
	}
	if s.haveTheirRatchet {
		st.TheirRatchetPub = b64(s.theirRatchetPub[:])
	}
	if s.haveSending {
		st.SendingChain = chainToState(s.sendingChain)
	}
	if s.haveReceiving {
		st.ReceivingChain = chainToState(s.receivingChain)
	}
	for pub, rc := range s.previousChains {
		_ = pub
		st.PreviousChains = append(st.PreviousChains, previousChainState{Chain: *chainToState(rc.chain), FinalIndex: rc.finalIndex})
	}
	for _, sk := range s.skipped {
		st.Skipped = append(st.Skipped, skippedKeyState{
			RatchetPub: b64(sk.ratchetPub[:]),
			Index:      sk.index,
			Key:        b64(sk.key[:]),
			StoredAtMs: sk.storedAt.UnixMilli(),
		})
	}
	return st
}

// FromState reconstructs a Session from a persisted State. Returns an error
// for any version other than 1 (callers should surface echoerr.VersionMismatch).
func FromState(st State, limits Limits, clock store.Clock) (*Session, error) {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("ratchet: unsupported session state version %d", st.Version)
	}
	s := &Session{
		SessionID:      st.SessionID,
		previousChains: make(map[[32]byte]retiredChain),
		CreatedAt:      time.UnixMilli(st.CreatedAtMs).UTC(),
		LastActivityAt: time.UnixMilli(st.LastActivityAtMs).UTC(),
		IsInitiator:    st.IsInitiator,
		limits:         limits,
		clock:          clock,
	}
	if err := unb64(st.RootKey, s.RootKey[:]); err != nil {
		return nil, err
	}
	ad, err := base64.StdEncoding.DecodeString(st.AD)
	if err != nil {
		return nil, fmt.Errorf("ratchet: malformed ad")
	}
	s.AD = ad

	if st.HaveOurRatchet {
		if err := unb64(st.OurRatchetPriv, s.ourRatchetPriv[:]); err != nil {
			return nil, err
		}
		if err := unb64(st.OurRatchetPub, s.ourRatchetPub[:]); err != nil {
			return nil, err
		}
		s.haveOurRatchet = true
	}
	if st.HaveTheirRatchet {
		if err := unb64(st.TheirRatchetPub, s.theirRatchetPub[:]); err != nil {
			return nil, err
		}
		s.haveTheirRatchet = true
	}
	if st.SendingChain != nil {
		c, err := chainFromState(st.SendingChain)
		if err != nil {
			return nil, err
		}
		s.sendingChain = c
		s.haveSending = true
	}
	if st.ReceivingChain != nil {
		c, err := chainFromState(st.ReceivingChain)
		if err != nil {
			return nil, err
		}
		s.receivingChain = c
		s.haveReceiving = true
	}
	for _, pcs := range st.PreviousChains {
		c, err := chainFromState(&pcs.Chain)
		if err != nil {
			return nil, err
		}
		s.previousChains[c.RatchetPub] = retiredChain{chain: c, finalIndex: pcs.FinalIndex}
	}
	for _, sks := range st.Skipped {
		var sk skippedKey
		if err := unb64(sks.RatchetPub, sk.ratchetPub[:]); err != nil {
			return nil, err
		}
		if err := unb64(sks.Key, sk.key[:]); err != nil {
			return nil, err
		}
		sk.index = sks.Index
		sk.storedAt = time.UnixMilli(sks.StoredAtMs).UTC()
		s.skipped = append(s.skipped, sk)
	}
	return s, nil
}
