package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jaydenbeard/echo-core/internal/config"
	"github.com/jaydenbeard/echo-core/internal/prekey"
	"github.com/jaydenbeard/echo-core/internal/sealedsender"
	"github.com/jaydenbeard/echo-core/internal/session"
	"github.com/jaydenbeard/echo-core/internal/store"
	"github.com/jaydenbeard/echo-core/internal/transport"
	"github.com/jaydenbeard/echo-core/internal/wire"
)

// messenger wires the session manager to this node's HTTP send/receive
// endpoints, so encrypted wire bytes flow through X3DH/ratchet/session,
// sealed-sender, and out via the Hub rather than just being constructed and
// discarded. A real deployment would perform the sealedsender.Unseal/
// sessions.Receive half on the recipient's own device over its websocket
// connection rather than an HTTP call on this node; handleReceive exists so
// this binary can demonstrate and exercise the full round trip by itself.
type messenger struct {
	sessions *session.Manager
	prekeys  *prekey.Store
	hub      *transport.Hub
	clock    store.Clock

	trustRootPriv    ed25519.PrivateKey
	trustRootPub     ed25519.PublicKey
	certMaxClockSkew time.Duration
	certMaxAge       time.Duration
	sealedTTL        time.Duration

	seqMu sync.Mutex
	seq   map[string]uint64
}

func newMessenger(secrets store.SecretStore, remote prekey.RemoteService, clock store.Clock, hub *transport.Hub, cfg *config.Config) *messenger {
	return &messenger{
		sessions:         session.NewManager(secrets, remote, clock, session.DefaultConfig()),
		prekeys:          prekey.NewStore(secrets, clock),
		hub:              hub,
		clock:            clock,
		trustRootPriv:    cfg.TrustRootPrivate,
		trustRootPub:     cfg.TrustRootPublic,
		certMaxClockSkew: cfg.Protocol.CertMaxClockSkew,
		certMaxAge:       cfg.Protocol.CertMaxAge,
		sealedTTL:        cfg.Protocol.SealedTTL,
		seq:              make(map[string]uint64),
	}
}

func (m *messenger) nextSequence(ownerID string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seq[ownerID]++
	return m.seq[ownerID]
}

type sendRequest struct {
	OwnerID   string `json:"ownerId"`
	PeerID    string `json:"peerId"`
	Plaintext string `json:"plaintext"` // base64
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// handleSend loads (or provisions) ownerID's identity, runs it through
// session.Manager.Send, seals the resulting wire bytes behind a sender
// certificate so the Hub never learns who sent the message, and delivers
// the sealed envelope via the Hub — exercising the full
// X3DH/ratchet/sealed-sender/delivery path from one HTTP call.
func (m *messenger) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.PeerID == "" {
		http.Error(w, "ownerId and peerId are required", http.StatusBadRequest)
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		http.Error(w, "malformed plaintext", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ourIdentity, err := m.prekeys.LoadOrCreateIdentity(ctx, req.OwnerID, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("load identity: %v", err), http.StatusInternalServerError)
		return
	}

	// In production the recipient's X25519 public arrives via the prekey
	// bundle (first contact) or is already cached from it; this demo node
	// backs every local participant's identity in the same store, so it
	// loads the recipient's public identity the same way it loads its own.
	peerIdentity, err := m.prekeys.LoadOrCreateIdentity(ctx, req.PeerID, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("load peer identity: %v", err), http.StatusInternalServerError)
		return
	}

	wireBytes, messageID, err := m.sessions.Send(ctx, req.OwnerID, ourIdentity, req.PeerID, plaintext)
	if err != nil {
		http.Error(w, fmt.Sprintf("send: %v", err), http.StatusConflict)
		return
	}

	now := m.clock.Now()
	cert, err := sealedsender.IssueCertificate(m.trustRootPriv, req.OwnerID, ourIdentity.Public().Ed25519, now)
	if err != nil {
		http.Error(w, fmt.Sprintf("issue certificate: %v", err), http.StatusInternalServerError)
		return
	}
	envelope, err := sealedsender.Seal(cert, wireBytes, peerIdentity.Public().X25519, now)
	if err != nil {
		http.Error(w, fmt.Sprintf("seal envelope: %v", err), http.StatusInternalServerError)
		return
	}
	envelopeBytes := wire.EncodeSealedEnvelope(wire.SealedEnvelope{
		EphemeralPublic: envelope.EphemeralPublic,
		Nonce:           envelope.Nonce,
		SealedAt:        envelope.SealedAt,
		Ciphertext:      envelope.Ciphertext,
	})

	seq := m.nextSequence(req.OwnerID)
	if err := m.hub.DeliverMessage(ctx, messageID, req.PeerID, envelopeBytes, seq); err != nil {
		http.Error(w, fmt.Sprintf("deliver: %v", err), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, sendResponse{MessageID: messageID})
}

type receiveRequest struct {
	OwnerID        string `json:"ownerId"`
	MessageID      string `json:"messageId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	Envelope       string `json:"envelope"` // base64 sealed envelope, as delivered by the Hub
}

type receiveResponse struct {
	SenderID  string `json:"senderId"`
	Plaintext string `json:"plaintext"` // base64
}

// handleReceive unseals a sealed-sender envelope the Hub delivered, verifies
// the embedded sender certificate against this node's trust root, and runs
// the recovered inner wire bytes through session.Manager.Receive —
// exercising the full sealed-sender-unseal/ratchet-decrypt path the way a
// recipient device would after reading the envelope off its websocket.
func (m *messenger) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.MessageID == "" {
		http.Error(w, "ownerId and messageId are required", http.StatusBadRequest)
		return
	}
	envelopeBytes, err := base64.StdEncoding.DecodeString(req.Envelope)
	if err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	wireEnvelope, err := wire.DecodeSealedEnvelope(envelopeBytes)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
		return
	}

	ourIdentity, err := m.prekeys.LoadOrCreateIdentity(ctx, req.OwnerID, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("load identity: %v", err), http.StatusInternalServerError)
		return
	}
	ourAgreePriv, err := ourIdentity.AgreementPrivate()
	if err != nil {
		http.Error(w, fmt.Sprintf("load agreement key: %v", err), http.StatusInternalServerError)
		return
	}

	now := m.clock.Now()
	cert, inner, err := sealedsender.Unseal(&sealedsender.Envelope{
		EphemeralPublic: wireEnvelope.EphemeralPublic,
		Nonce:           wireEnvelope.Nonce,
		SealedAt:        wireEnvelope.SealedAt,
		Ciphertext:      wireEnvelope.Ciphertext,
	}, ourAgreePriv, ourIdentity.Public().X25519, now, m.sealedTTL)
	if err != nil {
		http.Error(w, fmt.Sprintf("unseal: %v", err), http.StatusUnauthorized)
		return
	}
	if err := cert.Verify(m.trustRootPub, now, m.certMaxClockSkew, m.certMaxAge); err != nil {
		http.Error(w, fmt.Sprintf("certificate: %v", err), http.StatusUnauthorized)
		return
	}

	plaintext, err := m.sessions.Receive(ctx, req.OwnerID, ourIdentity, cert.SenderID, inner, req.MessageID, req.SequenceNumber, now)
	if err != nil {
		http.Error(w, fmt.Sprintf("receive: %v", err), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, receiveResponse{
		SenderID:  cert.SenderID,
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
