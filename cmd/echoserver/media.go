package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/jaydenbeard/echo-core/internal/mediakey"
	"github.com/jaydenbeard/echo-core/internal/session"
	"github.com/jaydenbeard/echo-core/internal/store"
)

// mediaManager wires the per-session media key chain to HTTP attach/fetch
// endpoints. Sealed blobs round-trip inline in the request/response body
// here rather than through object storage, so this demo binary can
// exercise mediakey.Chain end to end without a live S3-compatible
// endpoint; internal/mediastore issues the presigned upload/download URLs a
// real deployment would use in front of the same sealed blobs.
//
// Each local participant keeps its own Chain mirror for a given peer,
// seeded from that pair's ratchet session root key the first time either
// side attaches or fetches; the mirrors only live for this process's
// lifetime, same as the Hub's in-memory backlog when it isn't Redis-backed.
type mediaManager struct {
	sessions *session.Manager
	clock    store.Clock

	mu     sync.Mutex
	chains map[string]*mediakey.Chain
}

func newMediaManager(sessions *session.Manager, clock store.Clock) *mediaManager {
	return &mediaManager{sessions: sessions, clock: clock, chains: make(map[string]*mediakey.Chain)}
}

func localChainKey(ownerID, peerID string) string { return ownerID + "|" + peerID }

func (m *mediaManager) chainFor(ownerID, peerID string, rootKey [32]byte) (*mediakey.Chain, error) {
	key := localChainKey(ownerID, peerID)

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[key]
	if !ok {
		c = &mediakey.Chain{}
		m.chains[key] = c
	}
	if err := c.Init(rootKey); err != nil {
		return nil, err
	}
	return c, nil
}

type mediaAttachRequest struct {
	OwnerID   string `json:"ownerId"`
	PeerID    string `json:"peerId"`
	Plaintext string `json:"plaintext"` // base64
}

type mediaAttachResponse struct {
	MediaID string `json:"mediaId"`
	Index   uint32 `json:"index"`
	Blob    string `json:"blob"` // base64 nonce‖ciphertext‖tag
}

// handleMediaAttach seals an attachment under the sender's media key chain,
// advancing it so no media key is ever reused for this session.
func (m *mediaManager) handleMediaAttach(w http.ResponseWriter, r *http.Request) {
	var req mediaAttachRequest
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
	rootKey, err := m.sessions.MediaChainKey(ctx, req.OwnerID, req.PeerID)
	if err != nil {
		http.Error(w, fmt.Sprintf("load session: %v", err), http.StatusConflict)
		return
	}
	chain, err := m.chainFor(req.OwnerID, req.PeerID, rootKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("media chain: %v", err), http.StatusInternalServerError)
		return
	}

	sealed, err := chain.Encrypt(plaintext, m.clock.Now())
	if err != nil {
		http.Error(w, fmt.Sprintf("seal media: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, mediaAttachResponse{
		MediaID: sealed.MediaID,
		Index:   sealed.Index,
		Blob:    base64.StdEncoding.EncodeToString(sealed.Blob),
	})
}

type mediaFetchRequest struct {
	OwnerID string `json:"ownerId"`
	PeerID  string `json:"peerId"`
	MediaID string `json:"mediaId"`
	Index   uint32 `json:"index"`
	Blob    string `json:"blob"` // base64
}

type mediaFetchResponse struct {
	Plaintext string `json:"plaintext"` // base64
}

// handleMediaFetch decrypts an attachment against the recipient's mirror of
// the sender's media key chain, advancing the mirror to the given index.
func (m *mediaManager) handleMediaFetch(w http.ResponseWriter, r *http.Request) {
	var req mediaFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.PeerID == "" || req.MediaID == "" {
		http.Error(w, "ownerId, peerId and mediaId are required", http.StatusBadRequest)
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Blob)
	if err != nil {
		http.Error(w, "malformed blob", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rootKey, err := m.sessions.MediaChainKey(ctx, req.OwnerID, req.PeerID)
	if err != nil {
		http.Error(w, fmt.Sprintf("load session: %v", err), http.StatusConflict)
		return
	}
	chain, err := m.chainFor(req.OwnerID, req.PeerID, rootKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("media chain: %v", err), http.StatusInternalServerError)
		return
	}

	plaintext, err := chain.Decrypt(req.MediaID, blob, req.Index)
	if err != nil {
		http.Error(w, fmt.Sprintf("decrypt media: %v", err), http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, mediaFetchResponse{Plaintext: base64.StdEncoding.EncodeToString(plaintext)})
}
