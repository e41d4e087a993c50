// Package httpapi exposes the remote prekey service over HTTP: bundle
// fetch, prekey upload, and count check, plus a prekey.RemoteService client
// adapter for talking to another node's instance of this same surface.
// Routing is gorilla/mux, auth is a single bearer-JWT check (this identity
// model is device-bound key material, not username/password accounts), and
// CORS is handled by github.com/rs/cors.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/prekey"
)

// bundleWire is the JSON inter-tier form of prekey.Bundle, used where binary
// framing isn't practical.
type bundleWire struct {
	IdentityEd25519 string  `json:"identityEd25519"`
	IdentityX25519  string  `json:"identityX25519"`
	SignedPrekeyID  uint32  `json:"signedPrekeyId"`
	SignedPrekey    string  `json:"signedPrekey"`
	SignedPrekeySig string  `json:"signedPrekeySig"`
	SignedPrekeyExp int64   `json:"signedPrekeyExp"`
	OneTimePrekeyID *uint32 `json:"oneTimePrekeyId,omitempty"`
	OneTimePrekey   *string `json:"oneTimePrekey,omitempty"`
	RegistrationID  uint32  `json:"registrationId"`
}

func toBundleWire(b prekey.Bundle) bundleWire {
	w := bundleWire{
		IdentityEd25519: base64.StdEncoding.EncodeToString(b.Identity.Ed25519),
		IdentityX25519:  base64.StdEncoding.EncodeToString(b.Identity.X25519[:]),
		SignedPrekeyID:  b.SignedPrekeyID,
		SignedPrekey:    base64.StdEncoding.EncodeToString(b.SignedPrekey[:]),
		SignedPrekeySig: base64.StdEncoding.EncodeToString(b.SignedPrekeySig[:]),
		SignedPrekeyExp: b.SignedPrekeyExp.Unix(),
		RegistrationID:  b.RegistrationID,
	}
	if b.OneTimePrekeyID != nil {
		w.OneTimePrekeyID = b.OneTimePrekeyID
		otp := base64.StdEncoding.EncodeToString(b.OneTimePrekey[:])
		w.OneTimePrekey = &otp
	}
	return w
}

func fromBundleWire(w bundleWire) (prekey.Bundle, error) {
	var b prekey.Bundle
	ed, err := base64.StdEncoding.DecodeString(w.IdentityEd25519)
	if err != nil {
		return b, fmt.Errorf("httpapi: bad identity ed25519: %w", err)
	}
	b.Identity.Ed25519 = ed
	x, err := base64.StdEncoding.DecodeString(w.IdentityX25519)
	if err != nil || len(x) != 32 {
		return b, fmt.Errorf("httpapi: bad identity x25519")
	}
	copy(b.Identity.X25519[:], x)
	sp, err := base64.StdEncoding.DecodeString(w.SignedPrekey)
	if err != nil || len(sp) != 32 {
		return b, fmt.Errorf("httpapi: bad signed prekey")
	}
	copy(b.SignedPrekey[:], sp)
	sig, err := base64.StdEncoding.DecodeString(w.SignedPrekeySig)
	if err != nil || len(sig) != 64 {
		return b, fmt.Errorf("httpapi: bad signed prekey signature")
	}
	copy(b.SignedPrekeySig[:], sig)
	b.SignedPrekeyID = w.SignedPrekeyID
	b.SignedPrekeyExp = time.Unix(w.SignedPrekeyExp, 0).UTC()
	b.RegistrationID = w.RegistrationID
	if w.OneTimePrekeyID != nil && w.OneTimePrekey != nil {
		otp, err := base64.StdEncoding.DecodeString(*w.OneTimePrekey)
		if err != nil || len(otp) != 32 {
			return b, fmt.Errorf("httpapi: bad one-time prekey")
		}
		var arr [32]byte
		copy(arr[:], otp)
		b.OneTimePrekeyID = w.OneTimePrekeyID
		b.OneTimePrekey = &arr
	}
	return b, nil
}

// Backend is what the HTTP surface delegates to: each owner's local prekey
// Store plus the identity needed to sign/consume keys.
type Backend interface {
	GetPreKeyBundle(ctx context.Context, recipientID string) (prekey.Bundle, error)
	UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *prekey.SignedPrekey, oneTime []*prekey.OneTimePrekey) error
	CheckPreKeyCount(ctx context.Context, ownerID string) (int, error)
}

// Server implements the HTTP surface over a Backend.
type Server struct {
	backend   Backend
	jwtSecret []byte
	router    *mux.Router
}

// NewServer wires routes and bearer-auth middleware over backend.
func NewServer(backend Backend, jwtSecret []byte) *Server {
	s := &Server{backend: backend, jwtSecret: jwtSecret, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the CORS-wrapped http.Handler, wiring github.com/rs/cors
// around the mux router.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/bundles/{recipientId}", s.withAuth(s.handleGetBundle)).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/prekeys/{ownerId}", s.withAuth(s.handleUploadPreKeys)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/prekeys/{ownerId}/count", s.withAuth(s.handleCheckCount)).Methods(http.MethodGet)
}

type authedKey struct{}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("httpapi: unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), authedKey{}, subject)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	recipientID := mux.Vars(r)["recipientId"]
	bundle, err := s.backend.GetPreKeyBundle(r.Context(), recipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBundleWire(bundle))
}

type otpWire struct {
	ID     uint32 `json:"id"`
	Public string `json:"public"`
}

type uploadRequest struct {
	Identity     string     `json:"identity"`
	SignedPrekey bundleWire `json:"signedPrekey"`
	OneTime      []otpWire  `json:"oneTimePrekeys"`
}

func (s *Server) handleUploadPreKeys(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	idBytes, err := base64.StdEncoding.DecodeString(req.Identity)
	if err != nil {
		http.Error(w, "malformed identity", http.StatusBadRequest)
		return
	}
	idPub, err := identity.UnmarshalPublic(idBytes)
	if err != nil {
		http.Error(w, "malformed identity", http.StatusBadRequest)
		return
	}

	bundle, err := fromBundleWire(req.SignedPrekey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	signed := &prekey.SignedPrekey{
		ID:        bundle.SignedPrekeyID,
		Public:    bundle.SignedPrekey,
		Signature: bundle.SignedPrekeySig,
		ExpiresAt: bundle.SignedPrekeyExp,
	}

	oneTime := make([]*prekey.OneTimePrekey, 0, len(req.OneTime))
	for _, ow := range req.OneTime {
		pub, err := base64.StdEncoding.DecodeString(ow.Public)
		if err != nil || len(pub) != 32 {
			http.Error(w, "malformed one-time prekey", http.StatusBadRequest)
			return
		}
		var arr [32]byte
		copy(arr[:], pub)
		oneTime = append(oneTime, &prekey.OneTimePrekey{ID: ow.ID, Public: arr})
	}

	if err := s.backend.UploadPreKeys(r.Context(), ownerID, idPub, signed, oneTime); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckCount(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	count, err := s.backend.CheckPreKeyCount(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"oneTimePrekeyCount": count})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, echoerr.BundleInvalid):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, echoerr.KeysAbsent):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, echoerr.Unavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Client implements prekey.RemoteService against a remote Server instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a prekey.RemoteService client for baseURL, authenticating
// with the given bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, token: token, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, httpBodyReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w: %v", echoerr.Unavailable, err)
	}
	return resp, nil
}

func httpBodyReader(body []byte) *httpBody { return &httpBody{data: body} }

// httpBody is a minimal io.Reader adapter to avoid importing bytes just for
// a request body literal.
type httpBody struct {
	data []byte
	pos  int
}

func (b *httpBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

// GetPreKeyBundle implements prekey.RemoteService.
func (c *Client) GetPreKeyBundle(ctx context.Context, recipientID string) (prekey.Bundle, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/bundles/"+recipientID, nil)
	if err != nil {
		return prekey.Bundle{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return prekey.Bundle{}, fmt.Errorf("httpapi: get bundle status %d: %w", resp.StatusCode, echoerr.BundleInvalid)
	}
	var w bundleWire
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: decode bundle: %w", err)
	}
	return fromBundleWire(w)
}

// UploadPreKeys implements prekey.RemoteService.
func (c *Client) UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *prekey.SignedPrekey, oneTime []*prekey.OneTimePrekey) error {
	idBytes, err := identity.MarshalPublic(identityPub)
	if err != nil {
		return err
	}
	req := uploadRequest{
		Identity: base64.StdEncoding.EncodeToString(idBytes),
		SignedPrekey: toBundleWire(prekey.Bundle{
			Identity:        identityPub,
			SignedPrekeyID:  signed.ID,
			SignedPrekey:    signed.Public,
			SignedPrekeySig: signed.Signature,
			SignedPrekeyExp: signed.ExpiresAt,
		}),
	}
	for _, otp := range oneTime {
		req.OneTime = append(req.OneTime, otpWire{ID: otp.ID, Public: base64.StdEncoding.EncodeToString(otp.Public[:])})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/prekeys/"+ownerID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("httpapi: upload prekeys status %d", resp.StatusCode)
	}
	return nil
}

// CheckPreKeyCount implements prekey.RemoteService.
func (c *Client) CheckPreKeyCount(ctx context.Context, ownerID string) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/prekeys/"+ownerID+"/count", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("httpapi: check count status %d: %w", resp.StatusCode, echoerr.Unavailable)
	}
	var out struct {
		OneTimePrekeyCount int `json:"oneTimePrekeyCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.OneTimePrekeyCount, nil
}
