package prekey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/metrics"
	"github.com/jaydenbeard/echo-core/internal/store"
)

// RemoteService is the capability interface for the remote prekey service
// RPCs. An HTTP implementation lives in internal/httpapi.
type RemoteService interface {
	// GetPreKeyBundle atomically claims and removes one one-time prekey
	// when available; absence is signalled by a nil OneTimePrekeyID/Public
	// on the returned Bundle, never by a fallback to a non-atomic path.
	GetPreKeyBundle(ctx context.Context, recipientID string) (Bundle, error)
	UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *SignedPrekey, oneTime []*OneTimePrekey) error
	CheckPreKeyCount(ctx context.Context, ownerID string) (int, error)
}

// Store manages the local identity, the current signed prekey, and the pool
// of one-time prekeys, persisted under caller-chosen key prefixes.
type Store struct {
	secrets  store.SecretStore
	identity *identity.Store
	clock    store.Clock
}

// NewStore wires a prekey Store over a SecretStore.
func NewStore(secrets store.SecretStore, clock store.Clock) *Store {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{secrets: secrets, identity: identity.NewStore(secrets), clock: clock}
}

func spkKey(id uint32) string    { return fmt.Sprintf("signed_prekey_%d", id) }
func otpKey(id uint32) string    { return fmt.Sprintf("otp_%d", id) }
const currentSPKIDKey = "current_spk_id"
const nextOTPIDKey = "next_otp_id"

// LoadOrCreateIdentity delegates to identity.Store.LoadOrCreate.
func (s *Store) LoadOrCreateIdentity(ctx context.Context, ownerID string, seed *[64]byte) (*identity.KeyPair, error) {
	return s.identity.LoadOrCreate(ctx, ownerID, seed)
}

type signedPrekeyWire struct {
	ID        uint32    `json:"id"`
	Public    string    `json:"public"`
	Private   string    `json:"private"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

func (s *SignedPrekey) toWire() signedPrekeyWire {
	return signedPrekeyWire{
		ID:        s.ID,
		Public:    base64.StdEncoding.EncodeToString(s.Public[:]),
		Private:   base64.StdEncoding.EncodeToString(s.private[:]),
		Signature: base64.StdEncoding.EncodeToString(s.Signature[:]),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Used:      s.Used,
	}
}

func fromWireSPK(w signedPrekeyWire) (*SignedPrekey, error) {
	pub, err := base64.StdEncoding.DecodeString(w.Public)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("prekey: corrupt signed prekey public")
	}
	priv, err := base64.StdEncoding.DecodeString(w.Private)
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("prekey: corrupt signed prekey private")
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil || len(sig) != 64 {
		return nil, fmt.Errorf("prekey: corrupt signed prekey signature")
	}
	sp := &SignedPrekey{ID: w.ID, CreatedAt: w.CreatedAt, ExpiresAt: w.ExpiresAt, Used: w.Used}
	copy(sp.Public[:], pub)
	copy(sp.private[:], priv)
	copy(sp.Signature[:], sig)
	return sp, nil
}

// CurrentSignedPrekey returns the active unexpired signed prekey, or
// echoerr.KeysAbsent if none has been generated yet.
func (s *Store) CurrentSignedPrekey(ctx context.Context, ownerID string) (*SignedPrekey, error) {
	idStr, ok, err := s.secrets.Get(ctx, ownerID+"_"+currentSPKIDKey)
	if err != nil {
		return nil, fmt.Errorf("prekey: load current spk id: %w", err)
	}
	if !ok {
		return nil, echoerr.KeysAbsent
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("prekey: parse current spk id: %w", err)
	}
	return s.ResolveSignedPrekey(ctx, ownerID, uint32(id))
}

// ResolveSignedPrekey loads the signed prekey with the given id, whether or
// not it is the current one. Rotation never deletes a previous id, so a
// PreKeyMessage built against a bundle fetched just before a rotation still
// resolves here instead of being rejected.
func (s *Store) ResolveSignedPrekey(ctx context.Context, ownerID string, id uint32) (*SignedPrekey, error) {
	raw, ok, err := s.secrets.Get(ctx, ownerID+"_"+spkKey(id))
	if err != nil {
		return nil, fmt.Errorf("prekey: load signed prekey %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("prekey: signed prekey %d not found: %w", id, echoerr.InvalidPrekeyRef)
	}
	var w signedPrekeyWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("prekey: unmarshal signed prekey %d: %w", id, err)
	}
	return fromWireSPK(w)
}

// RotateSignedPrekey allocates currentSpkId+1 (or 1 if none exists yet),
// persists the new keypair, and sets it current. Previous signed prekey ids
// remain resolvable for in-flight messages — rotation never deletes them.
func (s *Store) RotateSignedPrekey(ctx context.Context, ownerID string, id5 *identity.KeyPair, validity time.Duration) (*SignedPrekey, error) {
	var nextID uint32 = 1
	if current, err := s.CurrentSignedPrekey(ctx, ownerID); err == nil {
		nextID = current.ID + 1
	} else if err != echoerr.KeysAbsent {
		return nil, err
	}

	sp, err := NewSignedPrekey(nextID, id5, s.clock.Now(), validity)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(sp.toWire())
	if err != nil {
		return nil, fmt.Errorf("prekey: marshal signed prekey: %w", err)
	}
	if err := s.secrets.Put(ctx, ownerID+"_"+spkKey(sp.ID), string(blob)); err != nil {
		return nil, fmt.Errorf("prekey: persist signed prekey: %w", err)
	}
	if err := s.secrets.Put(ctx, ownerID+"_"+currentSPKIDKey, strconv.FormatUint(uint64(sp.ID), 10)); err != nil {
		return nil, fmt.Errorf("prekey: persist current spk id: %w", err)
	}
	return sp, nil
}

type oneTimePrekeyWire struct {
	ID        uint32    `json:"id"`
	Public    string    `json:"public"`
	Private   string    `json:"private"`
	CreatedAt time.Time `json:"createdAt"`
	Consumed  bool      `json:"consumed"`
}

// GenerateOneTimePrekeys allocates ids [nextOtpId, nextOtpId+count), saves
// each under otp_<id>, and advances nextOtpId. Ids are never reused.
func (s *Store) GenerateOneTimePrekeys(ctx context.Context, ownerID string, count int) ([]*OneTimePrekey, error) {
	start, err := s.nextOTPID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]*OneTimePrekey, 0, count)
	for i := 0; i < count; i++ {
		id := start + uint32(i)
		otp, err := NewOneTimePrekey(id, s.clock.Now())
		if err != nil {
			return nil, err
		}
		w := oneTimePrekeyWire{
			ID:        otp.ID,
			Public:    base64.StdEncoding.EncodeToString(otp.Public[:]),
			Private:   base64.StdEncoding.EncodeToString(otp.private[:]),
			CreatedAt: otp.CreatedAt,
		}
		blob, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("prekey: marshal otp: %w", err)
		}
		if err := s.secrets.Put(ctx, ownerID+"_"+otpKey(id), string(blob)); err != nil {
			return nil, fmt.Errorf("prekey: persist otp %d: %w", id, err)
		}
		out = append(out, otp)
	}

	if err := s.secrets.Put(ctx, ownerID+"_"+nextOTPIDKey, strconv.FormatUint(uint64(start+uint32(count)), 10)); err != nil {
		return nil, fmt.Errorf("prekey: advance next otp id: %w", err)
	}
	return out, nil
}

func (s *Store) nextOTPID(ctx context.Context, ownerID string) (uint32, error) {
	raw, ok, err := s.secrets.Get(ctx, ownerID+"_"+nextOTPIDKey)
	if err != nil {
		return 0, fmt.Errorf("prekey: load next otp id: %w", err)
	}
	if !ok {
		return 1, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("prekey: parse next otp id: %w", err)
	}
	return uint32(id), nil
}

// ConsumeOneTimePrekey marks the given one-time prekey consumed and deletes
// its storage entry, returning it so the caller can use its private scalar
// for the responder side of X3DH before it is wiped.
func (s *Store) ConsumeOneTimePrekey(ctx context.Context, ownerID string, id uint32) (*OneTimePrekey, error) {
	raw, ok, err := s.secrets.Get(ctx, ownerID+"_"+otpKey(id))
	if err != nil {
		return nil, fmt.Errorf("prekey: load otp %d: %w", id, err)
	}
	if !ok {
		return nil, nil // tolerated: caller falls back to 3-DH
	}
	var w oneTimePrekeyWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("prekey: unmarshal otp %d: %w", id, err)
	}
	pub, err := base64.StdEncoding.DecodeString(w.Public)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("prekey: corrupt otp %d public", id)
	}
	priv, err := base64.StdEncoding.DecodeString(w.Private)
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("prekey: corrupt otp %d private", id)
	}
	otp := &OneTimePrekey{ID: id, CreatedAt: w.CreatedAt, Consumed: true}
	copy(otp.Public[:], pub)
	copy(otp.private[:], priv)

	if err := s.secrets.Delete(ctx, ownerID+"_"+otpKey(id)); err != nil {
		return nil, fmt.Errorf("prekey: delete otp %d: %w", id, err)
	}
	return otp, nil
}

// PublishBundle uploads the public halves of the given keys via svc.
func (s *Store) PublishBundle(ctx context.Context, ownerID string, id5 *identity.KeyPair, signed *SignedPrekey, oneTime []*OneTimePrekey, svc RemoteService) error {
	return svc.UploadPreKeys(ctx, ownerID, id5.Public(), signed, oneTime)
}

// ReplenishIfBelow queries the remote one-time prekey count; if it is below
// threshold, generates and publishes batch more. Idempotent when the remote
// count is already >= threshold.
func (s *Store) ReplenishIfBelow(ctx context.Context, ownerID string, id5 *identity.KeyPair, svc RemoteService, threshold, batch int) error {
	count, err := svc.CheckPreKeyCount(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("prekey: check remote count: %w", err)
	}
	metrics.PreKeysRemaining.WithLabelValues(ownerID).Set(float64(count))
	if count >= threshold {
		return nil
	}

	fresh, err := s.GenerateOneTimePrekeys(ctx, ownerID, batch)
	if err != nil {
		return err
	}
	signed, err := s.CurrentSignedPrekey(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := s.PublishBundle(ctx, ownerID, id5, signed, fresh, svc); err != nil {
		return err
	}
	metrics.PreKeysReplenished.Inc()
	metrics.PreKeysRemaining.WithLabelValues(ownerID).Set(float64(count + len(fresh)))
	return nil
}
