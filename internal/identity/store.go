package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/store"
)

// persisted is the JSON shape written under the "identity_" prefix.
// The master seed, not the derived keys, is persisted: reload
// re-derives the same KeyPair deterministically.
type persisted struct {
	Seed [64]byte `json:"seed"`
}

// Store loads and persists identity key pairs through a SecretStore.
type Store struct {
	secrets store.SecretStore
}

// NewStore wraps a SecretStore for identity persistence.
func NewStore(secrets store.SecretStore) *Store {
	return &Store{secrets: secrets}
}

func identityKey(ownerID string) string { return "identity_" + ownerID }

// LoadOrCreate is idempotent: if an identity is already persisted for
// ownerID it is loaded and returned; otherwise seed (if non-nil) or a fresh
// random seed is used to derive and persist a new one. Rotation is
// forbidden — once persisted, Load always returns the same keypair.
func (s *Store) LoadOrCreate(ctx context.Context, ownerID string, seed *[64]byte) (*KeyPair, error) {
	kp, err := s.Load(ctx, ownerID)
	if err == nil {
		return kp, nil
	}
	if err != echoerr.KeysAbsent {
		return nil, err
	}

	var useSeed [64]byte
	if seed != nil {
		useSeed = *seed
	} else {
		useSeed, err = SeedFromReader(randReader{})
		if err != nil {
			return nil, err
		}
	}

	kp, err = NewKeyPair(useSeed)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(persisted{Seed: useSeed})
	if err != nil {
		return nil, fmt.Errorf("identity: marshal: %w", err)
	}
	if err := s.secrets.Put(ctx, identityKey(ownerID), base64.StdEncoding.EncodeToString(blob)); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return kp, nil
}

// Load returns echoerr.KeysAbsent if no identity was ever generated for
// ownerID.
func (s *Store) Load(ctx context.Context, ownerID string) (*KeyPair, error) {
	raw, ok, err := s.secrets.Get(ctx, identityKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("identity: load: %w", err)
	}
	if !ok {
		return nil, echoerr.KeysAbsent
	}
	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}
	return NewKeyPair(p.Seed)
}

type randReader struct{}

func (randReader) Read(p []byte) (int, error) { return store.SystemRandom{}.Read(p) }

// MarshalPublic renders a PublicKey suitable for JSON inter-tier transport,
// the fallback envelope used wherever the binary wire framing doesn't apply.
func MarshalPublic(p PublicKey) ([]byte, error) {
	return json.Marshal(struct {
		KeyID     string `json:"keyId"`
		Ed25519   string `json:"ed25519"`
		X25519    string `json:"x25519"`
		Fingerprint string `json:"fingerprint"`
	}{
		KeyID:       p.KeyID(),
		Ed25519:     base64.StdEncoding.EncodeToString(p.Ed25519),
		X25519:      base64.StdEncoding.EncodeToString(p.X25519[:]),
		Fingerprint: p.Fingerprint(),
	})
}

// UnmarshalPublic parses the JSON form written by MarshalPublic.
func UnmarshalPublic(data []byte) (PublicKey, error) {
	var wire struct {
		Ed25519 string `json:"ed25519"`
		X25519  string `json:"x25519"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return PublicKey{}, fmt.Errorf("identity: unmarshal public: %w", err)
	}
	edBytes, err := base64.StdEncoding.DecodeString(wire.Ed25519)
	if err != nil || len(edBytes) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("identity: invalid ed25519 public key")
	}
	xBytes, err := base64.StdEncoding.DecodeString(wire.X25519)
	if err != nil || len(xBytes) != 32 {
		return PublicKey{}, fmt.Errorf("identity: invalid x25519 public key")
	}
	var pk PublicKey
	pk.Ed25519 = edBytes
	copy(pk.X25519[:], xBytes)
	return pk, nil
}
