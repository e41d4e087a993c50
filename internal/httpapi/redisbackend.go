package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/identity"
	"github.com/jaydenbeard/echo-core/internal/prekey"
)

// RedisBackend implements Backend against a shared Redis instance: the
// one-time prekey pool is a Redis list, claimed atomically with LPOP so
// concurrent bundle fetches never hand out the same OPK twice. Identity and
// signed-prekey records are namespaced per owner and written with a
// pipeline.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func identityKey(ownerID string) string     { return "remote_identity_" + ownerID }
func signedPrekeyKey(ownerID string) string { return "remote_signed_prekey_" + ownerID }
func otpPoolKey(ownerID string) string      { return "remote_otp_pool_" + ownerID }

type storedIdentity struct {
	Ed25519 string `json:"ed25519"`
	X25519  string `json:"x25519"`
}

type storedSignedPrekey struct {
	ID        uint32    `json:"id"`
	Public    string    `json:"public"`
	Signature string    `json:"signature"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type storedOTP struct {
	ID     uint32 `json:"id"`
	Public string `json:"public"`
}

// UploadPreKeys idempotently overwrites identity/signed-prekey metadata and
// appends fresh one-time prekeys to the owner's pool.
func (b *RedisBackend) UploadPreKeys(ctx context.Context, ownerID string, identityPub identity.PublicKey, signed *prekey.SignedPrekey, oneTime []*prekey.OneTimePrekey) error {
	idBlob, err := json.Marshal(storedIdentity{
		Ed25519: toB64(identityPub.Ed25519),
		X25519:  toB64(identityPub.X25519[:]),
	})
	if err != nil {
		return err
	}
	spBlob, err := json.Marshal(storedSignedPrekey{
		ID:        signed.ID,
		Public:    toB64(signed.Public[:]),
		Signature: toB64(signed.Signature[:]),
		ExpiresAt: signed.ExpiresAt,
	})
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, identityKey(ownerID), idBlob, 0)
	pipe.Set(ctx, signedPrekeyKey(ownerID), spBlob, 0)
	for _, otp := range oneTime {
		otpBlob, err := json.Marshal(storedOTP{ID: otp.ID, Public: toB64(otp.Public[:])})
		if err != nil {
			return err
		}
		pipe.RPush(ctx, otpPoolKey(ownerID), otpBlob)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("httpapi: upload prekeys: %w: %v", echoerr.Unavailable, err)
	}
	return nil
}

// GetPreKeyBundle atomically claims and removes one one-time prekey via
// LPOP (absence is not an error — the bundle simply omits the field), and
// reads the owner's current identity and signed prekey.
func (b *RedisBackend) GetPreKeyBundle(ctx context.Context, recipientID string) (prekey.Bundle, error) {
	idRaw, err := b.client.Get(ctx, identityKey(recipientID)).Result()
	if err == redis.Nil {
		return prekey.Bundle{}, echoerr.KeysAbsent
	}
	if err != nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: load identity: %w: %v", echoerr.Unavailable, err)
	}
	var sid storedIdentity
	if err := json.Unmarshal([]byte(idRaw), &sid); err != nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: corrupt identity record")
	}

	spRaw, err := b.client.Get(ctx, signedPrekeyKey(recipientID)).Result()
	if err == redis.Nil {
		return prekey.Bundle{}, echoerr.KeysAbsent
	}
	if err != nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: load signed prekey: %w: %v", echoerr.Unavailable, err)
	}
	var ssp storedSignedPrekey
	if err := json.Unmarshal([]byte(spRaw), &ssp); err != nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: corrupt signed prekey record")
	}

	var bundle prekey.Bundle
	edBytes, err := fromB64(sid.Ed25519)
	if err != nil {
		return prekey.Bundle{}, err
	}
	bundle.Identity.Ed25519 = edBytes
	if err := fromB64Array(sid.X25519, bundle.Identity.X25519[:]); err != nil {
		return prekey.Bundle{}, err
	}
	bundle.SignedPrekeyID = ssp.ID
	if err := fromB64Array(ssp.Public, bundle.SignedPrekey[:]); err != nil {
		return prekey.Bundle{}, err
	}
	if err := fromB64Array(ssp.Signature, bundle.SignedPrekeySig[:]); err != nil {
		return prekey.Bundle{}, err
	}
	bundle.SignedPrekeyExp = ssp.ExpiresAt

	otpRaw, err := b.client.LPop(ctx, otpPoolKey(recipientID)).Result()
	if err != nil && err != redis.Nil {
		return prekey.Bundle{}, fmt.Errorf("httpapi: claim otp: %w: %v", echoerr.Unavailable, err)
	}
	if err == nil {
		var sotp storedOTP
		if err := json.Unmarshal([]byte(otpRaw), &sotp); err == nil {
			var pub [32]byte
			if err := fromB64Array(sotp.Public, pub[:]); err == nil {
				id := sotp.ID
				bundle.OneTimePrekeyID = &id
				bundle.OneTimePrekey = &pub
			}
		}
	}

	return bundle, nil
}

// CheckPreKeyCount reports the current one-time prekey pool depth.
func (b *RedisBackend) CheckPreKeyCount(ctx context.Context, ownerID string) (int, error) {
	n, err := b.client.LLen(ctx, otpPoolKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("httpapi: check count: %w: %v", echoerr.Unavailable, err)
	}
	return int(n), nil
}
