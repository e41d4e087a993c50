// Package echoerr defines the closed error-kind set shared by every layer of
// the Echo protocol core. Components never return ad hoc errors for
// conditions this set already names; they wrap one of these sentinels with
// fmt.Errorf("...: %w", ...) so callers can still branch on Kind while the
// message carries call-site detail.
package echoerr

import "errors"

// Kind identifies one of the closed set of error conditions the core can
// surface. It deliberately carries no payload — detail belongs in the
// wrapping error's message, never key bytes, nonces, or plaintext.
var (
	// KeysAbsent is returned when loading identity/prekey material that was
	// never generated.
	KeysAbsent = errors.New("echo: keys absent")

	// SignatureInvalid is returned when a signed prekey fails self-verification.
	SignatureInvalid = errors.New("echo: signature invalid")

	// BundleInvalid is returned when a remote prekey bundle is expired or
	// fails signature verification. Not retryable with the same bundle.
	BundleInvalid = errors.New("echo: bundle invalid")

	// NoSession is returned when a whisper-type message arrives with no
	// established session.
	NoSession = errors.New("echo: no session")

	// InvalidPrekeyRef is returned when a PreKeyMessage references an
	// unknown signed prekey id.
	InvalidPrekeyRef = errors.New("echo: invalid prekey reference")

	// VersionMismatch is returned when a persisted session or wire message
	// carries an unrecognized version. Fatal for that record.
	VersionMismatch = errors.New("echo: version mismatch")

	// SkipExceeded is returned when decrypting a message would skip more
	// keys than MaxSkippedKeys/MaxSkipDistance allow.
	SkipExceeded = errors.New("echo: skip distance exceeded")

	// DecryptFailed is the single generic failure surfaced for any AEAD
	// failure, wrong key, or malformed wire frame. Never more specific —
	// that would be a decryption oracle.
	DecryptFailed = errors.New("echo: decrypt failed")

	// ReplayRejected is returned for a duplicate message id or a timestamp
	// outside the allowed window.
	ReplayRejected = errors.New("echo: replay rejected")

	// SequenceRejected is returned for a non-monotonic sequence number.
	SequenceRejected = errors.New("echo: sequence rejected")

	// RateLimited is returned when a caller has exceeded its rate limit.
	// The caller should retry after the hint carried in the wrapping error.
	RateLimited = errors.New("echo: rate limited")

	// Unavailable is returned for a transient transport/storage failure.
	// Retryable with backoff.
	Unavailable = errors.New("echo: unavailable")
)

// Kind returns the sentinel error errors.Is matches within err, or nil if
// err does not wrap one of this package's kinds.
func Kind(err error) error {
	for _, k := range []error{
		KeysAbsent, SignatureInvalid, BundleInvalid, NoSession,
		InvalidPrekeyRef, VersionMismatch, SkipExceeded, DecryptFailed,
		ReplayRejected, SequenceRejected, RateLimited, Unavailable,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
