package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
		[]string{"server_id"},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_websocket_messages_total",
			Help: "Total number of WebSocket messages processed",
		},
		[]string{"server_id", "message_type", "direction"},
	)

	// API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Pre-key metrics
	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_prekeys_remaining",
			Help: "Number of unused pre-keys remaining per user",
		},
		[]string{"user_id"},
	)

	PreKeysReplenished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_prekeys_replenished_total",
			Help: "Total number of pre-key batches replenished",
		},
	)

	// Ratchet metrics
	RatchetEncryptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_ratchet_encrypt_total",
			Help: "Total number of messages encrypted by the double ratchet",
		},
	)

	RatchetDecryptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ratchet_decrypt_total",
			Help: "Total number of messages decrypted by the double ratchet, by path taken",
		},
		[]string{"path"}, // skipped, current_chain, previous_chain, dh_ratchet
	)

	RatchetDHRatchetTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_ratchet_dh_ratchet_total",
			Help: "Total number of DH ratchet turns performed",
		},
	)

	RatchetSkippedKeysGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_ratchet_skipped_keys",
			Help: "Current number of retained skipped message keys per session",
		},
		[]string{"session_id"},
	)

	RatchetSkippedKeysEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ratchet_skipped_keys_evicted_total",
			Help: "Total number of skipped message keys evicted, by reason",
		},
		[]string{"reason"}, // expired, capacity
	)

	// Session manager metrics
	SessionEstablishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_session_established_total",
			Help: "Total number of ratchet sessions established, by role",
		},
		[]string{"role"}, // initiator, responder
	)

	SessionCacheHitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_session_cache_hit_total",
			Help: "Total number of session-cache lookups, by outcome",
		},
		[]string{"outcome"}, // hit, miss, eject
	)

	SessionVersionMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_session_version_mismatch_total",
			Help: "Total number of persisted sessions rejected for an unsupported state version",
		},
	)

	// Guard metrics (replay, sequence, rate limit)
	GuardReplayRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_guard_replay_rejected_total",
			Help: "Total number of messages rejected as replays of a seen message id",
		},
	)

	GuardSequenceRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_guard_sequence_rejected_total",
			Help: "Total number of messages rejected for a non-monotonic sequence number",
		},
	)

	GuardTimestampRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_guard_timestamp_rejected_total",
			Help: "Total number of messages rejected for a timestamp outside the allowed window",
		},
		[]string{"direction"}, // future, past
	)

	GuardRateLimitRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_guard_rate_limit_rejected_total",
			Help: "Total number of operations rejected by the per-caller token bucket",
		},
	)

	// Sealed sender / X3DH metrics
	SealedSenderUnsealFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_sealed_sender_unseal_failures_total",
			Help: "Total number of sealed envelope unseal failures, by reason",
		},
		[]string{"reason"}, // bad_cert, expired_cert, decrypt_failed
	)

	X3DHSessionsInitiatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_x3dh_sessions_initiated_total",
			Help: "Total number of X3DH key agreements performed as initiator",
		},
	)

	// Media key chain metrics
	MediaKeyChainAdvanceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_media_key_chain_advance_total",
			Help: "Total number of media key chain advances",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRatchetEncrypt records a single ratchet-encrypted message.
func RecordRatchetEncrypt() {
	RatchetEncryptTotal.Inc()
}

// RecordRatchetDecrypt records a decrypt by the path it resolved through.
func RecordRatchetDecrypt(path string) {
	RatchetDecryptTotal.WithLabelValues(path).Inc()
}

// RecordDHRatchet records one full DH ratchet turn.
func RecordDHRatchet() {
	RatchetDHRatchetTotal.Inc()
}

// UpdateSkippedKeysGauge sets the current skipped-key count for a session.
func UpdateSkippedKeysGauge(sessionID string, count int) {
	RatchetSkippedKeysGauge.WithLabelValues(sessionID).Set(float64(count))
}

// RecordSkippedKeyEvicted records a skipped key leaving the store.
func RecordSkippedKeyEvicted(reason string) {
	RatchetSkippedKeysEvictedTotal.WithLabelValues(reason).Inc()
}

// RecordSessionEstablished records a ratchet session coming into existence.
func RecordSessionEstablished(role string) {
	SessionEstablishedTotal.WithLabelValues(role).Inc()
}

// RecordSessionCacheOutcome records a session-cache lookup result.
func RecordSessionCacheOutcome(outcome string) {
	SessionCacheHitTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionVersionMismatch records a rejected persisted-state version.
func RecordSessionVersionMismatch() {
	SessionVersionMismatchTotal.Inc()
}

// RecordReplayRejected records a message dropped as a replay.
func RecordReplayRejected() {
	GuardReplayRejectedTotal.Inc()
}

// RecordSequenceRejected records a message dropped for a bad sequence number.
func RecordSequenceRejected() {
	GuardSequenceRejectedTotal.Inc()
}

// RecordTimestampRejected records a message dropped for a timestamp outside
// the allowed window, in the given direction ("future" or "past").
func RecordTimestampRejected(direction string) {
	GuardTimestampRejectedTotal.WithLabelValues(direction).Inc()
}

// RecordGuardRateLimitRejected records a request denied by the token bucket.
func RecordGuardRateLimitRejected() {
	GuardRateLimitRejectedTotal.Inc()
}

// RecordSealedSenderUnsealFailure records a sealed envelope that failed to unseal.
func RecordSealedSenderUnsealFailure(reason string) {
	SealedSenderUnsealFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordX3DHSessionInitiated records an X3DH agreement performed as initiator.
func RecordX3DHSessionInitiated() {
	X3DHSessionsInitiatedTotal.Inc()
}

// RecordMediaKeyChainAdvance records a media key chain advance.
func RecordMediaKeyChainAdvance() {
	MediaKeyChainAdvanceTotal.Inc()
}
