package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/metrics"
)

func TestRecordFunctionsDoNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.RecordRatchetEncrypt()
		metrics.RecordRatchetDecrypt("current_chain")
		metrics.RecordDHRatchet()
		metrics.UpdateSkippedKeysGauge("sess-1", 3)
		metrics.RecordSkippedKeyEvicted("expired")
		metrics.RecordSessionEstablished("initiator")
		metrics.RecordSessionCacheOutcome("hit")
		metrics.RecordSessionVersionMismatch()
		metrics.RecordReplayRejected()
		metrics.RecordSequenceRejected()
		metrics.RecordTimestampRejected("future")
		metrics.RecordGuardRateLimitRejected()
		metrics.RecordSealedSenderUnsealFailure("expired_envelope")
		metrics.RecordX3DHSessionInitiated()
		metrics.RecordMediaKeyChainAdvance()
	})
}

func TestRecordRatchetEncryptIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.RatchetEncryptTotal)
	metrics.RecordRatchetEncrypt()
	after := testutil.ToFloat64(metrics.RatchetEncryptTotal)
	require.Equal(t, before+1, after)
}

func TestUpdateSkippedKeysGaugeSetsValue(t *testing.T) {
	metrics.UpdateSkippedKeysGauge("sess-gauge-test", 7)
	got := testutil.ToFloat64(metrics.RatchetSkippedKeysGauge.WithLabelValues("sess-gauge-test"))
	require.Equal(t, float64(7), got)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	handler := metrics.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/teapot", "418"))

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/teapot", "418"))
	require.Equal(t, before+1, after)
}
