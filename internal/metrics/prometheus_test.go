package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSigned("EOA", 10)
	m.RecordSubmitted("EOA", 9)
	m.RecordFailed("EOA", 1)
	m.RecordFundedAccounts(4)
	m.SetRunTPS(12.5)
	m.SetPendingTxs(3)
	m.ObserveBatch(0.2)

	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("signed", "EOA")); got != 10 {
		t.Errorf("signed = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("submitted", "EOA")); got != 9 {
		t.Errorf("submitted = %v, want 9", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("failed", "EOA")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FundedAccounts); got != 4 {
		t.Errorf("funded accounts = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.RunTPS); got != 12.5 {
		t.Errorf("run tps = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(m.PendingTxs); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.BatchLatency); got != 1 {
		t.Errorf("batch latency series = %d, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	h := handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a non-empty exposition body")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}
