package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	iface "PeopleDetServer/interface"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.ObserveRequest(SurfaceHTTP, "200")
	m.ObserveRequest(SurfaceHTTP, "200")
	m.ObserveRequest(SurfaceGRPC, "error")
	m.ObserveResult(&iface.DetectionResult{Count: 4, ThreatLevel: iface.ThreatHigh}, 20*time.Millisecond)
	m.ObserveResult(&iface.DetectionResult{Count: 1, ThreatLevel: iface.ThreatMedium}, 10*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.RequestCounter(SurfaceHTTP, "200")), 1e-9)
	assert.InDelta(t, 5, testutil.ToFloat64(m.people), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.threats.WithLabelValues("HIGH")), 1e-9)

	m.CheckProcessInfo()
	assert.Positive(t, testutil.ToFloat64(m.memUsage))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "peopledet_requests_total")
	assert.Contains(t, string(body), "peopledet_inference_seconds_bucket")
}

func TestStartMonStops(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartMon(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StartMon did not stop")
	}
}
