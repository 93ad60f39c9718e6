package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	r := newRecorder(prometheus.NewRegistry())

	r.ObserveStage("attach", true, 0, nil)
	r.ObserveStage("install", false, 2*time.Second, nil)
	r.ObserveStage("install", false, time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("attach", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("install", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("install", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.stageDuration))
}

func TestSessionLifecycle(t *testing.T) {
	r := newRecorder(prometheus.NewRegistry())

	done := r.SessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsActive))
	done("completed")

	assert.Equal(t, 0.0, testutil.ToFloat64(r.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsTotal.WithLabelValues("completed")))
}

func TestRelayCounters(t *testing.T) {
	r := newRecorder(prometheus.NewRegistry())
	r.KeepaliveSent()
	r.KeepaliveSent()
	r.LineDropped()
	r.QuestionForwarded()
	r.ObserveWarm("initializing")
	r.ObserveLock("contended")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.keepalivesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.droppedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.questionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.warmTotal.WithLabelValues("initializing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lockTotal.WithLabelValues("contended")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.ObserveProbe("ready", 3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "sandboxd_readiness_probe_attempts_count"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
