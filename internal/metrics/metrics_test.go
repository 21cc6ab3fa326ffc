package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
)

func TestObserverCounters(t *testing.T) {
	t.Parallel()
	m := New(false)

	m.TitleStored(dedup.DecisionDuplicate)
	m.TitleStored(dedup.DecisionDuplicate)
	m.TitleStored(dedup.DecisionNewCluster)
	m.BatchRow(dedup.BatchRowKnown)
	m.Reconciled(3)
	m.Reconciled(0)
	m.LockWaited(2 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.titlesSubmitted.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.titlesSubmitted.WithLabelValues("new_cluster")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchRows.WithLabelValues("known")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reconciled))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lockWait))
}

func TestObserveEmbeddingCountsFailures(t *testing.T) {
	t.Parallel()
	m := New(false)
	var observe embedding.ObserveFunc = m.ObserveEmbedding

	observe("http", 10*time.Millisecond, nil)
	observe("http", 20*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.embedFailures.WithLabelValues("http")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.embedDuration))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()
	m := New(false)
	m.ObserveHTTP(http.MethodPost, "/api/v1/titles", http.StatusCreated)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `clearoid_http_requests_total{method="POST",route="/api/v1/titles",status="201"} 1`), body)
}
