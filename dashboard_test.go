package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDashboard(t *testing.T) (*Store, http.Handler) {
	t.Helper()
	s := newTestStore(t)
	return s, NewDashboard(s, newTestHistory(t), discardLogger()).Routes()
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	if rr.Code == http.StatusOK && v != nil {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
	}
	return rr.Code
}

func TestDashboardCounts(t *testing.T) {
	s, h := newTestDashboard(t)
	_, err := s.Enqueue("a", 3)
	require.NoError(t, err)
	buryJob(t, s, "b")

	var counts map[string]int
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/jobs", &counts))
	assert.Equal(t, map[string]int{"pending": 1, "processing": 0, "completed": 0, "dead": 1}, counts)
}

func TestDashboardJobsByState(t *testing.T) {
	s, h := newTestDashboard(t)
	dead := buryJob(t, s, "b")

	var jobs []Job
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/jobs/dead", &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, dead.ID, jobs[0].ID)

	jobs = nil
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/jobs/completed", &jobs))
	assert.Empty(t, jobs)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/api/jobs/bogus", nil))
}

func TestDashboardDLQAndHistory(t *testing.T) {
	s, h := newTestDashboard(t)
	buryJob(t, s, "b")

	var dlq []Job
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/dlq", &dlq))
	assert.Len(t, dlq, 1)

	var stats Stats
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/stats", &stats))
	assert.Zero(t, stats.TotalProcessed)

	var execs []Execution
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/executions?limit=5", &execs))
	assert.Empty(t, execs)

	assert.Equal(t, http.StatusOK, getJSON(t, h, "/", nil))
}

func TestDashboardCapsExecutionsLimit(t *testing.T) {
	hist := newTestHistory(t)
	h := NewDashboard(newTestStore(t), hist, discardLogger()).Routes()

	start := time.Now().UTC()
	for i := 0; i < maxExecutionsLimit+5; i++ {
		require.NoError(t, hist.RecordExecution(Execution{
			JobID: strconv.Itoa(i), Attempt: 1, StartedAt: start, FinishedAt: start, Success: true,
		}))
	}

	var execs []Execution
	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/executions?limit=100000", &execs))
	assert.Len(t, execs, maxExecutionsLimit)

	require.Equal(t, http.StatusOK, getJSON(t, h, "/api/executions?limit=3", &execs))
	assert.Len(t, execs, 3)
}
