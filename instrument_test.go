package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsObserve(t *testing.T) {
	in := NewInstruments()
	in.observe(Result{}, 10*time.Millisecond)
	in.observe(Result{ExitCode: 1, Err: errors.New("exit 1")}, time.Millisecond)
	in.observe(Result{ExitCode: 1, Err: errors.New("exit 1")}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(in.completed))
	assert.Equal(t, 2.0, testutil.ToFloat64(in.failed))

	rr := httptest.NewRecorder()
	in.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "queuectl_jobs_failed_total 2")
	assert.Contains(t, rr.Body.String(), `queuectl_job_duration_seconds_count{outcome="success"} 1`)
}
