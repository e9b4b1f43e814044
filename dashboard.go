package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dashboard serves read-only JSON views of the queue over HTTP.
type Dashboard struct {
	store   *Store
	history *History
	logger  *slog.Logger
}

func NewDashboard(store *Store, history *History, logger *slog.Logger) *Dashboard {
	return &Dashboard{store: store, history: history, logger: logger}
}

func (d *Dashboard) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", d.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", d.handleCounts)
		r.Get("/jobs/{state}", d.handleJobsByState)
		r.Get("/dlq", d.handleDLQ)
		r.Get("/stats", d.handleStats)
		r.Get("/executions", d.handleExecutions)
	})
	return r
}

// ListenAndServe blocks serving the dashboard on port.
func (d *Dashboard) ListenAndServe(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           d.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	d.logger.Info("dashboard listening", "addr", "http://localhost"+srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Dashboard) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := d.store.CountByState()
	if err != nil {
		d.fail(w, err)
		return
	}
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	writeJSON(w, out)
}

func (d *Dashboard) handleJobsByState(w http.ResponseWriter, r *http.Request) {
	state, err := ParseJobState(chi.URLParam(r, "state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := d.store.ListByState(state)
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, nonNil(jobs))
}

func (d *Dashboard) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.store.ListDead()
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, nonNil(jobs))
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.history.Stats()
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, stats)
}

const maxExecutionsLimit = 500

func (d *Dashboard) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = min(l, maxExecutionsLimit)
		}
	}
	execs, err := d.history.RecentExecutions(limit)
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, nonNil(execs))
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (d *Dashboard) fail(w http.ResponseWriter, err error) {
	d.logger.Error("dashboard request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
	<title>queuectl</title>
	<style>
	body { font-family: sans-serif; margin: 20px; background: #0d1117; color: #e6edf3; }
	pre { background: #161b22; padding: 12px; border-radius: 6px; }
	h2 { color: #58a6ff; }
	</style>
</head>
<body>
	<h1>queuectl</h1>
	<h2>Jobs</h2><pre id="jobs"></pre>
	<h2>Stats</h2><pre id="stats"></pre>
	<h2>Recent executions</h2><pre id="executions"></pre>
	<script>
	function load(path, id) {
		fetch(path).then(r => r.json()).then(d => {
			document.getElementById(id).textContent = JSON.stringify(d, null, 2);
		});
	}
	function refresh() {
		load('/api/jobs', 'jobs');
		load('/api/stats', 'stats');
		load('/api/executions?limit=10', 'executions');
	}
	refresh();
	setInterval(refresh, 5000);
	</script>
</body>
</html>
`
