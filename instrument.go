package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments holds the pool's Prometheus collectors on a private registry.
type Instruments struct {
	registry  *prometheus.Registry
	claimed   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	dead      prometheus.Counter
	duration  *prometheus.HistogramVec
}

func NewInstruments() *Instruments {
	in := &Instruments{
		registry: prometheus.NewRegistry(),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuectl_jobs_claimed_total",
			Help: "Jobs claimed by a worker.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuectl_jobs_completed_total",
			Help: "Jobs that exited with status zero.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuectl_jobs_failed_total",
			Help: "Failed execution attempts.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queuectl_jobs_dead_total",
			Help: "Jobs moved to the dead letter queue.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuectl_job_duration_seconds",
			Help:    "Command execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"outcome"}),
	}
	in.registry.MustRegister(in.claimed, in.completed, in.failed, in.dead, in.duration)
	return in
}

func (in *Instruments) observe(res Result, elapsed time.Duration) {
	outcome := "success"
	if !res.Success() {
		outcome = "failure"
		in.failed.Inc()
	} else {
		in.completed.Inc()
	}
	in.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (in *Instruments) Handler() http.Handler {
	return promhttp.HandlerFor(in.registry, promhttp.HandlerOpts{})
}
