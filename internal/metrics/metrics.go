// Package metrics collects authentication metrics and exposes them to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records auth outcomes. It satisfies auth.Recorder.
type Collector struct {
	attempts       *prometheus.CounterVec
	identitiesNew  *prometheus.CounterVec
	identityRaces  *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
	oauthDuration  *prometheus.HistogramVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unifiedauth_auth_attempts_total",
			Help: "Authentication attempts by flow and outcome.",
		}, []string{"flow", "outcome"}),
		identitiesNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unifiedauth_identities_created_total",
			Help: "Identities created, by originating provider.",
		}, []string{"provider"}),
		identityRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unifiedauth_identity_races_total",
			Help: "Concurrent first logins that lost the uniqueness race and were resolved by re-reading.",
		}, []string{"flow"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unifiedauth_notify_failures_total",
			Help: "Notifications that could not be delivered.",
		}, []string{"kind"}),
		oauthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unifiedauth_oauth_duration_seconds",
			Help:    "Time spent on the provider code exchange and profile fetch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unifiedauth_http_responses_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.attempts,
		c.identitiesNew,
		c.identityRaces,
		c.notifyFailures,
		c.oauthDuration,
		c.httpStatus,
	)

	return c
}

// RecordAttempt counts one attempt of flow ending in outcome.
func (c *Collector) RecordAttempt(flow, outcome string) {
	c.attempts.WithLabelValues(flow, outcome).Inc()
}

// RecordIdentityCreated counts a new identity.
func (c *Collector) RecordIdentityCreated(provider string) {
	c.identitiesNew.WithLabelValues(provider).Inc()
}

// RecordIdentityRace counts a lost uniqueness race.
func (c *Collector) RecordIdentityRace(flow string) {
	c.identityRaces.WithLabelValues(flow).Inc()
}

// RecordNotifyFailure counts a swallowed notification error.
func (c *Collector) RecordNotifyFailure(kind string) {
	c.notifyFailures.WithLabelValues(kind).Inc()
}

// RecordOAuthDuration observes the provider round-trip time.
func (c *Collector) RecordOAuthDuration(provider string, d time.Duration) {
	c.oauthDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordHTTPStatus counts a response status code.
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
