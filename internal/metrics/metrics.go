// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts license API requests by operation and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensegate",
		Name:      "requests_total",
		Help:      "License API requests by operation and HTTP status.",
	}, []string{"operation", "status"})

	// DenialsTotal counts business-rule denials by error code, e.g.
	// LICENSE_REVOKED or DOMAIN_CHANGE_LIMIT_EXCEEDED.
	DenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensegate",
		Name:      "denials_total",
		Help:      "License operations rejected by business rules, by error code.",
	}, []string{"code"})

	// RateLimitDenied counts requests rejected by the sliding-window
	// limiter, by class.
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensegate",
		Name:      "rate_limit_denied_total",
		Help:      "Requests denied by the sliding-window rate limiter, by class.",
	}, []string{"class"})

	// RateLimitFailOpen counts checks that passed because the limiter was
	// disabled or its store was unreachable. A non-zero rate in production
	// means abuse protection is off.
	RateLimitFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensegate",
		Name:      "rate_limit_fail_open_total",
		Help:      "Rate limit checks allowed because no limiter store was available.",
	})

	// ExpiryTransitions counts lazy active-to-expired persistence events.
	ExpiryTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensegate",
		Name:      "expiry_transitions_total",
		Help:      "Licenses lazily transitioned from active to expired.",
	})

	// RequestDuration tracks handler latency by operation.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensegate",
		Name:      "request_duration_seconds",
		Help:      "License API handler latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
