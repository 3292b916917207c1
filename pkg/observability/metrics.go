// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the restgate admission layer.
package observability

import "github.com/prometheus/client_golang/prometheus"

// AuthBuckets defines histogram buckets for request latencies. Admission
// itself is sub-millisecond; the upper buckets cover ticket tables backed by
// Postgres or Redis.
var AuthBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: AuthBuckets,
		},
		[]string{"method"},
	)

	// AuthDecisionsTotal counts authentication chain verdicts. The provider
	// label is "none" when every provider abstained.
	AuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_auth_decisions_total",
			Help: "Authentication decisions",
		},
		[]string{"provider", "outcome", "reason"},
	)

	// TicketsIssuedTotal counts tickets handed out by the ticket provider.
	TicketsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "restgate_tickets_issued_total",
			Help: "Tickets issued",
		},
	)

	// TicketRedemptionsTotal counts redemption attempts by result
	// ("accepted" or a rejection reason).
	TicketRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restgate_ticket_redemptions_total",
			Help: "Ticket redemption attempts",
		},
		[]string{"result"},
	)

	// TicketsSweptTotal counts tickets removed by expiry eviction.
	TicketsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "restgate_tickets_swept_total",
			Help: "Expired tickets evicted",
		},
	)

	// TicketsLive tracks tickets currently held by the in-memory table.
	TicketsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "restgate_tickets_live",
			Help: "Tickets held in memory",
		},
	)

	// KeyRotationsTotal counts signing key rotations.
	KeyRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "restgate_key_rotations_total",
			Help: "Signing key rotations",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the failure limiter.
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "restgate_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthDecisionsTotal,
		TicketsIssuedTotal,
		TicketRedemptionsTotal,
		TicketsSweptTotal,
		TicketsLive,
		KeyRotationsTotal,
		RateLimitRejectedTotal,
	)
}
