// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Proxy bundles every counter/histogram the pipeline updates.
type Proxy struct {
	RequestsTotal        prometheus.Counter
	RequestsBlocked      *prometheus.CounterVec
	RequestsRateLimited  prometheus.Counter
	RequestDuration      *prometheus.HistogramVec
	RuleHits             *prometheus.CounterVec
	BotsDetected         *prometheus.CounterVec
	ChallengesIssued     prometheus.Counter
	ChallengesSolved     prometheus.Counter
}

// New registers and returns a fresh Proxy metrics bundle against reg.
func New(reg prometheus.Registerer) *Proxy {
	p := &Proxy{
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "layer7waf_requests_total",
			Help: "Total requests seen by the proxy.",
		}),
		RequestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layer7waf_requests_blocked_total",
			Help: "Requests blocked, labeled by reason.",
		}, []string{"reason"}),
		RequestsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "layer7waf_requests_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "layer7waf_request_duration_seconds",
			Help:    "Request handling duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RuleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layer7waf_rule_hits_total",
			Help: "WAF rule hits, labeled by rule ID.",
		}, []string{"rule_id"}),
		BotsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layer7waf_bots_detected_total",
			Help: "Requests classified as bot traffic, labeled by outcome (blocked or detected).",
		}, []string{"pattern"}),
		ChallengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "layer7waf_challenges_issued_total",
			Help: "Proof-of-work or CAPTCHA challenges issued.",
		}),
		ChallengesSolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "layer7waf_challenges_solved_total",
			Help: "Challenges successfully solved by clients.",
		}),
	}

	reg.MustRegister(
		p.RequestsTotal,
		p.RequestsBlocked,
		p.RequestsRateLimited,
		p.RequestDuration,
		p.RuleHits,
		p.BotsDetected,
		p.ChallengesIssued,
		p.ChallengesSolved,
	)

	return p
}
