package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_proof_uploads_total", Help: "Proof upload outcomes"},
		[]string{"result"},
	)
	TokenConsume = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_token_consume_total", Help: "Token consumption outcomes"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_dispatch_enqueue_total", Help: "SQS dispatch enqueue results"},
		[]string{"result"},
	)
	ChannelSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_channel_send_total", Help: "Channel send outcomes"},
		[]string{"channel", "result"},
	)
	ChannelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "prooflink_channel_send_latency_seconds", Help: "Channel send latency"},
		[]string{"channel"},
	)
	Fallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "prooflink_fallback_total", Help: "Dispatches that fell back to the secondary channel"},
	)
	SweeperReemits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "prooflink_sweeper_reemits_total", Help: "Outbox events re-enqueued by the sweeper"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "prooflink_rate_limited_total", Help: "Requests rejected by the public rate limiter"},
		[]string{"endpoint"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Uploads, TokenConsume, Enqueues,
		ChannelSend, ChannelLatency, Fallbacks, SweeperReemits, RateLimited,
	)
}
