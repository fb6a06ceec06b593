package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_webhook_events_total", Help: "Webhook platform events by outcome"},
		[]string{"channel", "result"},
	)
	SignatureRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_signature_rejections_total", Help: "Webhook deliveries rejected by signature check"},
		[]string{"channel"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_send_total", Help: "Outbound send outcomes"},
		[]string{"channel", "result"},
	)
	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "omnigate_send_latency_seconds", Help: "Outbound send latency including retries"},
		[]string{"channel"},
	)
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_status_transitions_total", Help: "Delivery status updates by result"},
		[]string{"result"},
	)
	Orphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_orphan_statuses_total", Help: "Orphan status updates by outcome"},
		[]string{"result"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_rate_limited_total", Help: "Sends deferred by rate limiting"},
		[]string{"scope"},
	)
	ThreadConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "omnigate_thread_conflicts_total", Help: "Optimistic retries during thread resolution"},
	)
	RealtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "omnigate_realtime_dropped_total", Help: "Realtime events dropped for slow sessions"},
	)
	Tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "omnigate_tasks_total", Help: "Task queue handler outcomes"},
		[]string{"task", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests, WebhookEvents, SignatureRejections, Sends, SendLatency,
		StatusTransitions, Orphans, RateLimited, ThreadConflicts, RealtimeDropped, Tasks,
	)
}
