package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_online_conns",
		Help: "Current authenticated websocket connections on this node.",
	})
	AnonymousConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_realtime_anonymous_conns",
		Help: "Current unauthenticated websocket connections on this node.",
	})
	ConnectRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_realtime_connect_rejected_total",
		Help: "Connections closed during the handshake, by reason.",
	}, []string{"reason"})

	EnvelopesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_envelopes_sent_total",
		Help: "Total envelopes written to realtime connections.",
	})
	EnvelopesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_envelopes_acked_total",
		Help: "Total envelopes acknowledged by clients.",
	})
	DrainErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_drain_errors_total",
		Help: "Total failed queue reads during a drain pass.",
	})
	ConsumerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_consumer_conflicts_total",
		Help: "Total sessions superseded by a newer connection for the same device.",
	})
	DisconnectRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_disconnect_requests_total",
		Help: "Total disconnection requests delivered to a local session.",
	})
	EphemeralDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_ephemeral_dropped_total",
		Help: "Total ephemeral envelopes dropped because no session could take them.",
	})

	MessagesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_messages_queued_total",
		Help: "Total envelopes appended to device queues.",
	})
	PushResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_realtime_push_total",
		Help: "Push notification outcomes by provider and outcome.",
	}, []string{"provider", "outcome"})
	PushDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_push_dropped_total",
		Help: "Total push tasks dropped because the push queue was full.",
	})

	ReceiptsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_receipts_sent_total",
		Help: "Total delivery receipt envelopes enqueued.",
	})
	ReceiptsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_receipts_failed_total",
		Help: "Total delivery receipts dropped on error.",
	})

	IdlePrimaryWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_idle_primary_warnings_total",
		Help: "Total linked-device connections advised that the primary device is idle.",
	})

	PersistedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_persisted_messages_total",
		Help: "Total envelopes migrated from the short-term to the long-term queue tier.",
	})
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_realtime_persist_failures_total",
		Help: "Total queue migrations that failed and will be retried.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, AnonymousConns, ConnectRejected,
		EnvelopesSent, EnvelopesAcked, DrainErrors, ConsumerConflicts, DisconnectRequests, EphemeralDropped,
		MessagesQueued, PushResults, PushDropped,
		ReceiptsSent, ReceiptsFailed,
		IdlePrimaryWarnings,
		PersistedMessages, PersistFailures,
	)
}
