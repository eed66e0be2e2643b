// ABOUTME: Prometheus metrics for the messaging core
// ABOUTME: Counters for appends, event fan-out and attachment uploads

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_messages_appended_total",
			Help: "Total messages appended to conversations",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_conversations_created_total",
			Help: "Total conversations created",
		},
	)

	ReadReceipts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_read_receipts_total",
			Help: "Total read-state advances",
		},
	)

	// Broker metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_events_delivered_total",
			Help: "Live events delivered to subscribers",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_events_dropped_total",
			Help: "Live events dropped for slow subscribers",
		},
		[]string{"type"},
	)

	// Upload metrics
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_uploads_total",
			Help: "Attachment uploads by terminal result",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_upload_retries_total",
			Help: "Transient upload failures that triggered a retry",
		},
	)
)
