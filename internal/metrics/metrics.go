package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshes counts refresh attempts by result:
	// "ok", "needs_reauth", "transient".
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmirror_token_refreshes_total",
		Help: "OAuth refresh attempts by result.",
	}, []string{"result"})

	// ProviderRequests counts remote mailbox calls by operation and outcome.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmirror_provider_requests_total",
		Help: "Mailbox provider requests by operation and outcome.",
	}, []string{"op", "outcome"})

	// MessagesIngested counts messages newly persisted by the sync engine.
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailmirror_messages_ingested_total",
		Help: "Messages newly persisted into the local mirror.",
	})

	// SyncRuns counts sync runs by result: "ok", "needs_reauth", "error".
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmirror_sync_runs_total",
		Help: "Sync runs by result.",
	}, []string{"result"})

	// EventsPublished counts outbox events delivered to NATS.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailmirror_events_published_total",
		Help: "Ingestion events published to NATS.",
	})
)
