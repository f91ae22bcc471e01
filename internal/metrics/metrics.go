package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botbid_ledger_transfers_total",
		Help: "Total number of applied ledger transfers",
	})

	TransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botbid_transactions_total",
		Help: "Transactions by terminal-or-current status",
	}, []string{"status"})

	BidsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botbid_bids_total",
		Help: "Bid placements by outcome",
	}, []string{"outcome"})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botbid_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})

	WebhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "botbid_webhook_delivery_seconds",
		Help:    "Outbound webhook call duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		TransfersTotal,
		TransactionsTotal,
		BidsTotal,
		WebhookDeliveries,
		WebhookDuration,
	)
}
