// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputeflow_transitions_total",
			Help: "Dispute state transitions applied",
		},
		[]string{"op", "from_state", "to_state"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputeflow_rejections_total",
			Help: "Operations refused by a guard, by failure kind",
		},
		[]string{"op", "kind"},
	)

	Finalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputeflow_finalized_total",
			Help: "Disputes that reached a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	CounterFeesEth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disputeflow_counter_fees_eth_total",
		Help: "Counter-proposal fees collected into the protocol reserve",
	})

	BurnedEth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disputeflow_burned_eth_total",
		Help: "Stake sent to the burn sink on mutual timeout",
	})

	IncentivesEth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disputeflow_incentives_eth_total",
		Help: "Non-participation incentives paid from the protocol reserve",
	})

	SubsidiesEth = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disputeflow_subsidies_eth_total",
		Help: "Subsidies paid from the protocol reserve",
	})

	ScoreUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputeflow_score_updates_total",
			Help: "Harassment score mutations by direction",
		},
		[]string{"direction"},
	)

	SweeperEnforced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disputeflow_sweeper_enforced_total",
		Help: "Timeouts enforced by the background sweeper",
	})

	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputeflow_outbox_published_total",
			Help: "Outbox messages handed to the publisher, by result",
		},
		[]string{"topic", "result"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "disputeflow_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(Transitions)
	prometheus.MustRegister(Rejections)
	prometheus.MustRegister(Finalized)
	prometheus.MustRegister(CounterFeesEth)
	prometheus.MustRegister(BurnedEth)
	prometheus.MustRegister(IncentivesEth)
	prometheus.MustRegister(SubsidiesEth)
	prometheus.MustRegister(ScoreUpdates)
	prometheus.MustRegister(SweeperEnforced)
	prometheus.MustRegister(OutboxPublished)
	prometheus.MustRegister(HTTPDuration)
}

// Ether converts wei into a float suitable for a counter. Precision loss is
// acceptable for dashboards; the ledger stays exact.
func Ether(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -18).InexactFloat64()
}

// AddEther adds a wei amount to an ether counter.
func AddEther(c prometheus.Counter, wei *big.Int) {
	if wei == nil || wei.Sign() <= 0 {
		return
	}
	c.Add(Ether(wei))
}
