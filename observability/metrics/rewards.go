package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RewardsMetrics struct {
	batchesProcessed *prometheus.CounterVec
	batchesRejected  *prometheus.CounterVec
	updatesApplied   prometheus.Counter
	claimsSettled    prometheus.Counter
	claimsCapped     prometheus.Counter
	rewardIndex      prometheus.Gauge
	totalDeposits    prometheus.Gauge
	deficitCarried   prometheus.Gauge
	paidTotal        prometheus.Counter
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			batchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_batches_processed_total",
				Help: "Count of accepted balance-update batches by updater.",
			}, []string{"updater"}),
			batchesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_batches_rejected_total",
				Help: "Count of rejected balance-update batches by reason.",
			}, []string{"reason"}),
			updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_updates_applied_total",
				Help: "Count of individual balance updates applied.",
			}),
			claimsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_claims_settled_total",
				Help: "Count of claim settlements completed.",
			}),
			claimsCapped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_claims_capped_total",
				Help: "Count of claims paid short of the amount due.",
			}),
			rewardIndex: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_global_index",
				Help: "Current global reward index in 1e18 fixed point.",
			}),
			totalDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_total_deposits",
				Help: "Aggregate deposit balance tracked by the controller.",
			}),
			deficitCarried: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_deficit_carried",
				Help: "Reward due but unpaid on the most recent capped claim.",
			}),
			paidTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_paid_total",
				Help: "Cumulative reward paid out across all claims.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.batchesProcessed,
			rewardsRegistry.batchesRejected,
			rewardsRegistry.updatesApplied,
			rewardsRegistry.claimsSettled,
			rewardsRegistry.claimsCapped,
			rewardsRegistry.rewardIndex,
			rewardsRegistry.totalDeposits,
			rewardsRegistry.deficitCarried,
			rewardsRegistry.paidTotal,
		)
	})
	return rewardsRegistry
}

func (m *RewardsMetrics) ObserveBatchProcessed(updater string, updates int) {
	if m == nil {
		return
	}
	if updater == "" {
		updater = "unknown"
	}
	m.batchesProcessed.WithLabelValues(updater).Inc()
	m.updatesApplied.Add(float64(updates))
}

func (m *RewardsMetrics) ObserveBatchRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.batchesRejected.WithLabelValues(reason).Inc()
}

func (m *RewardsMetrics) ObserveClaim(paid float64, capped bool, deficit float64) {
	if m == nil {
		return
	}
	m.claimsSettled.Inc()
	m.paidTotal.Add(paid)
	if capped {
		m.claimsCapped.Inc()
	}
	m.deficitCarried.Set(deficit)
}

func (m *RewardsMetrics) SetGlobalIndex(index float64) {
	if m == nil {
		return
	}
	m.rewardIndex.Set(index)
}

func (m *RewardsMetrics) SetTotalDeposits(amount float64) {
	if m == nil {
		return
	}
	m.totalDeposits.Set(amount)
}
