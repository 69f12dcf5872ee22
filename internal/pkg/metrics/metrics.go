package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 选举核心的 Prometheus 指标。
var (
	VotesCast = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nacospoll_votes_cast_total",
		Help: "Total number of ballots accepted.",
	})
	VoteRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nacospoll_votes_rejected_total",
		Help: "Ballots rejected, labelled by reason.",
	}, []string{"reason"})
	CodesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nacospoll_codes_issued_total",
		Help: "Verification codes issued, labelled by flow.",
	}, []string{"flow"})
	CodesVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nacospoll_codes_verified_total",
		Help: "Verification code checks, labelled by flow and outcome.",
	}, []string{"flow", "outcome"})
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nacospoll_events_dispatched_total",
		Help: "Inbound chat events dispatched, labelled by kind.",
	}, []string{"kind"})
	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nacospoll_registered_users",
		Help: "Number of verified users.",
	})
)

var initOnce sync.Once

// InitMetrics 注册全部指标到默认 registry，可重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			VotesCast,
			VoteRejected,
			CodesIssued,
			CodesVerified,
			EventsDispatched,
			RegisteredUsers,
		)
	})
}
