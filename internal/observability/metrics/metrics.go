package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "dispatchd_"

var (
	registerOnce sync.Once

	commandsCreated   prometheus.Counter
	commandTransition *prometheus.CounterVec

	commandsClaimed prometheus.Counter
	claimPolls      prometheus.Counter
	leaseExtensions prometheus.Counter
	leaseReleases   prometheus.Counter

	agentRegistrations *prometheus.CounterVec

	hubSubscribers prometheus.Gauge
	queuedCommands prometheus.Gauge
)

// Init registers dispatch metrics and DB-backed gauges. Safe to call once;
// later calls are no-ops.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandsCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_created_total",
				Help: "Total commands submitted by operators",
			},
		)
		commandTransition = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_transitions_total",
				Help: "Total command status transitions by target status",
			},
			[]string{"status"},
		)
		commandsClaimed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_claimed_total",
				Help: "Total commands claimed under a lease",
			},
		)
		claimPolls = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "claim_poll_iterations_total",
				Help: "Total long-poll retry iterations with nothing claimable",
			},
		)
		leaseExtensions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "lease_extensions_total",
				Help: "Total lease extensions",
			},
		)
		leaseReleases = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "lease_releases_total",
				Help: "Total explicit lease releases",
			},
		)
		agentRegistrations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "agent_registrations_total",
				Help: "Total agent registry writes by resulting status",
			},
			[]string{"status"},
		)
		hubSubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "hub_subscribers",
				Help: "Currently connected stream subscribers",
			},
		)
		queuedCommands = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "commands_queued",
				Help: "Commands currently in queued status",
			},
		)

		prometheus.MustRegister(
			commandsCreated,
			commandTransition,
			commandsClaimed,
			claimPolls,
			leaseExtensions,
			leaseReleases,
			agentRegistrations,
			hubSubscribers,
			queuedCommands,
		)

		if db != nil {
			go pollQueueDepth(db, logger)
		}
	})
}

// IncCommandCreated counts one submitted command.
func IncCommandCreated() {
	if commandsCreated != nil {
		commandsCreated.Inc()
	}
}

// IncCommandTransition counts one status transition.
func IncCommandTransition(status string) {
	if commandTransition != nil {
		commandTransition.WithLabelValues(status).Inc()
	}
}

// AddCommandsClaimed counts claimed commands.
func AddCommandsClaimed(count int) {
	if commandsClaimed != nil && count > 0 {
		commandsClaimed.Add(float64(count))
	}
}

// IncClaimPolls counts one empty long-poll iteration.
func IncClaimPolls() {
	if claimPolls != nil {
		claimPolls.Inc()
	}
}

// IncLeaseExtensions counts one lease extension.
func IncLeaseExtensions() {
	if leaseExtensions != nil {
		leaseExtensions.Inc()
	}
}

// IncLeaseReleases counts one lease release.
func IncLeaseReleases() {
	if leaseReleases != nil {
		leaseReleases.Inc()
	}
}

// IncAgentRegistrations counts one agent registry write.
func IncAgentRegistrations(status string) {
	if agentRegistrations != nil {
		agentRegistrations.WithLabelValues(status).Inc()
	}
}

// IncHubSubscribers tracks a subscriber connecting.
func IncHubSubscribers() {
	if hubSubscribers != nil {
		hubSubscribers.Inc()
	}
}

// DecHubSubscribers tracks a subscriber disconnecting.
func DecHubSubscribers() {
	if hubSubscribers != nil {
		hubSubscribers.Dec()
	}
}

func pollQueueDepth(db *sql.DB, logger *log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		var depth int
		err := db.QueryRow(`SELECT COUNT(*) FROM commands WHERE status = 'queued'`).Scan(&depth)
		if err != nil {
			if logger != nil {
				logger.Printf("queue depth poll error: %v", err)
			}
			continue
		}
		if queuedCommands != nil {
			queuedCommands.Set(float64(depth))
		}
	}
}
