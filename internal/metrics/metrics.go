// Package metrics exposes the Prometheus instrumentation and the
// per-replica operational HTTP endpoint (/metrics, /healthz).
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_requests_total",
		Help: "Client requests handled, by command and outcome.",
	}, []string{"replica", "command", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replichat_request_duration_seconds",
		Help:    "Client request handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"replica", "command"})

	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replichat_active_connections",
		Help: "Open client connections.",
	}, []string{"replica"})

	PeerConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replichat_peer_connections",
		Help: "Live outgoing peer connections.",
	}, []string{"replica"})

	ReplicatedApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_replicated_applied_total",
		Help: "Mutations applied from the peer channel, by command.",
	}, []string{"replica", "command"})

	BroadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_broadcasts_sent_total",
		Help: "distribute_update frames fanned out to peers.",
	}, []string{"replica"})

	IsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replichat_is_leader",
		Help: "1 when this replica currently considers itself the leader.",
	}, []string{"replica"})

	SnapshotTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replichat_snapshot_transfers_total",
		Help: "Full database transfers, by direction (served or installed).",
	}, []string{"replica", "direction"})

	cpuPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_system_cpu_percent",
		Help: "Host CPU utilization.",
	})

	memUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replichat_system_memory_percent",
		Help: "Host memory utilization.",
	})
)

// ReplicaLabel renders a replica id the way every vector labels it.
func ReplicaLabel(id int) string { return strconv.Itoa(id) }

// StartSystemCollector samples host CPU and memory until ctx ends. One
// collector per process is enough; the gauges are process-wide.
func StartSystemCollector(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
					cpuPercent.Set(pcts[0])
				} else if err != nil {
					log.Debug().Err(err).Msg("cpu sample failed")
				}
				if vm, err := mem.VirtualMemory(); err == nil {
					memUsedPercent.Set(vm.UsedPercent)
				} else {
					log.Debug().Err(err).Msg("memory sample failed")
				}
			}
		}
	}()
}
