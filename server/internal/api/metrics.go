package api

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// Counters shared by the job handlers. Registered on the default registry
// so /metrics picks them up without extra wiring.
var (
	claimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_job_claims_total",
		Help: "Jobs handed to agents through the claim endpoint.",
	})

	completionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_job_completions_total",
		Help: "Signed completions accepted and persisted.",
	})

	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttersense_job_failures_total",
		Help: "Signed failure and cancellation reports accepted.",
	})
)

// gaugesOnce keeps the default registry happy when tests build more than
// one router in a process.
var gaugesOnce sync.Once

// registerGauges wires the pull-style gauges that read live state at scrape
// time: queue depth per status and connected websocket clients.
func registerGauges(repos *repositories.Repositories, hub *events.Hub) {
	gaugesOnce.Do(func() {
		for _, status := range []types.JobStatus{
			types.JobStatusQueued, types.JobStatusClaimed, types.JobStatusRunning,
		} {
			status := status
			promauto.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "shuttersense_jobs",
				Help:        "Jobs currently in a non-terminal status.",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 {
				n, err := repos.Jobs.CountByStatus(context.Background(), string(status))
				if err != nil {
					return 0
				}
				return float64(n)
			})
		}

		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shuttersense_agents_online",
			Help: "Agents currently marked online.",
		}, func() float64 {
			n, err := repos.Agents.CountOnline(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		})

		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "shuttersense_upload_sessions_open",
			Help: "Upload sessions initiated but not yet finalized.",
		}, func() float64 {
			n, err := repos.Uploads.CountOpen(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		})

		if hub != nil {
			promauto.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "shuttersense_ws_clients",
				Help: "Currently connected websocket clients.",
			}, func() float64 {
				return float64(hub.ConnectedCount())
			})
		}
	})
}
