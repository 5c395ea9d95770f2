package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/dispatcher"
	"github.com/fabrice-guiot/shuttersense/server/internal/events"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/server/internal/uploads"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Repos      *repositories.Repositories
	Dispatcher *dispatcher.Service
	Uploads    *uploads.Service
	Tokens     *auth.TokenManager
	Hub        *events.Hub
	Logger     *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. Agent-facing
// routes authenticate with a bearer API key; the operator surface is meant
// to sit behind a trusted frontend or reverse proxy.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID per request for log correlation;
	// RealIP unwraps X-Forwarded-For behind a reverse proxy; Recoverer
	// turns handler panics into 500s instead of dropped connections.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Repos, cfg.Dispatcher, cfg.Tokens, cfg.Logger)
	teamHandler := NewTeamHandler(cfg.Repos, cfg.Tokens, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Repos, cfg.Dispatcher, cfg.Logger)
	uploadHandler := NewUploadHandler(cfg.Uploads, cfg.Dispatcher, cfg.Logger)
	connectorHandler := NewConnectorHandler(cfg.Repos, cfg.Logger)
	collectionHandler := NewCollectionHandler(cfg.Repos, cfg.Logger)
	resultHandler := NewResultHandler(cfg.Repos, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Repos, cfg.Logger)

	registerGauges(cfg.Repos, cfg.Hub)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public: registration only. The token in the body is the
		// credential here.
		r.Post("/agents/register", agentHandler.Register)

		// --- Agent-authenticated routes (bearer API key) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateAgent(cfg.Repos.Agents))

			r.Post("/agents/heartbeat", agentHandler.Heartbeat)

			r.Post("/jobs/claim", jobHandler.Claim)
			r.Post("/jobs/{guid}/progress", jobHandler.Progress)
			r.Post("/jobs/{guid}/complete", jobHandler.Complete)
			r.Post("/jobs/{guid}/fail", jobHandler.Fail)

			r.Post("/jobs/{guid}/uploads/initiate", uploadHandler.Initiate)
			r.Put("/uploads/{id}/{index}", uploadHandler.PutChunk)
			r.Post("/uploads/{id}/finalize", uploadHandler.Finalize)
			r.Delete("/uploads/{id}", uploadHandler.Cancel)

			r.Post("/connectors/{guid}/report-capability", connectorHandler.ReportCapability)

			// The executor's configuration fetch.
			r.Get("/teams/config", teamHandler.AgentConfig)
		})

		// --- Operator routes ---
		r.Group(func(r chi.Router) {
			r.Post("/teams", teamHandler.Create)
			r.Get("/teams/{guid}", teamHandler.GetByGUID)
			r.Post("/teams/{guid}/registration-token", teamHandler.RegistrationToken)
			r.Get("/teams/{guid}/config", teamHandler.GetConfig)
			r.Put("/teams/{guid}/config", teamHandler.PutConfig)
			r.Get("/teams/{guid}/retention", teamHandler.GetRetention)
			r.Put("/teams/{guid}/retention", teamHandler.PutRetention)

			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{guid}", agentHandler.GetByGUID)
			r.Delete("/agents/{guid}", agentHandler.Revoke)

			r.Post("/jobs", jobHandler.Enqueue)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{guid}", jobHandler.GetByGUID)
			r.Post("/jobs/{guid}/cancel", jobHandler.Cancel)

			r.Post("/collections", collectionHandler.Create)
			r.Get("/collections", collectionHandler.List)
			r.Get("/collections/{guid}", collectionHandler.GetByGUID)
			r.Patch("/collections/{guid}", collectionHandler.Update)
			r.Delete("/collections/{guid}", collectionHandler.Delete)

			r.Post("/connectors", connectorHandler.Create)
			r.Get("/connectors", connectorHandler.List)
			r.Get("/connectors/{guid}", connectorHandler.GetByGUID)
			r.Patch("/connectors/{guid}", connectorHandler.Update)
			r.Delete("/connectors/{guid}", connectorHandler.Delete)

			r.Get("/results", resultHandler.ListByTarget)
			r.Get("/results/{guid}", resultHandler.GetByGUID)
			r.Get("/results/{guid}/download", resultHandler.Download)

			r.Post("/schedules", scheduleHandler.Create)
			r.Get("/schedules", scheduleHandler.List)
			r.Patch("/schedules/{guid}", scheduleHandler.Update)
			r.Delete("/schedules/{guid}", scheduleHandler.Delete)
		})

		// Live job and agent events for UI clients.
		if cfg.Hub != nil {
			wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
			r.Get("/ws", wsHandler.Serve)
		}
	})

	return r
}
