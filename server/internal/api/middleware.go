package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyAgent is the context key under which the authenticated
	// *db.Agent is stored after a successful API key lookup.
	contextKeyAgent contextKey = iota
)

// AuthenticateAgent validates the bearer API key on agent-facing routes.
// The key is hashed and looked up; a match on a revoked agent answers with
// the dedicated "agent_revoked" code so the agent knows re-registration is
// pointless. On success the agent record is stored in the request context.
//
// Key format: "Authorization: Bearer ssk_<hex>"
func AuthenticateAgent(agents repositories.AgentRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				errJSON(w, http.StatusUnauthorized, "authentication required", "bad_credential")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				errJSON(w, http.StatusUnauthorized, "authentication required", "bad_credential")
				return
			}

			agent, err := agents.GetByAPIKeyHash(r.Context(), auth.HashAPIKey(parts[1]))
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					errJSON(w, http.StatusUnauthorized, "unknown api key", "bad_credential")
					return
				}
				ErrInternal(w)
				return
			}
			if agent.Revoked {
				errJSON(w, http.StatusUnauthorized, "agent has been revoked", "agent_revoked")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentFromCtx retrieves the agent stored by the AuthenticateAgent
// middleware. Returns nil on unauthenticated requests.
func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. Chi's middleware.RequestID is expected to
// run before this middleware so that the request ID is available.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
