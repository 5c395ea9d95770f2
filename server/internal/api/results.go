package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// ResultHandler serves analysis result reads. Results are immutable; the
// only non-read operation on them is the retention sweep.
type ResultHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewResultHandler creates a ResultHandler.
func NewResultHandler(repos *repositories.Repositories, logger *zap.Logger) *ResultHandler {
	return &ResultHandler{repos: repos, logger: logger}
}

type resultView struct {
	GUID           string          `json:"guid"`
	Tool           string          `json:"tool"`
	Target         types.Target    `json:"target"`
	FilesScanned   int             `json:"files_scanned"`
	IssuesFound    int             `json:"issues_found"`
	Results        json.RawMessage `json:"results,omitempty"`
	InputStateHash string          `json:"input_state_hash,omitempty"`
	NoChangeCopy   bool            `json:"no_change_copy"`
	CreatedAt      time.Time       `json:"created_at"`
}

func resultToView(result *db.AnalysisResult, includeBlob bool) resultView {
	view := resultView{
		GUID: result.GUID,
		Tool: result.Tool,
		Target: types.Target{
			EntityType: types.TargetEntityType(result.TargetEntityType),
			EntityGUID: result.TargetEntityGUID,
			EntityName: result.TargetEntityName,
		},
		FilesScanned:   result.FilesScanned,
		IssuesFound:    result.IssuesFound,
		InputStateHash: result.InputStateHash,
		NoChangeCopy:   result.NoChangeCopy,
		CreatedAt:      result.CreatedAt,
	}
	if includeBlob && result.ResultsJSON != "" {
		view.Results = json.RawMessage(result.ResultsJSON)
	}
	return view
}

// GetByGUID returns one result with its inline results document. For a
// no-change copy the document comes from the canonical result it points at.
//
// GET /api/v1/results/{guid}
func (h *ResultHandler) GetByGUID(w http.ResponseWriter, r *http.Request) {
	resultGUID, ok := guidParam(w, r, "guid", guid.PrefixResult)
	if !ok {
		return
	}
	result, err := h.repos.Results.GetByGUID(r.Context(), resultGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	view := resultToView(result, true)
	if result.NoChangeCopy && result.DownloadReportFrom != nil {
		if canonical, err := h.repos.Results.GetByID(r.Context(), *result.DownloadReportFrom); err == nil && canonical.ResultsJSON != "" {
			view.Results = json.RawMessage(canonical.ResultsJSON)
		}
	}
	Ok(w, view)
}

// ListByTarget returns results for one target entity, newest first.
//
// GET /api/v1/results?team=<tea_guid>&target=<guid>
func (h *ResultHandler) ListByTarget(w http.ResponseWriter, r *http.Request) {
	team, ok := teamFromQuery(w, r, h.repos)
	if !ok {
		return
	}
	target := guid.Canonical(r.URL.Query().Get("target"))
	if target == "" {
		ErrBadRequest(w, "target query parameter is required")
		return
	}

	results, total, err := h.repos.Results.ListByTarget(r.Context(), team.ID, target, pageParams(r))
	if err != nil {
		ErrInternal(w)
		return
	}
	views := make([]resultView, 0, len(results))
	for i := range results {
		views = append(views, resultToView(&results[i], false))
	}
	Ok(w, map[string]any{"items": views, "total": total})
}

// Download serves the HTML report. A no-change copy resolves through its
// download_report_from pointer to the canonical blob.
//
// GET /api/v1/results/{guid}/download
func (h *ResultHandler) Download(w http.ResponseWriter, r *http.Request) {
	resultGUID, ok := guidParam(w, r, "guid", guid.PrefixResult)
	if !ok {
		return
	}
	result, err := h.repos.Results.GetByGUID(r.Context(), resultGUID)
	if err != nil {
		domainError(w, err)
		return
	}

	report := result.ReportHTML
	if result.NoChangeCopy && result.DownloadReportFrom != nil {
		canonical, err := h.repos.Results.GetByID(r.Context(), *result.DownloadReportFrom)
		if err != nil {
			domainError(w, err)
			return
		}
		report = canonical.ReportHTML
	}
	if report == "" {
		ErrNotFound(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.GUID+`.html"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report))
}
