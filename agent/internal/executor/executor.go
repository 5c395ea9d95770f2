// Package executor runs one claimed job end-to-end: fetch the tenant
// configuration, list the target collection, run the tool, and deliver the
// signed outcome to the server.
//
// One job executes at a time; the polling loop enforces that by calling
// Execute synchronously. Cancellation is cooperative: Cancel marks the
// running job's context and the tool observes it at its check points. The
// executor never lets a job error escape to the loop — every outcome is
// reported to the server as completed, failed, or cancelled.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/agent/internal/inputstate"
	"github.com/fabrice-guiot/shuttersense/agent/internal/progress"
	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/agent/internal/tools"
	"github.com/fabrice-guiot/shuttersense/agent/internal/upload"
	"github.com/fabrice-guiot/shuttersense/agent/internal/vault"
	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// inlineResultLimit is the serialized-results size above which the executor
// routes through the chunked uploader instead of inlining.
const inlineResultLimit = 1 << 20

// reportTimeout bounds the terminal complete/fail call. It uses a fresh
// context so a cancelled job can still deliver its cancellation report.
const reportTimeout = 30 * time.Second

// errJobCancelled marks a context cancelled by a cooperative job cancel, as
// opposed to process shutdown.
var errJobCancelled = errors.New("executor: job cancelled")

// API is the server surface the executor needs. *client.Client satisfies it.
type API interface {
	progress.Sender
	upload.Client
	TeamConfig(ctx context.Context) (*types.TeamConfig, error)
	CompleteJob(ctx context.Context, jobGUID string, req types.CompleteRequest) (*types.CompleteResponse, error)
	FailJob(ctx context.Context, jobGUID string, req types.FailRequest) error
}

// jobContext is the execution context the server serializes into
// ClaimedJob.ContextJSON for collection targets.
type jobContext struct {
	CollectionType types.CollectionType `json:"collection_type"`
	Location       string               `json:"location"`
	ConnectorGUID  string               `json:"connector_guid,omitempty"`
}

// Executor runs claimed jobs.
type Executor struct {
	api    API
	vault  *vault.Store
	tools  *tools.Registry
	states *inputstate.Computer
	roots  []string
	logger *zap.Logger

	mu         sync.Mutex
	currentJob string
	cancelJob  context.CancelCauseFunc
}

// New creates an Executor. roots are the authorized roots local collections
// must live under.
func New(api API, v *vault.Store, registry *tools.Registry, roots []string, logger *zap.Logger) *Executor {
	return &Executor{
		api:    api,
		vault:  v,
		tools:  registry,
		states: inputstate.NewComputer(),
		roots:  roots,
		logger: logger.Named("executor"),
	}
}

// CurrentJob returns the GUID of the job executing right now, or "".
func (e *Executor) CurrentJob() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentJob
}

// Cancel requests cooperative cancellation of jobGUID. A cancel for a job
// that is not currently running is silently dropped.
func (e *Executor) Cancel(jobGUID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentJob != jobGUID || e.cancelJob == nil {
		return false
	}
	e.cancelJob(errJobCancelled)
	return true
}

// Execute runs one claimed job to a terminal state and reports the outcome.
// The returned error is informational; the loop logs it and keeps polling.
func (e *Executor) Execute(ctx context.Context, claim *types.ClaimResponse) error {
	job := claim.Job
	secret := claim.SigningSecret
	log := e.logger.With(zap.String("job", job.GUID), zap.String("tool", string(job.Tool)))

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	e.currentJob = job.GUID
	e.cancelJob = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.currentJob = ""
		e.cancelJob = nil
		e.mu.Unlock()
	}()

	log.Info("job started", zap.String("target", job.Target.EntityGUID))
	reporter := progress.New(e.api, job.GUID, e.logger)

	result, inputHash, err := e.run(jobCtx, job, reporter)
	reporter.Close()

	switch {
	case err == nil:
		if err := e.complete(jobCtx, job, secret, result, inputHash); err != nil {
			log.Error("completion report failed", zap.Error(err))
			return err
		}
		log.Info("job completed",
			zap.Int("files_scanned", result.FilesScanned),
			zap.Int("issues_found", result.IssuesFound))
		return nil

	case cancelled(jobCtx, err):
		e.fail(job.GUID, secret, "cancelled")
		log.Info("job cancelled")
		return nil

	default:
		e.fail(job.GUID, secret, err.Error())
		log.Warn("job failed", zap.Error(err))
		return err
	}
}

// run takes the job from configuring through the tool run. It returns the
// tool result and the input-state fingerprint of what the tool saw.
func (e *Executor) run(ctx context.Context, job types.ClaimedJob, reporter *progress.Reporter) (*tools.Result, string, error) {
	reporter.Report(types.ProgressReport{Stage: "starting"})

	tool, err := e.tools.Get(job.Tool)
	if err != nil {
		return nil, "", err
	}

	reporter.Report(types.ProgressReport{Stage: "configuring"})
	cfg, err := e.api.TeamConfig(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("executor: config fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	adapter, location, err := e.resolveAdapter(ctx, job)
	if err != nil {
		return nil, "", err
	}
	files, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, "", fmt.Errorf("executor: list %s: %w", location, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	result, err := tool.Run(ctx, files, *cfg, reporter.Report)
	if err != nil {
		return nil, "", err
	}
	if !result.Success {
		return nil, "", fmt.Errorf("executor: tool reported failure: %s", result.ErrorMessage)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	entries := make([]inputstate.FileEntry, len(files))
	for i, f := range files {
		entries[i] = inputstate.FileEntry{Path: f.Path, Size: f.Size, MtimeUnix: f.MtimeUnix()}
	}
	inputHash, err := e.states.Compute(job.Tool, entries, *cfg)
	if err != nil {
		return nil, "", err
	}
	return result, inputHash, nil
}

// resolveAdapter builds the storage adapter for the job's target from its
// execution context and, for remote backends, the vault-held credentials.
func (e *Executor) resolveAdapter(ctx context.Context, job types.ClaimedJob) (storage.Adapter, string, error) {
	var jc jobContext
	if err := json.Unmarshal([]byte(job.ContextJSON), &jc); err != nil {
		return nil, "", fmt.Errorf("executor: decode job context: %w", err)
	}

	switch jc.CollectionType {
	case types.CollectionLocal:
		return storage.NewLocal(e.roots), jc.Location, nil

	case types.CollectionS3:
		creds, err := e.credentials(jc.ConnectorGUID)
		if err != nil {
			return nil, "", err
		}
		a, err := storage.NewS3(ctx, storage.S3CredsFromMap(creds), "")
		if err != nil {
			return nil, "", err
		}
		return a, jc.Location, nil

	case types.CollectionGCS:
		creds, err := e.credentials(jc.ConnectorGUID)
		if err != nil {
			return nil, "", err
		}
		a, err := storage.NewGCS(ctx, storage.GCSCredsFromMap(creds), "")
		if err != nil {
			return nil, "", err
		}
		return a, jc.Location, nil

	case types.CollectionSMB:
		creds, err := e.credentials(jc.ConnectorGUID)
		if err != nil {
			return nil, "", err
		}
		return storage.NewSMB(storage.SMBCredsFromMap(creds)), jc.Location, nil
	}
	return nil, "", fmt.Errorf("executor: unsupported collection type %q", jc.CollectionType)
}

func (e *Executor) credentials(connectorGUID string) (map[string]string, error) {
	creds, err := e.vault.Get(connectorGUID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("executor: no credentials held for connector %s", connectorGUID)
	}
	return creds, nil
}

// complete finalizes a successful run: serialize results, route large
// artifacts through the chunked uploader, sign, and deliver.
func (e *Executor) complete(ctx context.Context, job types.ClaimedJob, secret string, result *tools.Result, inputHash string) error {
	req := types.CompleteRequest{
		FilesScanned:   result.FilesScanned,
		IssuesFound:    result.IssuesFound,
		InputStateHash: inputHash,
	}

	resultsJSON, err := json.Marshal(result.Results)
	if err != nil {
		return fmt.Errorf("executor: marshal results: %w", err)
	}

	uploader := upload.New(e.api, e.logger)
	if result.ReportHTML != "" {
		if _, err := uploader.Upload(ctx, job.GUID, types.UploadReportHTML, []byte(result.ReportHTML)); err != nil {
			return err
		}
	}
	if len(resultsJSON) > inlineResultLimit {
		id, err := uploader.Upload(ctx, job.GUID, types.UploadResultsJSON, resultsJSON)
		if err != nil {
			return err
		}
		req.UploadID = id
	} else {
		req.Results = result.Results
	}

	req.Signature, err = signing.SignCompletion(secret, req)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := e.api.CompleteJob(rctx, job.GUID, req); err != nil {
		return fmt.Errorf("executor: deliver completion: %w", err)
	}
	return nil
}

// fail delivers a signed failure (or cancellation) report. Best-effort: the
// job is terminal locally whether or not the server hears about it.
func (e *Executor) fail(jobGUID, secret, message string) {
	req := types.FailRequest{ErrorMessage: message}
	sig, err := signing.SignFailure(secret, req)
	if err != nil {
		e.logger.Error("sign failure payload", zap.String("job", jobGUID), zap.Error(err))
		return
	}
	req.Signature = sig

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := e.api.FailJob(ctx, jobGUID, req); err != nil {
		e.logger.Warn("failure report not delivered", zap.String("job", jobGUID), zap.Error(err))
	}
}

// cancelled reports whether err is (or was caused by) a cooperative cancel
// of the job context.
func cancelled(ctx context.Context, err error) bool {
	if errors.Is(err, errJobCancelled) {
		return true
	}
	return errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), errJobCancelled)
}
