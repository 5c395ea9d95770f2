// Package tools defines the stable interface between the job executor and
// the analysis tools, plus the built-in tool implementations.
//
// Tools are pure functions of their inputs: the file inventory the executor
// listed from the target collection and the tenant configuration. They do no
// network I/O and keep no state between runs, which is what makes
// input-state deduplication sound — identical inputs produce identical
// results.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// ProgressFunc receives progress updates during a run. Implementations must
// be cheap — the executor's reporter coalesces on its side.
type ProgressFunc func(report types.ProgressReport)

// Result is the structured outcome of one tool run.
type Result struct {
	Success      bool
	Results      map[string]any
	ReportHTML   string
	FilesScanned int
	IssuesFound  int
	ErrorMessage string
}

// Tool is one analysis tool. Version participates in the capability string
// the agent advertises ("tool:<name>:<version>").
type Tool interface {
	Name() types.Tool
	Version() string
	Run(ctx context.Context, files []storage.FileInfo, cfg types.TeamConfig, progress ProgressFunc) (*Result, error)
}

// Registry holds the tools available on this agent.
type Registry struct {
	tools map[types.Tool]Tool
}

// NewRegistry returns a Registry with all built-in tools installed.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[types.Tool]Tool)}
	r.Register(&PhotoStats{})
	r.Register(&PhotoPairing{})
	r.Register(&PipelineValidation{})
	return r
}

// Register installs a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) { r.tools[t.Name()] = t }

// Get returns the tool with the given name.
func (r *Registry) Get(name types.Tool) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	return t, nil
}

// Capabilities returns the capability strings for every installed tool,
// sorted for stable heartbeat bodies.
func (r *Registry) Capabilities() []string {
	caps := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		caps = append(caps, fmt.Sprintf("tool:%s:%s", t.Name(), t.Version()))
	}
	sort.Strings(caps)
	return caps
}

// ─── shared helpers ──────────────────────────────────────────────────────────

// extOf returns the lowercase extension of path including the dot, or "".
func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

// stemOf returns path without its extension.
func stemOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return path
	}
	return path[:idx]
}

// contains reports whether list has ext (case-insensitive).
func contains(list []string, ext string) bool {
	for _, e := range list {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }
func ptrS(v string) *string   { return &v }
