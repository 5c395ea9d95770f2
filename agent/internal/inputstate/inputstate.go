// Package inputstate computes the deterministic fingerprint of a job's
// inputs: the file inventory of the target, the relevant slice of the team
// configuration, and the tool name. When a prior result for the same target
// carries the same fingerprint, the server records a no-change copy instead
// of storing the large blob again.
//
// Determinism contract: given the same (path, size, mtime) triples and the
// same relevant config keys, the hash is identical across runs, operating
// systems, and implementations. Paths sort lexicographically by byte value;
// remote adapters that cannot supply mtimes report 0.
package inputstate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/shared/signing"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// FileEntry is one file in the target's inventory. Path is relative to the
// collection location (or the adapter-supplied key for remote sources).
type FileEntry struct {
	Path      string
	Size      int64
	MtimeUnix int64
}

// Computer derives input-state hashes. Construct one at startup and pass it
// by reference; it carries no mutable state.
type Computer struct{}

// NewComputer returns a Computer.
func NewComputer() *Computer { return &Computer{} }

// FileListHash hashes the sorted file inventory. Each line is
// "path|size|mtime" and lines are joined by "\n" after sorting by path.
func (c *Computer) FileListHash(entries []FileEntry) string {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	lines := make([]string, len(sorted))
	for i, e := range sorted {
		lines[i] = fmt.Sprintf("%s|%d|%d", e.Path, e.Size, e.MtimeUnix)
	}

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ConfigurationHash hashes the slice of the team configuration that affects
// tool output. Only the defined relevant keys participate; each list is
// sorted so operator-side ordering never perturbs the hash.
func (c *Computer) ConfigurationHash(cfg types.TeamConfig) (string, error) {
	relevant := map[string]any{
		"photo_extensions":    sortedCopy(cfg.PhotoExtensions),
		"metadata_extensions": sortedCopy(cfg.MetadataExtensions),
		"require_sidecar":     sortedCopy(cfg.RequireSidecar),
		"cameras":             cfg.CameraMappings,
		"processing_methods":  cfg.ProcessingMethods,
		"pipeline":            cfg.DefaultPipeline,
	}

	canonical, err := signing.CanonicalJSON(relevant)
	if err != nil {
		return "", fmt.Errorf("inputstate: configuration hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Hash combines the tool name with the file-list and configuration hashes
// into the final input-state fingerprint.
func (c *Computer) Hash(tool types.Tool, fileListHash, configurationHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", tool, fileListHash, configurationHash)))
	return hex.EncodeToString(sum[:])
}

// Compute is the all-in-one form used by the executor.
func (c *Computer) Compute(tool types.Tool, entries []FileEntry, cfg types.TeamConfig) (string, error) {
	configHash, err := c.ConfigurationHash(cfg)
	if err != nil {
		return "", err
	}
	return c.Hash(tool, c.FileListHash(entries), configHash), nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
