package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// PhotoPairing groups files sharing a stem into capture groups (RAW + JPEG
// + sidecars from the same shutter press) and reports incomplete groups:
// captures that have a derived JPEG but no RAW, or vice versa.
type PhotoPairing struct{}

func (t *PhotoPairing) Name() types.Tool { return types.ToolPhotoPairing }

func (t *PhotoPairing) Version() string { return "1.0" }

func (t *PhotoPairing) Run(ctx context.Context, files []storage.FileInfo, cfg types.TeamConfig, progress ProgressFunc) (*Result, error) {
	total := len(files)
	progress(types.ProgressReport{Stage: "pairing", Percentage: ptrF(0), TotalFiles: ptrI(total)})

	groups := map[string][]string{}
	for i, f := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ext := extOf(f.Path)
		if !contains(cfg.PhotoExtensions, ext) && !contains(cfg.MetadataExtensions, ext) {
			continue
		}
		stem := stemOf(f.Path)
		groups[stem] = append(groups[stem], ext)

		if i%progressEvery == 0 {
			progress(types.ProgressReport{
				Stage:        "pairing",
				Percentage:   ptrF(float64(i) / float64(max(total, 1)) * 100),
				FilesScanned: ptrI(i),
				TotalFiles:   ptrI(total),
			})
		}
	}

	// A group is incomplete when it holds fewer than all photo extensions
	// the tenant shoots with; singletons of a derived format are the usual
	// symptom of a culling mistake.
	var incomplete []string
	pairCount := 0
	for stem, exts := range groups {
		photoExts := 0
		for _, e := range exts {
			if contains(cfg.PhotoExtensions, e) {
				photoExts++
			}
		}
		if photoExts >= 2 {
			pairCount++
		} else if photoExts == 1 && len(cfg.PhotoExtensions) >= 2 {
			incomplete = append(incomplete, stem)
		}
	}
	sort.Strings(incomplete)

	progress(types.ProgressReport{
		Stage:      "pairing",
		Percentage: ptrF(100),
		Message:    ptrS(fmt.Sprintf("%d capture group(s), %d incomplete", len(groups), len(incomplete))),
	})

	return &Result{
		Success: true,
		Results: map[string]any{
			"capture_groups":    len(groups),
			"paired_captures":   pairCount,
			"incomplete_stems":  incomplete,
		},
		FilesScanned: total,
		IssuesFound:  len(incomplete),
	}, nil
}
