package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// PipelineValidation checks that every file in the collection is accounted
// for by the tenant's processing pipeline: known extension, known processing
// method suffix where one is encoded in the filename. Files the pipeline
// cannot place are reported as issues.
type PipelineValidation struct{}

func (t *PipelineValidation) Name() types.Tool { return types.ToolPipelineValidation }

func (t *PipelineValidation) Version() string { return "1.0" }

func (t *PipelineValidation) Run(ctx context.Context, files []storage.FileInfo, cfg types.TeamConfig, progress ProgressFunc) (*Result, error) {
	total := len(files)
	progress(types.ProgressReport{Stage: "validating", Percentage: ptrF(0), TotalFiles: ptrI(total)})

	var unknownExt []string
	methodCounts := map[string]int{}
	for i, f := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ext := extOf(f.Path)
		known := contains(cfg.PhotoExtensions, ext) || contains(cfg.MetadataExtensions, ext)
		if !known {
			unknownExt = append(unknownExt, f.Path)
		}

		// Processing methods are encoded as a "-<method>" filename suffix
		// by the downstream tooling; count occurrences of each known one.
		stem := stemOf(f.Path)
		for id := range cfg.ProcessingMethods {
			if len(stem) > len(id)+1 && stem[len(stem)-len(id)-1:] == "-"+id {
				methodCounts[id]++
			}
		}

		if i%progressEvery == 0 {
			progress(types.ProgressReport{
				Stage:        "validating",
				Percentage:   ptrF(float64(i) / float64(max(total, 1)) * 100),
				FilesScanned: ptrI(i),
				TotalFiles:   ptrI(total),
				CurrentFile:  ptrS(f.Path),
			})
		}
	}
	sort.Strings(unknownExt)

	progress(types.ProgressReport{
		Stage:      "validating",
		Percentage: ptrF(100),
		Message:    ptrS(fmt.Sprintf("%d file(s) outside the pipeline", len(unknownExt))),
	})

	return &Result{
		Success: true,
		Results: map[string]any{
			"pipeline":           cfg.DefaultPipeline,
			"unknown_extensions": unknownExt,
			"method_counts":      methodCounts,
		},
		FilesScanned: total,
		IssuesFound:  len(unknownExt),
	}, nil
}
