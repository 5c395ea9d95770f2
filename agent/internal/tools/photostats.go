package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// PhotoStats inventories a collection: file counts by extension, total
// bytes, and sidecar coverage for the extensions the tenant requires
// sidecars for. An issue is a photo missing its required sidecar or a
// sidecar with no photo.
type PhotoStats struct{}

func (t *PhotoStats) Name() types.Tool { return types.ToolPhotoStats }

func (t *PhotoStats) Version() string { return "1.0" }

// progressEvery is how many files pass between progress reports during the
// scan phase. The executor's reporter coalesces, so this only bounds the
// work of building report structs.
const progressEvery = 250

func (t *PhotoStats) Run(ctx context.Context, files []storage.FileInfo, cfg types.TeamConfig, progress ProgressFunc) (*Result, error) {
	total := len(files)
	byExtension := map[string]int{}
	var totalBytes int64
	photoCount, metadataCount := 0, 0

	// Scan phase: classify every file.
	photoStems := map[string]string{}   // stem → extension, for sidecar pairing
	sidecarStems := map[string]bool{}
	for i, f := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ext := extOf(f.Path)
		byExtension[ext]++
		totalBytes += f.Size

		switch {
		case contains(cfg.PhotoExtensions, ext):
			photoCount++
			photoStems[stemOf(f.Path)] = ext
		case contains(cfg.MetadataExtensions, ext):
			metadataCount++
			sidecarStems[stemOf(f.Path)] = true
		}

		if i%progressEvery == 0 {
			progress(types.ProgressReport{
				Stage:        "scanning",
				Percentage:   ptrF(float64(i) / float64(max(total, 1)) * 50),
				FilesScanned: ptrI(i),
				TotalFiles:   ptrI(total),
				CurrentFile:  ptrS(f.Path),
			})
		}
	}

	// Analyze phase: sidecar coverage.
	progress(types.ProgressReport{
		Stage:        "analyzing",
		Percentage:   ptrF(50),
		FilesScanned: ptrI(total),
		TotalFiles:   ptrI(total),
	})

	var missingSidecars, orphanSidecars []string
	for stem, ext := range photoStems {
		if contains(cfg.RequireSidecar, ext) && !sidecarStems[stem] {
			missingSidecars = append(missingSidecars, stem+ext)
		}
	}
	for stem := range sidecarStems {
		if _, ok := photoStems[stem]; !ok {
			orphanSidecars = append(orphanSidecars, stem)
		}
	}
	sort.Strings(missingSidecars)
	sort.Strings(orphanSidecars)
	issues := len(missingSidecars) + len(orphanSidecars)

	progress(types.ProgressReport{
		Stage:        "analyzing",
		Percentage:   ptrF(100),
		FilesScanned: ptrI(total),
		TotalFiles:   ptrI(total),
		Message:      ptrS(fmt.Sprintf("%d issue(s) found", issues)),
	})

	return &Result{
		Success: true,
		Results: map[string]any{
			"total_files":      total,
			"photo_files":      photoCount,
			"metadata_files":   metadataCount,
			"total_bytes":      totalBytes,
			"by_extension":     byExtension,
			"missing_sidecars": missingSidecars,
			"orphan_sidecars":  orphanSidecars,
		},
		ReportHTML:   t.renderReport(total, photoCount, metadataCount, missingSidecars, orphanSidecars),
		FilesScanned: total,
		IssuesFound:  issues,
	}, nil
}

// renderReport builds the HTML report. Kept deliberately plain — styling
// belongs to the server's report viewer.
func (t *PhotoStats) renderReport(total, photos, metadata int, missing, orphans []string) string {
	var b strings.Builder
	b.WriteString("<html><body><h1>Photo Statistics</h1>")
	fmt.Fprintf(&b, "<p>Total files: %d</p><p>Photos: %d</p><p>Metadata: %d</p>", total, photos, metadata)
	if len(missing) > 0 {
		b.WriteString("<h2>Missing sidecars</h2><ul>")
		for _, m := range missing {
			fmt.Fprintf(&b, "<li>%s</li>", m)
		}
		b.WriteString("</ul>")
	}
	if len(orphans) > 0 {
		b.WriteString("<h2>Orphan sidecars</h2><ul>")
		for _, o := range orphans {
			fmt.Fprintf(&b, "<li>%s</li>", o)
		}
		b.WriteString("</ul>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
