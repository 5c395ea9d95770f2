package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/agent/internal/storage"
	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func testConfig() types.TeamConfig {
	return types.TeamConfig{
		PhotoExtensions:    []string{".cr3", ".jpg"},
		MetadataExtensions: []string{".xmp"},
		RequireSidecar:     []string{".cr3"},
		ProcessingMethods:  map[string]string{"hdr": "HDR merge"},
		DefaultPipeline:    "import-cull-develop",
	}
}

func discard(types.ProgressReport) {}

func fi(path string, size int64) storage.FileInfo {
	return storage.FileInfo{Path: path, Size: size}
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		"tool:photo_pairing:1.0",
		"tool:photostats:1.0",
		"tool:pipeline_validation:1.0",
	}, r.Capabilities())

	_, err := r.Get(types.ToolPhotoStats)
	require.NoError(t, err)
	_, err = r.Get(types.Tool("nope"))
	require.Error(t, err)
}

func TestPhotoStatsSidecarCoverage(t *testing.T) {
	tool := &PhotoStats{}
	res, err := tool.Run(context.Background(), []storage.FileInfo{
		fi("IMG_0001.cr3", 100),
		fi("IMG_0001.xmp", 5),
		fi("IMG_0002.cr3", 120),       // missing sidecar
		fi("IMG_0003.xmp", 4),         // orphan sidecar
		fi("notes.txt", 10),           // not classified
	}, testConfig(), discard)
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, 5, res.FilesScanned)
	assert.Equal(t, 2, res.IssuesFound)
	assert.Equal(t, []string{"IMG_0002.cr3"}, res.Results["missing_sidecars"])
	assert.Equal(t, []string{"IMG_0003"}, res.Results["orphan_sidecars"])
	assert.Equal(t, int64(239), res.Results["total_bytes"])
	assert.Contains(t, res.ReportHTML, "IMG_0002.cr3")
}

func TestPhotoStatsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&PhotoStats{}).Run(ctx, []storage.FileInfo{fi("a.cr3", 1)}, testConfig(), discard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPhotoPairingIncompleteGroups(t *testing.T) {
	res, err := (&PhotoPairing{}).Run(context.Background(), []storage.FileInfo{
		fi("IMG_0001.cr3", 100),
		fi("IMG_0001.jpg", 40), // complete pair
		fi("IMG_0002.jpg", 41), // derived without raw
		fi("IMG_0002.xmp", 2),  // sidecar does not complete a group
	}, testConfig(), discard)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Results["capture_groups"])
	assert.Equal(t, 1, res.Results["paired_captures"])
	assert.Equal(t, []string{"IMG_0002"}, res.Results["incomplete_stems"])
	assert.Equal(t, 1, res.IssuesFound)
}

func TestPipelineValidationFlagsUnknownExtensions(t *testing.T) {
	res, err := (&PipelineValidation{}).Run(context.Background(), []storage.FileInfo{
		fi("IMG_0001.cr3", 100),
		fi("IMG_0001-hdr.jpg", 50),
		fi("thumbs.db", 3),
	}, testConfig(), discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"thumbs.db"}, res.Results["unknown_extensions"])
	assert.Equal(t, map[string]int{"hdr": 1}, res.Results["method_counts"])
	assert.Equal(t, 1, res.IssuesFound)
}

func TestProgressReportsCarryStage(t *testing.T) {
	var stages []string
	record := func(r types.ProgressReport) { stages = append(stages, r.Stage) }

	files := make([]storage.FileInfo, 600)
	for i := range files {
		files[i] = fi("batch.cr3", 1)
	}
	_, err := (&PhotoStats{}).Run(context.Background(), files, testConfig(), record)
	require.NoError(t, err)

	assert.Contains(t, stages, "scanning")
	assert.Contains(t, stages, "analyzing")
}
