package inputstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrice-guiot/shuttersense/shared/types"
)

func sampleEntries() []FileEntry {
	return []FileEntry{
		{Path: "b/IMG_0002.cr3", Size: 2048, MtimeUnix: 1700000001},
		{Path: "a/IMG_0001.cr3", Size: 1024, MtimeUnix: 1700000000},
		{Path: "a/IMG_0001.xmp", Size: 12, MtimeUnix: 1700000002},
	}
}

func sampleConfig() types.TeamConfig {
	return types.TeamConfig{
		PhotoExtensions:    []string{".cr3", ".dng"},
		MetadataExtensions: []string{".xmp"},
		RequireSidecar:     []string{".cr3"},
		CameraMappings: map[string]types.CameraMapping{
			"cam1": {Name: "R5", Serial: "123"},
		},
		ProcessingMethods: map[string]string{"m1": "standard"},
		DefaultPipeline:   "v2",
	}
}

func TestFileListHashIgnoresInputOrder(t *testing.T) {
	c := NewComputer()
	entries := sampleEntries()
	reversed := []FileEntry{entries[2], entries[1], entries[0]}

	assert.Equal(t, c.FileListHash(entries), c.FileListHash(reversed))
}

func TestFileListHashSensitiveToContent(t *testing.T) {
	c := NewComputer()
	base := c.FileListHash(sampleEntries())

	changedSize := sampleEntries()
	changedSize[0].Size++
	assert.NotEqual(t, base, c.FileListHash(changedSize))

	changedMtime := sampleEntries()
	changedMtime[1].MtimeUnix++
	assert.NotEqual(t, base, c.FileListHash(changedMtime))

	renamed := sampleEntries()
	renamed[2].Path = "a/IMG_0001.json"
	assert.NotEqual(t, base, c.FileListHash(renamed))
}

func TestFileListHashZeroMtimeForRemote(t *testing.T) {
	c := NewComputer()
	a := c.FileListHash([]FileEntry{{Path: "k", Size: 1, MtimeUnix: 0}})
	b := c.FileListHash([]FileEntry{{Path: "k", Size: 1, MtimeUnix: 0}})
	assert.Equal(t, a, b)
}

func TestConfigurationHashIgnoresListOrder(t *testing.T) {
	c := NewComputer()

	cfg := sampleConfig()
	a, err := c.ConfigurationHash(cfg)
	require.NoError(t, err)

	shuffled := sampleConfig()
	shuffled.PhotoExtensions = []string{".dng", ".cr3"}
	b, err := c.ConfigurationHash(shuffled)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestConfigurationHashSensitiveToRelevantKeys(t *testing.T) {
	c := NewComputer()
	base, err := c.ConfigurationHash(sampleConfig())
	require.NoError(t, err)

	changed := sampleConfig()
	changed.RequireSidecar = nil
	got, err := c.ConfigurationHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, got)
}

func TestComputeDeterministic(t *testing.T) {
	c := NewComputer()

	a, err := c.Compute(types.ToolPhotoStats, sampleEntries(), sampleConfig())
	require.NoError(t, err)
	b, err := c.Compute(types.ToolPhotoStats, sampleEntries(), sampleConfig())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeSensitiveToTool(t *testing.T) {
	c := NewComputer()

	a, err := c.Compute(types.ToolPhotoStats, sampleEntries(), sampleConfig())
	require.NoError(t, err)
	b, err := c.Compute(types.ToolPhotoPairing, sampleEntries(), sampleConfig())
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
