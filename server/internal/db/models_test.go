package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// Creating a row must populate the embedded ID and timestamp columns, not
// just the model's own fields. This breaks silently if the embedded structs
// ever become unexported, because GORM skips unexported embeds entirely.
func TestCreatePopulatesBaseColumns(t *testing.T) {
	database := newTestDB(t)

	team := &Team{GUID: "tea_0123456789abcdefghjkmnpqrstv", Name: "studio", ConfigJSON: "{}"}
	require.NoError(t, database.Create(team).Error)

	assert.NotEqual(t, uuid.UUID{}, team.ID)
	assert.False(t, team.CreatedAt.IsZero())
	assert.False(t, team.UpdatedAt.IsZero())

	var loaded Team
	require.NoError(t, database.First(&loaded, "id = ?", team.ID).Error)
	assert.Equal(t, team.GUID, loaded.GUID)
	assert.WithinDuration(t, time.Now().UTC(), loaded.CreatedAt, time.Minute)
}

func TestBeforeCreateKeepsExplicitID(t *testing.T) {
	database := newTestDB(t)

	id, err := uuid.NewV7()
	require.NoError(t, err)
	team := &Team{Base: Base{ID: id}, GUID: "tea_1123456789abcdefghjkmnpqrstv", Name: "preset", ConfigJSON: "{}"}
	require.NoError(t, database.Create(team).Error)
	assert.Equal(t, id, team.ID)
}

func TestSoftDeleteHidesRow(t *testing.T) {
	database := newTestDB(t)

	team := &Team{GUID: "tea_2123456789abcdefghjkmnpqrstv", Name: "studio", ConfigJSON: "{}"}
	require.NoError(t, database.Create(team).Error)

	agent := &Agent{
		GUID:       "agt_0123456789abcdefghjkmnpqrstv",
		TeamID:     team.ID,
		Name:       "studio-imac",
		APIKeyHash: "hash-1",
	}
	require.NoError(t, database.Create(agent).Error)
	require.NoError(t, database.Delete(agent).Error)

	var gone Agent
	err := database.First(&gone, "id = ?", agent.ID).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var kept Agent
	require.NoError(t, database.Unscoped().First(&kept, "id = ?", agent.ID).Error)
	assert.True(t, kept.DeletedAt.Valid)
}
