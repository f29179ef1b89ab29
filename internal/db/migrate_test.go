package db_test

import (
	"testing"
	"time"

	"github.com/engramkeep/health-connector/internal/db/dbtest"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedDedupKeyIsUnique(t *testing.T) {
	database := dbtest.New(t)

	first := models.WebhookEvent{ID: "evt-1", Provider: "terra", DedupKey: "k1", Processed: true, CreatedAt: time.Now()}
	require.NoError(t, database.Create(&first).Error)

	// Failed attempts with the same key are allowed alongside the processed row.
	failed := models.WebhookEvent{ID: "evt-2", Provider: "terra", DedupKey: "k1", Processed: false, Error: "user_not_found"}
	require.NoError(t, database.Create(&failed).Error)

	dup := models.WebhookEvent{ID: "evt-3", Provider: "terra", DedupKey: "k1", Processed: true}
	assert.Error(t, database.Create(&dup).Error)
}
