package cache_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/store/model"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(client, time.Hour)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStageSnapshotRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := t.Context()

	record, err := model.NewStageRecord(uuid.New(), []string{"ocr", "chunking"})
	require.NoError(t, err)
	require.NoError(t, c.SnapshotStage(ctx, record))

	cached, err := c.GetStageSnapshot(ctx, record.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, record.DocumentID, cached.DocumentID)

	statuses, err := cached.StageStatuses()
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusNotStarted, statuses["ocr"])
}

func TestStageSnapshotMissIsNotAnError(t *testing.T) {
	c := newTestCache(t)

	cached, err := c.GetStageSnapshot(t.Context(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestArtifactRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := t.Context()
	documentID := uuid.New()

	require.NoError(t, c.PutArtifact(ctx, documentID, "ocr", []byte("recognized text")))

	content, err := c.GetArtifact(ctx, documentID, "ocr")
	require.NoError(t, err)
	assert.Equal(t, []byte("recognized text"), content)

	miss, err := c.GetArtifact(ctx, documentID, "chunking")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestInvalidateDropsDocumentKeys(t *testing.T) {
	c := newTestCache(t)
	ctx := t.Context()
	documentID := uuid.New()
	other := uuid.New()

	record, err := model.NewStageRecord(documentID, []string{"ocr"})
	require.NoError(t, err)
	require.NoError(t, c.SnapshotStage(ctx, record))
	require.NoError(t, c.PutArtifact(ctx, documentID, "ocr", []byte("text")))
	require.NoError(t, c.PutArtifact(ctx, other, "ocr", []byte("other text")))

	require.NoError(t, c.Invalidate(ctx, documentID))

	cached, err := c.GetStageSnapshot(ctx, documentID)
	require.NoError(t, err)
	assert.Nil(t, cached)

	content, err := c.GetArtifact(ctx, documentID, "ocr")
	require.NoError(t, err)
	assert.Nil(t, content)

	// other documents are untouched
	content, err = c.GetArtifact(ctx, other, "ocr")
	require.NoError(t, err)
	assert.Equal(t, []byte("other text"), content)
}
