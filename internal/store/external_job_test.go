package store_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

func TestExternalJobDuplicateTokenReturnsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := testContext()

	documentID := uuid.New()
	first, err := s.ExternalJob().Create(ctx, model.ExternalJob{
		DocumentID:       documentID,
		Stage:            "ocr",
		Status:           model.ExternalJobStatusSubmitted,
		IdempotencyToken: "token-1",
	})
	require.NoError(t, err)

	second, err := s.ExternalJob().Create(ctx, model.ExternalJob{
		DocumentID:       documentID,
		Stage:            "ocr",
		Status:           model.ExternalJobStatusSubmitted,
		IdempotencyToken: "token-1",
	})
	require.ErrorIs(t, err, store.ErrDuplicateKey)
	require.NotNil(t, second, "duplicate create must hand back the existing row for attachment")
	assert.Equal(t, first.ID, second.ID)
}

func TestExternalJobUpdateStatusSetsCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := testContext()

	job, err := s.ExternalJob().Create(ctx, model.ExternalJob{
		DocumentID:       uuid.New(),
		Stage:            "ocr",
		Status:           model.ExternalJobStatusSubmitted,
		IdempotencyToken: "token-2",
	})
	require.NoError(t, err)

	providerJobID := "remote-42"
	pageCount := 7
	avgConfidence := 0.93
	require.NoError(t, s.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusSucceeded, store.ExternalJobUpdate{
		ProviderJobID: &providerJobID,
		PageCount:     &pageCount,
		AvgConfidence: &avgConfidence,
		Warnings:      []string{"page 3 skewed"},
	}))

	stored, err := s.ExternalJob().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalJobStatusSucceeded, stored.Status)
	assert.Equal(t, providerJobID, stored.ProviderJobID)
	assert.Equal(t, pageCount, stored.PageCount)
	assert.InDelta(t, avgConfidence, stored.AvgConfidence, 1e-9)
	assert.Equal(t, []string{"page 3 skewed"}, stored.WarningList())
	assert.True(t, stored.Terminal())
	assert.NotNil(t, stored.CompletedAt)
}

func TestExternalJobGetByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := testContext()

	created, err := s.ExternalJob().Create(ctx, model.ExternalJob{
		DocumentID:       uuid.New(),
		Stage:            "ocr",
		Status:           model.ExternalJobStatusSubmitted,
		IdempotencyToken: "token-3",
	})
	require.NoError(t, err)

	found, err := s.ExternalJob().GetByToken(ctx, "token-3")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = s.ExternalJob().GetByToken(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}
