package ocr_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/ocr"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

// fakeProvider scripts GetJobStatus responses: calls with an empty page
// token consume the script in order (the last entry repeats), token
// calls answer from tokenPages.
type fakeProvider struct {
	jobID      string
	startErr   error
	startCalls int
	lastToken  string

	script     []ocr.StatusPage
	call       int
	tokenPages map[string]ocr.StatusPage
}

func (p *fakeProvider) StartJob(ctx context.Context, input ocr.JobInput, idempotencyToken string) (string, error) {
	p.startCalls++
	p.lastToken = idempotencyToken
	if p.startErr != nil {
		return "", p.startErr
	}
	if p.jobID == "" {
		p.jobID = "remote-1"
	}
	return p.jobID, nil
}

func (p *fakeProvider) GetJobStatus(ctx context.Context, jobID string, pageToken string) (ocr.StatusPage, error) {
	if pageToken != "" {
		return p.tokenPages[pageToken], nil
	}
	page := p.script[p.call]
	if p.call < len(p.script)-1 {
		p.call++
	}
	return page, nil
}

func newOCRStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.InitDB(config.NewDefault())
	require.NoError(t, err)
	s := store.NewStore(db)
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func defaultConfig() ocr.Config {
	return ocr.Config{
		PollInitialDelay: time.Millisecond,
		PollInterval:     time.Second,
		PollMaxWait:      time.Hour,
		MinConfidence:    0.5,
		PartialPolicy:    ocr.PartialAccept,
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()
	documentID := uuid.New()

	first, err := client.Start(ctx, documentID, "ocr", "documents/a")
	require.NoError(t, err)
	require.Equal(t, 1, provider.startCalls)
	assert.Equal(t, "remote-1", first.ProviderJobID)

	// a crashed-and-resumed worker attaches instead of resubmitting
	second, err := client.Start(ctx, documentID, "ocr", "documents/a")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.startCalls)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ProviderJobID, second.ProviderJobID)
}

func TestStartTokenIsDeterministic(t *testing.T) {
	documentID := uuid.New()
	assert.Equal(t,
		ocr.IdempotencyToken(documentID, "ocr"),
		ocr.IdempotencyToken(documentID, "ocr"))
	assert.NotEqual(t,
		ocr.IdempotencyToken(documentID, "ocr"),
		ocr.IdempotencyToken(uuid.New(), "ocr"))
}

func TestPollRunningThenSucceeded(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusRunning},
		{Status: ocr.ProviderStatusRunning},
		{Status: ocr.ProviderStatusSucceeded, PageCount: 1, Fragments: []ocr.Fragment{
			{Page: 1, Top: 0, Left: 0, Text: "Hello ", Confidence: 0.99},
			{Page: 1, Top: 10, Left: 0, Text: "world", Confidence: 0.98},
		}},
	}}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		outcome, err := client.Poll(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, ocr.OutcomeRunning, outcome.State)
		assert.Equal(t, time.Second, outcome.NextDelay)
	}

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ocr.OutcomeDone, outcome.State)
	assert.Equal(t, "Hello world", outcome.Result)

	stored, err := s.ExternalJob().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalJobStatusSucceeded, stored.Status)
	assert.Equal(t, 1, stored.PageCount)
}

func TestPollAssemblesProviderGeometry(t *testing.T) {
	s := newOCRStore(t)
	// fragments arrive out of order; geometry decides the reading order
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusSucceeded, PageCount: 2, Fragments: []ocr.Fragment{
			{Page: 2, Top: 0, Left: 0, Text: "C", Confidence: 0.9},
			{Page: 1, Top: 5, Left: 8, Text: "B", Confidence: 0.9},
			{Page: 1, Top: 5, Left: 2, Text: "A", Confidence: 0.9},
		}},
	}}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "ABC", outcome.Result)
}

func TestPollFetchesAllResultPages(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{
		script: []ocr.StatusPage{
			{Status: ocr.ProviderStatusSucceeded, PageCount: 2, NextPageToken: "t1", Fragments: []ocr.Fragment{
				{Page: 1, Top: 0, Left: 0, Text: "first ", Confidence: 0.9},
			}},
		},
		tokenPages: map[string]ocr.StatusPage{
			"t1": {Status: ocr.ProviderStatusSucceeded, Fragments: []ocr.Fragment{
				{Page: 2, Top: 0, Left: 0, Text: "second", Confidence: 0.9},
			}},
		},
	}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "first second", outcome.Result)
}

func TestPollDropsLowConfidenceFragments(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusSucceeded, PageCount: 1, Fragments: []ocr.Fragment{
			{Page: 1, Top: 0, Left: 0, Text: "keep ", Confidence: 0.9},
			{Page: 1, Top: 5, Left: 0, Text: "noise ", Confidence: 0.2},
			{Page: 1, Top: 9, Left: 0, Text: "this", Confidence: 0.8},
		}},
	}}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "keep this", outcome.Result)
	assert.Equal(t, 1, outcome.Dropped)
}

func TestPollBudgetExceededFailsExplicitly(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{{Status: ocr.ProviderStatusRunning}}}
	cfg := defaultConfig()
	cfg.PollMaxWait = time.Minute
	client := ocr.NewClient(s, provider, cfg)
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)
	job.StartedAt = time.Now().Add(-2 * time.Minute)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ocr.OutcomeFailed, outcome.State)
	assert.Contains(t, outcome.Cause, "poll budget exceeded")

	stored, err := s.ExternalJob().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalJobStatusFailed, stored.Status)
	require.NotEmpty(t, stored.WarningList())
	assert.True(t, strings.Contains(stored.WarningList()[0], "poll budget exceeded"))
}

func TestPartialResultAcceptedByDefault(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusPartialSuccess, PageCount: 3, Warnings: []string{"page 3 unreadable"}, Fragments: []ocr.Fragment{
			{Page: 1, Top: 0, Left: 0, Text: "partial text", Confidence: 0.9},
		}},
	}}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ocr.OutcomeDone, outcome.State)
	assert.True(t, outcome.Partial)
	assert.Equal(t, "partial text", outcome.Result)

	stored, err := s.ExternalJob().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalJobStatusPartialSuccess, stored.Status)
	assert.Equal(t, []string{"page 3 unreadable"}, stored.WarningList())
}

func TestPartialResultRejectedByPolicy(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusPartialSuccess, PageCount: 3, Fragments: []ocr.Fragment{
			{Page: 1, Top: 0, Left: 0, Text: "partial text", Confidence: 0.9},
		}},
	}}
	cfg := defaultConfig()
	cfg.PartialPolicy = ocr.PartialFail
	client := ocr.NewClient(s, provider, cfg)
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ocr.OutcomeFailed, outcome.State)
	assert.Contains(t, outcome.Cause, "rejected by policy")

	stored, err := s.ExternalJob().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExternalJobStatusFailed, stored.Status)
}

func TestRemoteFailureReportsProviderWarning(t *testing.T) {
	s := newOCRStore(t)
	provider := &fakeProvider{script: []ocr.StatusPage{
		{Status: ocr.ProviderStatusFailed, Warnings: []string{"unsupported file format"}},
	}}
	client := ocr.NewClient(s, provider, defaultConfig())
	ctx := context.Background()

	job, err := client.Start(ctx, uuid.New(), "ocr", "documents/a")
	require.NoError(t, err)

	outcome, err := client.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ocr.OutcomeFailed, outcome.State)
	assert.Equal(t, "unsupported file format", outcome.Cause)
}
