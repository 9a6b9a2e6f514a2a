package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"github.com/lexflow/lexflow/pkg/metrics"
	"go.uber.org/zap"
)

// PartialResultPolicy decides what a partial_success remote result
// means: accept the truncated output or treat the job as failed.
type PartialResultPolicy string

const (
	PartialAccept PartialResultPolicy = "accept"
	PartialFail   PartialResultPolicy = "fail"
)

type Config struct {
	PollInitialDelay time.Duration
	PollInterval     time.Duration
	PollMaxWait      time.Duration
	MinConfidence    float64
	PartialPolicy    PartialResultPolicy
}

// Client wraps one remote long-running job: start, poll, assemble.
// It never retries on its own; failures bubble up to the retry
// controller so polling logic stays pure.
type Client struct {
	store    store.Store
	provider Provider
	cfg      Config
}

func NewClient(s store.Store, provider Provider, cfg Config) *Client {
	return &Client{store: s, provider: provider, cfg: cfg}
}

// IdempotencyToken is deterministic from (document, stage) so retried
// submissions never create duplicate remote jobs.
func IdempotencyToken(documentID uuid.UUID, stage string) string {
	sum := sha256.Sum256([]byte(documentID.String() + "|" + stage))
	return hex.EncodeToString(sum[:])
}

// Start submits the remote job. Re-invocation after a crash either
// attaches to the already-running remote job (the durable row carries
// its provider id) or re-sends the start with the same token, which the
// provider deduplicates.
func (c *Client) Start(ctx context.Context, documentID uuid.UUID, stage, inputRef string) (*model.ExternalJob, error) {
	token := IdempotencyToken(documentID, stage)

	job, err := c.store.ExternalJob().Create(ctx, model.ExternalJob{
		DocumentID:       documentID,
		Stage:            stage,
		Status:           model.ExternalJobStatusSubmitted,
		IdempotencyToken: token,
	})
	attached := errors.Is(err, store.ErrDuplicateKey)
	if err != nil && !attached {
		return nil, retry.Transient(fmt.Errorf("persisting external job: %w", err))
	}

	if attached && job.ProviderJobID != "" {
		zap.S().Named("ocr").Debugf("attaching to running remote job %s for document %s", job.ProviderJobID, documentID)
		return job, nil
	}

	providerJobID, err := c.provider.StartJob(ctx, JobInput{InputLocation: inputRef}, token)
	if err != nil {
		if retry.Classify(err) == retry.KindExternalProvider {
			_ = c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusFailed, store.ExternalJobUpdate{
				Warnings: []string{err.Error()},
			})
		}
		return nil, err
	}

	if err := c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusInProgress, store.ExternalJobUpdate{
		ProviderJobID: &providerJobID,
	}); err != nil {
		return nil, retry.Transient(err)
	}

	job.ProviderJobID = providerJobID
	job.Status = model.ExternalJobStatusInProgress
	return job, nil
}

type OutcomeState int

const (
	OutcomeRunning OutcomeState = iota
	OutcomeDone
	OutcomeFailed
)

// Outcome is the result of a single poll step. Running outcomes carry
// the delay before the next attempt so the caller can re-enqueue a
// continuation instead of blocking.
type Outcome struct {
	State     OutcomeState
	Result    string
	Partial   bool
	Dropped   int
	NextDelay time.Duration
	Cause     string
}

// Poll performs one poll attempt. Exceeding the total wait budget marks
// the job failed with an explicit timeout cause rather than being
// inferred from silence. On success all result pages are fetched and
// assembled preserving the provider's geometric ordering.
func (c *Client) Poll(ctx context.Context, job *model.ExternalJob) (Outcome, error) {
	if job.ProviderJobID == "" {
		return Outcome{}, retry.Integrity(fmt.Errorf("external job %s has no provider job id", job.ID))
	}

	if elapsed := time.Since(job.StartedAt); elapsed > c.cfg.PollMaxWait {
		cause := fmt.Sprintf("poll budget exceeded after %s", elapsed.Round(time.Second))
		if err := c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusFailed, store.ExternalJobUpdate{
			Warnings: []string{cause},
		}); err != nil {
			return Outcome{}, retry.Transient(err)
		}
		metrics.IncreaseOcrPollAttempts("timeout")
		return Outcome{State: OutcomeFailed, Cause: cause}, nil
	}

	page, err := c.provider.GetJobStatus(ctx, job.ProviderJobID, "")
	if err != nil {
		metrics.IncreaseOcrPollAttempts("error")
		return Outcome{}, err
	}
	metrics.IncreaseOcrPollAttempts(string(page.Status))

	switch page.Status {
	case ProviderStatusRunning:
		if job.Status == model.ExternalJobStatusSubmitted {
			_ = c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusInProgress, store.ExternalJobUpdate{})
		}
		return Outcome{State: OutcomeRunning, NextDelay: c.cfg.PollInterval}, nil

	case ProviderStatusFailed:
		cause := "remote job failed"
		if len(page.Warnings) > 0 {
			cause = page.Warnings[0]
		}
		if err := c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusFailed, store.ExternalJobUpdate{
			Warnings: page.Warnings,
		}); err != nil {
			return Outcome{}, retry.Transient(err)
		}
		return Outcome{State: OutcomeFailed, Cause: cause}, nil

	case ProviderStatusSucceeded, ProviderStatusPartialSuccess:
		return c.finish(ctx, job, page)

	default:
		return Outcome{}, retry.Transient(fmt.Errorf("unknown provider status %q", page.Status))
	}
}

func (c *Client) finish(ctx context.Context, job *model.ExternalJob, first StatusPage) (Outcome, error) {
	fragments := first.Fragments
	warnings := first.Warnings
	pageCount := first.PageCount

	// pagination loop: the provider returns fragments page by page
	token := first.NextPageToken
	for token != "" {
		page, err := c.provider.GetJobStatus(ctx, job.ProviderJobID, token)
		if err != nil {
			return Outcome{}, err
		}
		fragments = append(fragments, page.Fragments...)
		warnings = append(warnings, page.Warnings...)
		token = page.NextPageToken
	}

	partial := first.Status == ProviderStatusPartialSuccess
	if partial && c.cfg.PartialPolicy == PartialFail {
		cause := "partial result rejected by policy"
		if err := c.store.ExternalJob().UpdateStatus(ctx, job.ID, model.ExternalJobStatusFailed, store.ExternalJobUpdate{
			Warnings: append(warnings, cause),
		}); err != nil {
			return Outcome{}, retry.Transient(err)
		}
		return Outcome{State: OutcomeFailed, Cause: cause, Partial: true}, nil
	}

	text, dropped := Assemble(fragments, c.cfg.MinConfidence)
	avg := AverageConfidence(fragments)

	status := model.ExternalJobStatusSucceeded
	if partial {
		status = model.ExternalJobStatusPartialSuccess
	}
	if err := c.store.ExternalJob().UpdateStatus(ctx, job.ID, status, store.ExternalJobUpdate{
		PageCount:     &pageCount,
		AvgConfidence: &avg,
		Warnings:      warnings,
	}); err != nil {
		return Outcome{}, retry.Transient(err)
	}

	return Outcome{State: OutcomeDone, Result: text, Partial: partial, Dropped: dropped}, nil
}

// InitialDelay is the wait before the first poll attempt.
func (c *Client) InitialDelay() time.Duration {
	return c.cfg.PollInitialDelay
}

// Interval is the wait between subsequent poll attempts.
func (c *Client) Interval() time.Duration {
	return c.cfg.PollInterval
}
