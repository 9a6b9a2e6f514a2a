package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"github.com/lexflow/lexflow/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// SweepStats counts one sweep's outcomes.
type SweepStats struct {
	Reset   int       `json:"reset"`
	Failed  int       `json:"failed"`
	Resumed int       `json:"resumed"`
	SweptAt time.Time `json:"swept_at"`
}

// Resumer re-dispatches a document whose successor work was lost
// between a durable stage write and the dispatch that should have
// followed it.
type Resumer interface {
	ResumeDocument(ctx context.Context, record *model.StageRecord) (bool, error)
}

// Monitor reclaims tasks whose worker died or exceeded the processing
// time budget, and resumes documents such a death left without
// successor work.
type Monitor struct {
	store         store.Store
	resumer       Resumer
	maxProcessing time.Duration
	interval      time.Duration

	mu   sync.Mutex
	last SweepStats
}

func New(s store.Store, resumer Resumer, maxProcessing, interval time.Duration) *Monitor {
	return &Monitor{
		store:         s,
		resumer:       resumer,
		maxProcessing: maxProcessing,
		interval:      interval,
	}
}

// Sweep finds tasks stuck in processing past the budget. Tasks with
// retry budget left go back to pending with a timeout annotation;
// exhausted tasks fail permanently. Both updates are optimistic: a task
// that completed a moment before the sweep is left alone.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	cutoff := time.Now().UTC().Add(-m.maxProcessing)

	stalled, err := m.store.Task().List(ctx,
		store.NewTaskQueryFilter().StartedBefore(cutoff),
		nil,
	)
	if err != nil {
		return SweepStats{}, fmt.Errorf("listing stalled tasks: %w", err)
	}

	stats := SweepStats{SweptAt: time.Now().UTC()}
	for _, task := range stalled {
		owner := "unknown"
		if task.LeaseOwner != nil {
			owner = *task.LeaseOwner
		}
		annotation := fmt.Sprintf("processing exceeded %s (lease held by %s)", m.maxProcessing, owner)

		if task.RetryCount <= task.MaxRetries {
			err = m.store.Task().ResetIfStalled(ctx, task, annotation)
			if err == nil {
				stats.Reset++
				continue
			}
		} else {
			err = m.store.Task().FailIfStalled(ctx, task, annotation)
			if err == nil {
				stats.Failed++
				zap.S().Named("monitor").Warnf("task %s permanently failed after %d attempts", task.ID, task.RetryCount)
				continue
			}
		}

		if errors.Is(err, store.ErrConcurrencyConflict) {
			// the task finished (or was already reclaimed) between
			// selection and update
			continue
		}
		return stats, err
	}

	stats.Resumed, err = m.resumeDocuments(ctx, cutoff)
	if err != nil {
		return stats, err
	}

	metrics.IncreaseStalledTasksReset(stats.Reset)
	metrics.IncreaseStalledTasksFailed(stats.Failed)

	m.mu.Lock()
	m.last = stats
	m.mu.Unlock()

	if stats.Reset > 0 || stats.Failed > 0 || stats.Resumed > 0 {
		zap.S().Named("monitor").Infof("sweep reclaimed %d tasks (%d failed permanently), resumed %d documents",
			stats.Reset, stats.Failed, stats.Resumed)
	}
	return stats, nil
}

// resumeDocuments replays dispatches lost to a worker death. Only
// quiescent documents are considered: a record updated after the cutoff
// still has a live worker racing toward its own dispatch.
func (m *Monitor) resumeDocuments(ctx context.Context, cutoff time.Time) (int, error) {
	if m.resumer == nil {
		return 0, nil
	}

	records, err := m.store.StageRecord().ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing documents: %w", err)
	}

	resumed := 0
	for i := range records {
		record := records[i]
		if record.LastUpdated.After(cutoff) {
			continue
		}
		ok, err := m.resumer.ResumeDocument(ctx, &record)
		if err != nil {
			zap.S().Named("monitor").Errorf("document %s: resume failed: %v", record.DocumentID, err)
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

// LastStats returns the most recent sweep counters for the operational
// read interface.
func (m *Monitor) LastStats() SweepStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run sweeps on a jittered ticker until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := jitterbug.New(m.interval, &jitterbug.Norm{Stdev: m.interval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := m.Sweep(ctx); err != nil {
			zap.S().Named("monitor").Errorf("sweep failed: %v", err)
		}
	}
}
