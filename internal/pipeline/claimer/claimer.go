package claimer

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"github.com/lexflow/lexflow/pkg/metrics"
	"go.uber.org/zap"
)

// Claimer atomically claims batches of pending tasks for one worker
// identity. An empty batch is not an error; callers back off and try
// again.
type Claimer struct {
	store    store.Store
	workerID string
}

func New(s store.Store, workerID string) *Claimer {
	return &Claimer{store: s, workerID: workerID}
}

func (c *Claimer) WorkerID() string {
	return c.workerID
}

func (c *Claimer) Claim(ctx context.Context, batchSize int) (model.TaskList, error) {
	tasks, err := c.store.Task().Claim(ctx, batchSize, c.workerID)
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		perStage := map[string]int{}
		for _, task := range tasks {
			perStage[task.Stage]++
		}
		for stage, count := range perStage {
			metrics.IncreaseTasksClaimed(stage, count)
		}
		zap.S().Named("claimer").Debugf("worker %s claimed %d tasks", c.workerID, len(tasks))
	}

	return tasks, nil
}

// NewWorkerID builds an ephemeral worker identity. Workers are
// stateless; the id only exists to stamp leases.
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}
