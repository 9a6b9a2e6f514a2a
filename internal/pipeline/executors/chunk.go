package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/pipeline/worker"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// DefaultChunkSize is the target chunk length in runes. Chunks break on
// paragraph boundaries when one falls inside the window.
const DefaultChunkSize = 4000

// ChunkExecutor splits the recognized document text into bounded
// chunks for per-chunk downstream processing.
type ChunkExecutor struct {
	store     store.Store
	cache     *cache.Cache
	chunkSize int
	log       *zap.SugaredLogger
}

func NewChunkExecutor(s store.Store, c *cache.Cache, chunkSize int) *ChunkExecutor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkExecutor{
		store:     s,
		cache:     c,
		chunkSize: chunkSize,
		log:       zap.S().Named("executor.chunking"),
	}
}

func (e *ChunkExecutor) Dependency() string { return "" }

func (e *ChunkExecutor) Execute(ctx context.Context, task model.Task) (worker.Disposition, error) {
	text, err := loadArtifact(ctx, e.store, e.cache, task.DocumentID, stages.StageOCR)
	if err != nil {
		return worker.Completed, err
	}

	chunks := SplitText(string(text), e.chunkSize)
	e.log.Debugf("document %s: split %d runes into %d chunks", task.DocumentID, len([]rune(string(text))), len(chunks))

	content, err := json.Marshal(chunks)
	if err != nil {
		return worker.Completed, retry.Integrity(err)
	}
	if err := putArtifact(ctx, e.store, e.cache, task.DocumentID, task.Stage, content); err != nil {
		return worker.Completed, err
	}
	return worker.Completed, nil
}

// SplitText cuts text into chunks of at most chunkSize runes,
// preferring paragraph boundaries. Empty text yields a single empty
// chunk so downstream stages always have input.
func SplitText(text string, chunkSize int) []string {
	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= chunkSize {
			chunks = append(chunks, string(runes))
			break
		}
		window := string(runes[:chunkSize])
		cut := chunkSize
		if i := strings.LastIndex(window, "\n\n"); i > chunkSize/2 {
			cut = len([]rune(window[:i+2]))
		} else if i := strings.LastIndexByte(window, '\n'); i > chunkSize/2 {
			cut = len([]rune(window[:i+1]))
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// loadArtifact reads a stage output, trying the cache first and falling
// back to the durable store. Only the store is authoritative.
func loadArtifact(ctx context.Context, s store.Store, c *cache.Cache, documentID uuid.UUID, stage string) ([]byte, error) {
	if c != nil {
		if content, err := c.GetArtifact(ctx, documentID, stage); err == nil && content != nil {
			return content, nil
		}
	}
	artifact, err := s.Artifact().Get(ctx, documentID, stage)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, retry.Integrity(fmt.Errorf("missing %s artifact for document %s", stage, documentID))
		}
		return nil, retry.Transient(err)
	}
	return artifact.Content, nil
}

func putArtifact(ctx context.Context, s store.Store, c *cache.Cache, documentID uuid.UUID, stage string, content []byte) error {
	if err := s.Artifact().Put(ctx, documentID, stage, content); err != nil {
		return retry.Transient(err)
	}
	if c != nil {
		if err := c.PutArtifact(ctx, documentID, stage, content); err != nil {
			zap.S().Named("executors").Warnf("document %s: artifact cache write failed: %v", documentID, err)
		}
	}
	return nil
}
