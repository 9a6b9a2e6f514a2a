package store

import (
	"context"

	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Task() Task
	ExternalJob() ExternalJob
	StageRecord() StageRecord
	Barrier() Barrier
	Artifact() Artifact
	InitialMigration() error
	Close() error
}

type DataStore struct {
	db          *gorm.DB
	task        Task
	externalJob ExternalJob
	stageRecord StageRecord
	barrier     Barrier
	artifact    Artifact
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:          db,
		task:        NewTask(db),
		externalJob: NewExternalJob(db),
		stageRecord: NewStageRecord(db),
		barrier:     NewBarrier(db),
		artifact:    NewArtifact(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Task() Task {
	return s.task
}

func (s *DataStore) ExternalJob() ExternalJob {
	return s.externalJob
}

func (s *DataStore) StageRecord() StageRecord {
	return s.stageRecord
}

func (s *DataStore) Barrier() Barrier {
	return s.barrier
}

func (s *DataStore) Artifact() Artifact {
	return s.artifact
}

// InitialMigration creates the schema via gorm. Production deployments
// run the goose migrations instead; this path covers sqlite and tests.
func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(
		&model.Task{},
		&model.ExternalJob{},
		&model.StageRecord{},
		&model.JoinBarrier{},
		&model.Artifact{},
	)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
