package model

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a stage's durably-stored output. A stage is not complete
// until its artifact row exists; the redis copy is only an accelerator.
type Artifact struct {
	DocumentID uuid.UUID `gorm:"primaryKey"`
	Stage      string    `gorm:"primaryKey"`
	Content    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
