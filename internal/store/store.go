package store

import (
	"context"
	"errors"

	"github.com/joescharf/obox/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous id prefix")
)

// Store defines the persistence interface for run history.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, idOrPrefix string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
