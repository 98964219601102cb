package repository

import (
	"context"

	"github.com/dres-dev/DRES-sub000/internal/models"
)

// RunRepository defines evaluation run persistence. Each call is
// transactional; runs are saved whole and never deleted.
type RunRepository interface {
	Load(ctx context.Context, id string) (*models.EvaluationRun, error)
	Save(ctx context.Context, run *models.EvaluationRun) error
	Exists(ctx context.Context, id string) (bool, error)
	ListRuns(ctx context.Context) ([]models.EvaluationRun, error)
}

// TemplateRepository defines read-only competition template access
type TemplateRepository interface {
	LoadTemplate(ctx context.Context, id string) (*models.RunTemplate, error)
	SaveTemplate(ctx context.Context, template *models.RunTemplate) error
	ListTemplates(ctx context.Context) ([]models.RunTemplate, error)
}

// FullRepository combines all repository interfaces
type FullRepository interface {
	RunRepository
	TemplateRepository
}

// Ensure Repository implements all interfaces
var _ FullRepository = (*Repository)(nil)
