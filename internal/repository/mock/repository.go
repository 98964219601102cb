// Package mock provides an in-memory repository for testing
package mock

import (
	"context"
	"sync"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/repository"
)

// Repository is an in-memory FullRepository with error injection
type Repository struct {
	mu        sync.Mutex
	runs      map[string]models.EvaluationRun
	templates map[string]models.RunTemplate
	saveErr   error
	saves     int
}

// Option configures the mock repository
type Option func(*Repository)

// WithSaveError makes every Save call fail with err
func WithSaveError(err error) Option {
	return func(r *Repository) {
		r.saveErr = err
	}
}

// New creates an empty mock repository
func New(opts ...Option) *Repository {
	r := &Repository{
		runs:      make(map[string]models.EvaluationRun),
		templates: make(map[string]models.RunTemplate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SaveCount returns how many times Save was called
func (r *Repository) SaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *Repository) Load(ctx context.Context, id string) (*models.EvaluationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, errors.UnknownEntityf("no evaluation run %s", id)
	}
	return &run, nil
}

func (r *Repository) Save(ctx context.Context, run *models.EvaluationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[id]
	return ok, nil
}

func (r *Repository) ListRuns(ctx context.Context) ([]models.EvaluationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]models.EvaluationRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *Repository) LoadTemplate(ctx context.Context, id string) (*models.RunTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	template, ok := r.templates[id]
	if !ok {
		return nil, errors.UnknownEntityf("no run template %s", id)
	}
	return &template, nil
}

func (r *Repository) SaveTemplate(ctx context.Context, template *models.RunTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[template.ID] = *template
	return nil
}

func (r *Repository) ListTemplates(ctx context.Context) ([]models.RunTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	templates := make([]models.RunTemplate, 0, len(r.templates))
	for _, template := range r.templates {
		templates = append(templates, template)
	}
	return templates, nil
}

var _ repository.FullRepository = (*Repository)(nil)
