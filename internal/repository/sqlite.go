package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/models"
)

// Repository provides data access methods
type Repository struct {
	db *sql.DB
}

// New creates a new Repository
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

// NewWithDB wraps an existing database handle, for tests
func NewWithDB(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Close closes the database connection
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate runs database migrations. Runs and templates are stored
// whole as JSON documents; the indexed columns exist for listing.
func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS evaluation_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS run_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluation_runs_status ON evaluation_runs(status)`,
	}
	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return errors.Wrap(err, errors.ErrInternal, "migration failed")
		}
	}
	return nil
}

// Load retrieves one evaluation run by id
func (r *Repository) Load(ctx context.Context, id string) (*models.EvaluationRun, error) {
	var document string
	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM evaluation_runs WHERE id = ?", id).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, errors.UnknownEntityf("no evaluation run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "load run")
	}
	var run models.EvaluationRun
	if err := json.Unmarshal([]byte(document), &run); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "decode run")
	}
	return &run, nil
}

// Save upserts one evaluation run
func (r *Repository) Save(ctx context.Context, run *models.EvaluationRun) error {
	document, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "encode run")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO evaluation_runs (id, name, status, document, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   status = excluded.status,
		   document = excluded.document,
		   updated_at = excluded.updated_at`,
		run.ID, run.Name, string(run.Status), string(document), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "save run")
	}
	return nil
}

// Exists reports whether a run with the given id is stored
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		"SELECT 1 FROM evaluation_runs WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrInternal, "run exists")
	}
	return true, nil
}

// ListRuns returns every stored evaluation run
func (r *Repository) ListRuns(ctx context.Context) ([]models.EvaluationRun, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT document FROM evaluation_runs ORDER BY updated_at DESC")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "list runs")
	}
	defer rows.Close()

	var runs []models.EvaluationRun
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "scan run")
		}
		var run models.EvaluationRun
		if err := json.Unmarshal([]byte(document), &run); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "decode run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadTemplate retrieves one run template by id
func (r *Repository) LoadTemplate(ctx context.Context, id string) (*models.RunTemplate, error) {
	var document string
	err := r.db.QueryRowContext(ctx,
		"SELECT document FROM run_templates WHERE id = ?", id).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, errors.UnknownEntityf("no run template %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "load template")
	}
	var template models.RunTemplate
	if err := json.Unmarshal([]byte(document), &template); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "decode template")
	}
	return &template, nil
}

// SaveTemplate upserts one run template
func (r *Repository) SaveTemplate(ctx context.Context, template *models.RunTemplate) error {
	document, err := json.Marshal(template)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "encode template")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO run_templates (id, name, document, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   document = excluded.document,
		   updated_at = excluded.updated_at`,
		template.ID, template.Name, string(document), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "save template")
	}
	return nil
}

// ListTemplates returns every stored run template
func (r *Repository) ListTemplates(ctx context.Context) ([]models.RunTemplate, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT document FROM run_templates ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "list templates")
	}
	defer rows.Close()

	var templates []models.RunTemplate
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "scan template")
		}
		var template models.RunTemplate
		if err := json.Unmarshal([]byte(document), &template); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "decode template")
		}
		templates = append(templates, template)
	}
	return templates, rows.Err()
}
