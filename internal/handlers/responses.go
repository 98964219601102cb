package handlers

import (
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/run"
)

// LoginResponse returns a session token
type LoginResponse struct {
	Token string `json:"token"`
}

// CreateRunResponse returns the scheduled run's id
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// StatusResponse acknowledges a control operation
type StatusResponse struct {
	Status string `json:"status"`
}

// SubmissionResponse returns the verdict for a posted submission
type SubmissionResponse struct {
	Status models.SubmissionStatus `json:"status"`
}

// RunStateResponse is the observable state of a run
type RunStateResponse struct {
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
	Task      *run.TaskInfo    `json:"task,omitempty"`
	Readiness run.GateState    `json:"readiness"`
}

// JudgementResponse hands one claimed submission to a judge
type JudgementResponse struct {
	Token      string            `json:"token"`
	Submission models.Submission `json:"submission"`
}
