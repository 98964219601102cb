package handlers

// LoginRequest carries credentials for session creation
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateRunRequest schedules a new evaluation run from a template
type CreateRunRequest struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
}

// GoToRequest moves the task template pointer to an absolute index
type GoToRequest struct {
	Index int `json:"index"`
}

// AdjustDurationRequest changes the running task's duration
type AdjustDurationRequest struct {
	DeltaSeconds int `json:"delta_seconds"`
}

// SubmissionRequest is one participant answer
type SubmissionRequest struct {
	ItemID  string `json:"item_id,omitempty"`
	StartMs *int64 `json:"start_ms,omitempty"`
	EndMs   *int64 `json:"end_ms,omitempty"`
	Text    string `json:"text,omitempty"`
}

// VerdictRequest carries a judge or vote verdict
type VerdictRequest struct {
	Token   string `json:"token,omitempty"`
	Verdict string `json:"verdict"`
}
