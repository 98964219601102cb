package handlers

import (
	"github.com/dres-dev/DRES-sub000/internal/auth"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/repository"
	"github.com/dres-dev/DRES-sub000/internal/run"
	"github.com/dres-dev/DRES-sub000/internal/websocket"
	"github.com/dres-dev/DRES-sub000/pkg/auditlog"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	Log      logger.Logger
	Registry *run.Registry
	Repo     repository.FullRepository
	Auth     *auth.Auth
	Hub      *websocket.Hub
	Audit    auditlog.Client
	LoopOpts run.Options
	BaseURL  string
}

// New creates a new Handlers instance with all dependencies
func New(
	log logger.Logger,
	registry *run.Registry,
	repo repository.FullRepository,
	authn *auth.Auth,
	hub *websocket.Hub,
	audit auditlog.Client,
	loopOpts run.Options,
	baseURL string,
) *Handlers {
	return &Handlers{
		Log:      log,
		Registry: registry,
		Repo:     repo,
		Auth:     authn,
		Hub:      hub,
		Audit:    audit,
		LoopOpts: loopOpts,
		BaseURL:  baseURL,
	}
}
