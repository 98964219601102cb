package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dres-dev/DRES-sub000/internal/auth"
	"github.com/dres-dev/DRES-sub000/internal/run"
)

// Routes wires up the HTTP API.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/ws", h.Hub.ServeWs)
	r.Post("/api/login", h.handleLogin)

	r.Route("/api/runs", func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.With(auth.RequireRole(run.RoleAdmin)).Post("/", h.handleCreateRun)
		r.Get("/", h.handleListRuns)

		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/state", h.handleRunState)
			r.Get("/submissions/{taskRunID}", h.handleSubmissions)
			r.Get("/scoreboards", h.handleScoreboards)
			r.Get("/scoreboards/{board}/series", h.handleScoreSeries)
			r.Get("/qr", h.handleJoinQR)

			admin := r.With(auth.RequireRole(run.RoleAdmin))
			admin.Post("/start", h.handleStartRun)
			admin.Post("/end", h.handleEndRun)
			admin.Post("/reactivate", h.handleReactivateRun)
			admin.Post("/previous", h.handlePrevious)
			admin.Post("/next", h.handleNext)
			admin.Post("/goto", h.handleGoTo)
			admin.Post("/task/start", h.handleStartTask)
			admin.Post("/task/abort", h.handleAbortTask)
			admin.Post("/task/{taskRunID}/reactivate", h.handleReactivateTask)
			admin.Post("/duration", h.handleAdjustDuration)
			admin.Post("/ready/{clientID}", h.handleOverrideReady)

			r.With(auth.RequireRole(run.RoleParticipant, run.RoleAdmin)).
				Post("/submission", h.handlePostSubmission)
			r.With(auth.RequireRole(run.RoleJudge, run.RoleAdmin)).
				Patch("/submission/{submissionID}", h.handleUpdateSubmission)
			r.With(auth.RequireRole(run.RoleJudge, run.RoleAdmin)).
				Post("/judge/next", h.handleNextJudgement)
			r.With(auth.RequireRole(run.RoleJudge, run.RoleAdmin)).
				Post("/judge", h.handlePostJudgement)
			r.With(auth.RequireRole(run.RoleViewer, run.RoleAdmin)).
				Post("/vote", h.handlePostVote)
		})
	})

	return r
}
