package run

import (
	"context"

	"github.com/dres-dev/DRES-sub000/internal/models"
)

// Persistence is the storage contract the orchestrator depends on.
// Implementations are assumed transactional per call.
type Persistence interface {
	Save(ctx context.Context, run *models.EvaluationRun) error
}

// Broadcaster delivers outbound protocol messages to connected clients
type Broadcaster interface {
	// BroadcastAll sends to every connected client
	BroadcastAll(msg models.ServerMessage)
	// BroadcastRun sends to every client observing the run
	BroadcastRun(runID string, msg models.ServerMessage)
	// BroadcastTeam sends to clients observing the run and belonging to the team
	BroadcastTeam(runID, teamID string, msg models.ServerMessage)
	// Send delivers to a single client
	Send(clientID string, msg models.ServerMessage)
}
