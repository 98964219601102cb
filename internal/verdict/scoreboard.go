package verdict

import (
	"sort"
	"sync"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/models"
)

// ScoreSample is one point of a scoreboard's append-only time series
type ScoreSample struct {
	Timestamp time.Time `json:"timestamp"`
	TeamID    string    `json:"team_id"`
	Score     float64   `json:"score"`
}

// TeamScore is one row of a scoreboard snapshot
type TeamScore struct {
	TeamID string  `json:"team_id"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// Scoreboard aggregates scorer output into current per-team scores plus
// an append-only time series. Recomputation is dirty-flag driven so the
// update loop only pays for it after new submissions or tasks.
type Scoreboard struct {
	name   string
	scorer Scorer

	mu     sync.RWMutex
	scores map[string]float64
	series []ScoreSample
	dirty  bool
}

func NewScoreboard(name string, scorer Scorer) *Scoreboard {
	return &Scoreboard{
		name:   name,
		scorer: scorer,
		scores: make(map[string]float64),
	}
}

func (b *Scoreboard) Name() string { return b.name }

// MarkDirty schedules a recomputation on the next update
func (b *Scoreboard) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// Dirty reports whether a recomputation is due
func (b *Scoreboard) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

// Recompute runs the scorer over the given task runs and appends one
// series sample per team. No-op unless the board is dirty.
func (b *Scoreboard) Recompute(now time.Time, tasks []*models.TaskRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return
	}
	b.scores = b.scorer.Scores(tasks)

	teams := make([]string, 0, len(b.scores))
	for team := range b.scores {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	for _, team := range teams {
		b.series = append(b.series, ScoreSample{Timestamp: now, TeamID: team, Score: b.scores[team]})
	}
	b.dirty = false
}

// Scores returns a copy of the current per-team scores
func (b *Scoreboard) Scores() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	scores := make(map[string]float64, len(b.scores))
	for team, score := range b.scores {
		scores[team] = score
	}
	return scores
}

// Ranking returns the current scores as ranked rows, best first. Teams
// with equal scores share a rank.
func (b *Scoreboard) Ranking() []TeamScore {
	scores := b.Scores()
	rows := make([]TeamScore, 0, len(scores))
	for team, score := range scores {
		rows = append(rows, TeamScore{TeamID: team, Score: score})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].TeamID < rows[j].TeamID
	})
	for i := range rows {
		if i > 0 && rows[i].Score == rows[i-1].Score {
			rows[i].Rank = rows[i-1].Rank
		} else {
			rows[i].Rank = i + 1
		}
	}
	return rows
}

// Series returns a copy of the append-only score series
func (b *Scoreboard) Series() []ScoreSample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	series := make([]ScoreSample, len(b.series))
	copy(series, b.series)
	return series
}
