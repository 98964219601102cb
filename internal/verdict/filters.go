package verdict

import (
	"fmt"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/models"
)

// Filter decides whether a submission may enter a task's log.
// Check returns a non-empty reason when the submission must be rejected;
// the first rejecting filter in a chain wins.
type Filter interface {
	Name() string
	Check(task *models.TaskRun, sub *models.Submission) string
}

// FiltersFromConfig builds the filter chain for a task template
func FiltersFromConfig(cfg models.FilterConfig) []Filter {
	var chain []Filter
	if cfg.RejectDuplicates {
		chain = append(chain, &DuplicateFilter{})
	}
	if cfg.MaxPerTeam > 0 {
		chain = append(chain, &TeamLimitFilter{Max: cfg.MaxPerTeam, CorrectUnlimited: cfg.CorrectUnlimited})
	}
	if cfg.MinIntervalMs > 0 {
		chain = append(chain, &RateLimitFilter{MinInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond})
	}
	return chain
}

// DuplicateFilter rejects a submission whose target a team already submitted
type DuplicateFilter struct{}

func (f *DuplicateFilter) Name() string { return "duplicate" }

func (f *DuplicateFilter) Check(task *models.TaskRun, sub *models.Submission) string {
	for _, prev := range task.Submissions {
		if prev.TeamID != sub.TeamID {
			continue
		}
		if sameTarget(prev.Target, sub.Target) {
			return "duplicate submission"
		}
	}
	return ""
}

func sameTarget(a, b models.SubmissionTarget) bool {
	if a.ItemID != b.ItemID || a.Text != b.Text {
		return false
	}
	return int64Equal(a.StartMs, b.StartMs) && int64Equal(a.EndMs, b.EndMs)
}

func int64Equal(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// TeamLimitFilter caps the number of submissions per team. With
// CorrectUnlimited set, only non-correct submissions count towards the cap.
type TeamLimitFilter struct {
	Max              int
	CorrectUnlimited bool
}

func (f *TeamLimitFilter) Name() string { return "team-limit" }

func (f *TeamLimitFilter) Check(task *models.TaskRun, sub *models.Submission) string {
	count := 0
	for _, prev := range task.Submissions {
		if prev.TeamID != sub.TeamID {
			continue
		}
		if f.CorrectUnlimited && prev.Status == models.StatusCorrect {
			continue
		}
		count++
	}
	if count >= f.Max {
		return fmt.Sprintf("team submission limit of %d reached", f.Max)
	}
	return ""
}

// RateLimitFilter enforces a minimum interval between submissions of one member
type RateLimitFilter struct {
	MinInterval time.Duration
}

func (f *RateLimitFilter) Name() string { return "rate-limit" }

func (f *RateLimitFilter) Check(task *models.TaskRun, sub *models.Submission) string {
	for i := len(task.Submissions) - 1; i >= 0; i-- {
		prev := task.Submissions[i]
		if prev.MemberID != sub.MemberID {
			continue
		}
		if sub.Timestamp.Sub(prev.Timestamp) < f.MinInterval {
			return fmt.Sprintf("submissions must be at least %s apart", f.MinInterval)
		}
		break
	}
	return ""
}
