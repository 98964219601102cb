package verdict

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/models"
)

// Validator determines the correctness of a single submission.
// Implementations either decide immediately or return INDETERMINATE
// and resolve later through asynchronous input.
type Validator interface {
	Validate(sub *models.Submission) models.SubmissionStatus
}

// DeferredValidator is implemented by validators that resolve
// asynchronously and expose their backlog for observability.
type DeferredValidator interface {
	Validator
	Open() int
	Pending() int
}

// ValidatorFromConfig builds the validator for a task template
func ValidatorFromConfig(cfg models.ValidationConfig, targets []models.Target) Validator {
	switch cfg.Kind {
	case models.ValidateTemporal:
		return NewTemporalValidator(targets)
	case models.ValidateText:
		return NewTextValidator(targets, cfg.FuzzyText)
	case models.ValidateJudgement:
		return NewJudgementValidator()
	case models.ValidateVote:
		return NewVoteValidator(cfg.VoteQuorum)
	default:
		return NewItemValidator(targets)
	}
}

// ItemValidator accepts a submission iff it names a correct media item
type ItemValidator struct {
	items map[string]struct{}
}

func NewItemValidator(targets []models.Target) *ItemValidator {
	items := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.ItemID != "" {
			items[t.ItemID] = struct{}{}
		}
	}
	return &ItemValidator{items: items}
}

func (v *ItemValidator) Validate(sub *models.Submission) models.SubmissionStatus {
	if _, ok := v.items[sub.Target.ItemID]; ok {
		return models.StatusCorrect
	}
	return models.StatusWrong
}

// TemporalValidator accepts a submission iff its time range (or instant)
// overlaps a known correct segment of the same media item.
type TemporalValidator struct {
	segments []models.Target
}

func NewTemporalValidator(targets []models.Target) *TemporalValidator {
	return &TemporalValidator{segments: targets}
}

func (v *TemporalValidator) Validate(sub *models.Submission) models.SubmissionStatus {
	start, end := submissionRange(sub)
	for _, seg := range v.segments {
		if seg.ItemID != sub.Target.ItemID {
			continue
		}
		if start <= seg.EndMs && end >= seg.StartMs {
			return models.StatusCorrect
		}
	}
	return models.StatusWrong
}

// submissionRange collapses a missing range to a zero-length instant
func submissionRange(sub *models.Submission) (int64, int64) {
	var start, end int64
	if sub.Target.StartMs != nil {
		start = *sub.Target.StartMs
	}
	end = start
	if sub.Target.EndMs != nil {
		end = *sub.Target.EndMs
	}
	return start, end
}

// TextValidator matches free-text answers, exactly or fuzzily.
// Fuzzy matching ignores case and collapses interior whitespace.
type TextValidator struct {
	answers []string
	fuzzy   bool
}

func NewTextValidator(targets []models.Target, fuzzy bool) *TextValidator {
	var answers []string
	for _, t := range targets {
		if t.Text != "" {
			answers = append(answers, t.Text)
		}
	}
	return &TextValidator{answers: answers, fuzzy: fuzzy}
}

func (v *TextValidator) Validate(sub *models.Submission) models.SubmissionStatus {
	for _, answer := range v.answers {
		if v.fuzzy {
			if normalizeText(sub.Target.Text) == normalizeText(answer) {
				return models.StatusCorrect
			}
		} else if sub.Target.Text == answer {
			return models.StatusCorrect
		}
	}
	return models.StatusWrong
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// JudgementValidator defers correctness to a human judge. Submissions
// queue up INDETERMINATE; a judge claims the next unresolved one with
// Next and resolves it with Judge. Each submission is claimed at most
// once and stays with its claimant until judged.
type JudgementValidator struct {
	mu      sync.Mutex
	queue   []*models.Submission
	claimed map[string]*models.Submission // token -> submission
}

func NewJudgementValidator() *JudgementValidator {
	return &JudgementValidator{claimed: make(map[string]*models.Submission)}
}

func (v *JudgementValidator) Validate(sub *models.Submission) models.SubmissionStatus {
	v.mu.Lock()
	v.queue = append(v.queue, sub)
	v.mu.Unlock()
	return models.StatusIndeterminate
}

// Next claims the oldest unclaimed submission for the given judge and
// returns a token that must accompany the verdict.
func (v *JudgementValidator) Next(judgeID string) (string, *models.Submission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return "", nil, errors.UnknownEntity("no submission awaiting judgement")
	}
	sub := v.queue[0]
	v.queue = v.queue[1:]
	token := uuid.NewString()
	v.claimed[token] = sub
	return token, sub, nil
}

// Judge resolves a previously claimed submission
func (v *JudgementValidator) Judge(token string, verdict models.SubmissionStatus) (*models.Submission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sub, ok := v.claimed[token]
	if !ok {
		return nil, errors.UnknownEntityf("no claimed submission for token %s", token)
	}
	delete(v.claimed, token)
	sub.Status = verdict
	return sub, nil
}

// Open returns the number of unclaimed submissions
func (v *JudgementValidator) Open() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

// Pending returns the number of claimed but unjudged submissions
func (v *JudgementValidator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.claimed)
}

// VoteValidator resolves submissions by a quorum of viewer verdicts.
// Votes apply to the oldest unresolved submission; once one verdict
// reaches the quorum the submission is resolved and voting moves on.
type VoteValidator struct {
	mu     sync.Mutex
	quorum int
	queue  []*models.Submission
	votes  map[models.SubmissionStatus]int
	voters map[string]struct{}
}

func NewVoteValidator(quorum int) *VoteValidator {
	if quorum < 1 {
		quorum = 1
	}
	return &VoteValidator{
		quorum: quorum,
		votes:  make(map[models.SubmissionStatus]int),
		voters: make(map[string]struct{}),
	}
}

func (v *VoteValidator) Validate(sub *models.Submission) models.SubmissionStatus {
	v.mu.Lock()
	v.queue = append(v.queue, sub)
	v.mu.Unlock()
	return models.StatusIndeterminate
}

// Current returns the submission currently up for vote
func (v *VoteValidator) Current() (*models.Submission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return nil, errors.UnknownEntity("no submission awaiting votes")
	}
	return v.queue[0], nil
}

// Vote records one verdict from one voter; a voter may vote once per
// submission. Returns the resolved submission once quorum is reached,
// nil while voting continues.
func (v *VoteValidator) Vote(voterID string, verdict models.SubmissionStatus) (*models.Submission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queue) == 0 {
		return nil, errors.UnknownEntity("no submission awaiting votes")
	}
	if _, voted := v.voters[voterID]; voted {
		return nil, errors.InvalidArgumentf("voter %s has already voted on this submission", voterID)
	}
	v.voters[voterID] = struct{}{}
	v.votes[verdict]++
	if v.votes[verdict] < v.quorum {
		return nil, nil
	}
	sub := v.queue[0]
	v.queue = v.queue[1:]
	sub.Status = verdict
	v.votes = make(map[models.SubmissionStatus]int)
	v.voters = make(map[string]struct{})
	return sub, nil
}

// Open returns the number of submissions awaiting resolution
func (v *VoteValidator) Open() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}

// Pending returns the number of votes cast on the current submission
func (v *VoteValidator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.voters)
}

var (
	_ DeferredValidator = (*JudgementValidator)(nil)
	_ DeferredValidator = (*VoteValidator)(nil)
)
