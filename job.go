package fixfinder

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Job lifecycle
// ============================================================================

// Participant roles used for transition authorization.
const (
	RoleRequester    = "requester"
	RoleProfessional = "professional"
)

// jobTransitions is the canonical lifecycle: monotonic along the main path,
// with cancelled reachable from the two non-terminal working states.
var jobTransitions = map[JobState][]JobState{
	JobStateNone:           {JobStateRequested},
	JobStateRequested:      {JobStateInProgress, JobStateCancelled},
	JobStateInProgress:     {JobStateCompletedByPro, JobStateCancelled},
	JobStateCompletedByPro: {JobStateClosed},
}

func canTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobControllerConfig configures a JobController.
type JobControllerConfig struct {
	ConversationID string
	SelfID         string
	Role           string // RoleRequester or RoleProfessional

	Client  *Client
	Channel Channel
	State   *LocalState
	Logger  logrus.FieldLogger

	// OnChange observes every accepted job update; may be nil.
	OnChange func(Job)
	// OnReviewPrompt opens the review UI; may be nil.
	OnReviewPrompt func(Job)
}

// JobController drives the job attached to a conversation. Transitions are
// network-first: local state changes only once the server accepted the call,
// and every accepted transition is broadcast as a full job record. Inbound
// job updates merge last-write-wins, the newer record replacing the job
// wholesale.
type JobController struct {
	cfg JobControllerConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	job      *Job
	prompted map[string]bool // job ids review-prompted this session
}

// NewJobController creates a controller with no attached job.
func NewJobController(cfg JobControllerConfig) *JobController {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.State == nil {
		cfg.State = NewEphemeralState()
	}
	return &JobController{
		cfg:      cfg,
		log:      log.WithField("conversation_id", cfg.ConversationID),
		prompted: make(map[string]bool),
	}
}

// Job returns the attached job, if any.
func (c *JobController) Job() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Job{}, false
	}
	return *c.job, true
}

// State returns the derived canonical state, JobStateNone when no job is
// attached.
func (c *JobController) State() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.DeriveState()
}

// Attach seeds the controller from a fetched conversation record.
func (c *JobController) Attach(job *Job) {
	if job == nil {
		return
	}
	c.applyJob(*job, false)
}

// ── User-driven transitions ──────────────────────────────

// Request creates the job and attaches it to the conversation. Requester
// only; a conversation holds at most one non-terminal job at a time.
func (c *JobController) Request(ctx context.Context, req *JobRequest) (Job, error) {
	if c.cfg.Role != RoleRequester {
		return Job{}, errors.Wrap(ErrInvalidTransition, "only the requester can request a job")
	}
	c.mu.Lock()
	if s := c.job.DeriveState(); s != JobStateNone && !s.Terminal() {
		c.mu.Unlock()
		return Job{}, errors.Wrapf(ErrInvalidTransition, "job already active in state %q", s)
	}
	c.mu.Unlock()

	job, err := c.cfg.Client.Jobs.Request(ctx, c.cfg.ConversationID, req)
	if err != nil {
		return Job{}, err
	}
	c.applyJob(*job, true)
	return *job, nil
}

// Accept moves job_requested to in_progress. Professional only.
func (c *JobController) Accept(ctx context.Context) (Job, error) {
	return c.transition(ctx, RoleProfessional, JobStateInProgress, func(ctx context.Context, id string) (*Job, error) {
		return c.cfg.Client.Jobs.Accept(ctx, id)
	})
}

// Cancel exits to cancelled from either working state. Either party may
// cancel, but a non-empty reason is required.
func (c *JobController) Cancel(ctx context.Context, reason string) (Job, error) {
	if reason == "" {
		return Job{}, ErrReasonRequired
	}
	return c.transition(ctx, "", JobStateCancelled, func(ctx context.Context, id string) (*Job, error) {
		return c.cfg.Client.Jobs.Cancel(ctx, id, reason)
	})
}

// MarkCompleted moves in_progress to completed_by_pro, pending the
// requester's confirmation. Professional only.
func (c *JobController) MarkCompleted(ctx context.Context) (Job, error) {
	return c.transition(ctx, RoleProfessional, JobStateCompletedByPro, func(ctx context.Context, id string) (*Job, error) {
		return c.cfg.Client.Jobs.MarkCompleted(ctx, id)
	})
}

// ConfirmCompletion moves completed_by_pro to closed. Requester only.
func (c *JobController) ConfirmCompletion(ctx context.Context) (Job, error) {
	return c.transition(ctx, RoleRequester, JobStateClosed, func(ctx context.Context, id string) (*Job, error) {
		return c.cfg.Client.Jobs.ConfirmCompletion(ctx, id)
	})
}

func (c *JobController) transition(ctx context.Context, requiredRole string, to JobState, call func(context.Context, string) (*Job, error)) (Job, error) {
	if requiredRole != "" && c.cfg.Role != requiredRole {
		return Job{}, errors.Wrapf(ErrInvalidTransition, "transition to %q requires the %s", to, requiredRole)
	}

	c.mu.Lock()
	if c.job == nil {
		c.mu.Unlock()
		return Job{}, ErrNoActiveJob
	}
	from := c.job.DeriveState()
	jobID := c.job.ID
	c.mu.Unlock()

	if !canTransition(from, to) {
		return Job{}, errors.Wrapf(ErrInvalidTransition, "%q to %q", from, to)
	}

	job, err := call(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	c.applyJob(*job, true)
	return *job, nil
}

// ── Inbound merge ────────────────────────────────────────

// ApplyRemote merges a job:update pushed by the other party. The update
// replaces the job object wholesale (last write wins); redelivery is
// harmless.
func (c *JobController) ApplyRemote(job Job) {
	if job.ConversationID != "" && job.ConversationID != c.cfg.ConversationID {
		return
	}
	c.applyJob(job, false)
}

func (c *JobController) applyJob(job Job, broadcast bool) {
	c.mu.Lock()
	if c.job != nil && c.job.ID == job.ID && !job.UpdatedAt.IsZero() &&
		job.UpdatedAt.Before(c.job.UpdatedAt) {
		// Stale update raced a newer one; keep the newer record.
		c.mu.Unlock()
		return
	}
	j := job
	c.job = &j
	c.mu.Unlock()

	if broadcast {
		if err := c.cfg.Channel.Emit(EvtJobUpdate, JobUpdateEvent{
			ConversationID: c.cfg.ConversationID,
			SenderID:       c.cfg.SelfID,
			Job:            job,
		}); err != nil {
			c.log.WithField("job_id", job.ID).WithError(err).Warn("job update not broadcast")
		}
	}
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(job)
	}
	c.maybePromptReview(job)
}

// ── Review gate ──────────────────────────────────────────

// maybePromptReview opens the review prompt at most once per job for the
// lifetime of the mounted view: requester only, not already prompted this
// session, not durably recorded as reviewed, and no existing review found by
// a best-effort remote check (a failed check counts as "not yet reviewed").
func (c *JobController) maybePromptReview(job Job) {
	if job.DeriveState() != JobStateClosed || c.cfg.Role != RoleRequester {
		return
	}

	c.mu.Lock()
	if c.prompted[job.ID] {
		c.mu.Unlock()
		return
	}
	c.prompted[job.ID] = true
	c.mu.Unlock()

	if c.cfg.State.IsReviewed(job.ID) {
		return
	}

	existing, err := c.cfg.Client.Reviews.ForJob(context.Background(), job.ID)
	if err != nil {
		c.log.WithField("job_id", job.ID).WithError(err).Debug("review check failed, prompting anyway")
	} else if existing != nil {
		if err := c.cfg.State.MarkReviewed(job.ID); err != nil {
			c.log.WithField("job_id", job.ID).WithError(err).Warn("failed to record reviewed job")
		}
		return
	}

	if c.cfg.OnReviewPrompt != nil {
		c.cfg.OnReviewPrompt(job)
	}
}

// SubmitReview submits the requester's review and durably records the job as
// reviewed so the prompt never fires for it again.
func (c *JobController) SubmitReview(ctx context.Context, rating int, comment string) error {
	c.mu.Lock()
	job := c.job
	if job == nil {
		c.mu.Unlock()
		return ErrNoActiveJob
	}
	req := &CreateReviewRequest{
		ProfessionalID: job.ProfessionalID,
		JobID:          job.ID,
		Rating:         rating,
		Comment:        comment,
	}
	c.mu.Unlock()

	if err := c.cfg.Client.Reviews.Create(ctx, req); err != nil {
		return err
	}
	if err := c.cfg.State.MarkReviewed(req.JobID); err != nil {
		c.log.WithField("job_id", req.JobID).WithError(err).Warn("failed to record reviewed job")
	}
	return nil
}
