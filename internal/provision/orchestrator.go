// Package provision drives a checkout session from its completed-payment
// event to a fully usable tenant. The provisioning job record is the single
// source of truth for which steps already ran: every step persists its
// result and advances the job state before returning, so any crash or
// redelivery resumes exactly where durable progress stopped.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tutora-provisioning/internal/codes"
	"tutora-provisioning/internal/events"
	"tutora-provisioning/internal/metrics"
	"tutora-provisioning/internal/store"
	"tutora-provisioning/internal/tenants"
)

var (
	// ErrMetadataIncomplete marks an event whose checkout session lacks a
	// required metadata field. Non-retryable: no job is created and
	// redelivery of the same payload can never succeed.
	ErrMetadataIncomplete = errors.New("checkout session metadata incomplete")

	// ErrStepFailed marks a provisioning step failure. The job is left in
	// the failed state with durable progress intact; the processor's
	// redelivery resumes it.
	ErrStepFailed = errors.New("provisioning step failed")

	// ErrRetryCeiling marks a job that failed more times than the configured
	// ceiling. It is not retried further; remediation is manual.
	ErrRetryCeiling = errors.New("provisioning retry ceiling exceeded")
)

const (
	defaultStepTimeout = 15 * time.Second
	defaultMaxAttempts = 5
)

// Notifier enqueues welcome notifications. Enqueue failure fails the
// notified step; anything after enqueue is the dispatcher's problem.
type Notifier interface {
	Send(jobID, template string, data map[string]string) bool
}

// Config carries the orchestrator's tunables. Zero values select defaults.
type Config struct {
	// StepTimeout bounds each external call made by a single step.
	StepTimeout time.Duration
	// MaxAttempts is the retry ceiling for a failed job.
	MaxAttempts int
}

// Orchestrator executes the provisioning state machine for one event at a
// time per session.
type Orchestrator struct {
	logger   *slog.Logger
	store    *store.Store
	codes    *codes.Generator
	tenants  tenants.Directory
	notifier Notifier
	locks    *sessionLocks

	stepTimeout time.Duration
	maxAttempts int
}

// New creates an Orchestrator.
func New(logger *slog.Logger, st *store.Store, gen *codes.Generator, dir tenants.Directory, notifier Notifier, cfg Config) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Orchestrator{
		logger:      logger,
		store:       st,
		codes:       gen,
		tenants:     dir,
		notifier:    notifier,
		locks:       newSessionLocks(),
		stepTimeout: cfg.StepTimeout,
		maxAttempts: cfg.MaxAttempts,
	}
}

// metadata is the per-session payload required to provision a tenant.
type metadata struct {
	SessionID    string
	CompanyName  string
	ContactEmail string
	PlanID       string
	UserCount    int
}

// extractMetadata pulls the required provisioning fields out of the event's
// checkout session.
func extractMetadata(ev *events.InboundEvent) (metadata, error) {
	m := metadata{SessionID: ev.Session.ID}
	if m.SessionID == "" {
		return m, fmt.Errorf("%w: missing session id", ErrMetadataIncomplete)
	}

	fields := ev.Session.Metadata
	m.CompanyName = fields["company_name"]
	m.ContactEmail = fields["contact_email"]
	m.PlanID = fields["plan_id"]
	for name, value := range map[string]string{
		"company_name":  m.CompanyName,
		"contact_email": m.ContactEmail,
		"plan_id":       m.PlanID,
	} {
		if value == "" {
			return m, fmt.Errorf("%w: missing %s", ErrMetadataIncomplete, name)
		}
	}

	count, err := strconv.Atoi(fields["user_count"])
	if err != nil || count <= 0 {
		return m, fmt.Errorf("%w: invalid user_count %q", ErrMetadataIncomplete, fields["user_count"])
	}
	m.UserCount = count
	return m, nil
}

// Handle drives the provisioning job for the event's session to completion,
// resuming from whatever durable state it is already in. Redelivery of an
// event whose job is complete is a silent no-op.
func (o *Orchestrator) Handle(ctx context.Context, ev *events.InboundEvent) (store.JobState, error) {
	meta, err := extractMetadata(ev)
	if err != nil {
		o.logger.Error("Rejecting event with incomplete metadata", "event_id", ev.ID, "error", err)
		return "", err
	}

	unlock := o.locks.acquire(meta.SessionID)
	defer unlock()

	job, err := o.upsertJob(ctx, meta)
	if err != nil {
		return "", err
	}

	logger := o.logger.With("job_id", job.JobID, "session_id", job.SessionID, "attempt", job.Attempt)

	if job.State == store.StateComplete {
		logger.Info("Job already complete, redelivery is a no-op")
		return store.StateComplete, nil
	}

	if job.State == store.StateFailed {
		if job.Attempt >= o.maxAttempts {
			logger.Error("Job exceeded retry ceiling, manual intervention required",
				"attempts", job.Attempt, "last_error", job.LastError)
			return store.StateFailed, fmt.Errorf("%w: %d attempts, last error: %s",
				ErrRetryCeiling, job.Attempt, job.LastError)
		}
		resume := job.ResumeState()
		if err := o.store.ResumeFailedJob(ctx, job.JobID, resume); err != nil {
			if errors.Is(err, store.ErrStaleJob) {
				// Another worker resumed it first; fall through with a fresh read.
				if job, err = o.store.GetJobBySession(ctx, job.SessionID); err != nil {
					return "", fmt.Errorf("%w: %v", ErrStepFailed, err)
				}
			} else {
				return "", fmt.Errorf("%w: %v", ErrStepFailed, err)
			}
		} else {
			job.State = resume
			job.Attempt++
			logger.Info("Resuming failed job", "resume_state", resume)
		}
	}

	for job.State != store.StateComplete {
		var stepErr error
		switch job.State {
		case store.StatePending:
			stepErr = o.createCompany(ctx, job)
		case store.StateCompanyCreated:
			stepErr = o.createAdminUser(ctx, job)
		case store.StateAdminCreated:
			stepErr = o.enqueueWelcome(ctx, job)
		case store.StateNotified:
			stepErr = o.complete(ctx, job)
		default:
			stepErr = fmt.Errorf("job in unexpected state %q", job.State)
		}

		if errors.Is(stepErr, store.ErrStaleJob) {
			// Lost a race: a concurrent delivery advanced the job. Re-read
			// and continue from wherever it is now.
			job, err = o.store.GetJobBySession(ctx, job.SessionID)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrStepFailed, err)
			}
			continue
		}
		if stepErr != nil {
			return o.fail(ctx, logger, job, stepErr)
		}
	}

	logger.Info("Job complete", "company_id", job.CompanyID, "company_code", job.CompanyCode)
	return store.StateComplete, nil
}

// upsertJob finds or creates the job row owning the session. Concurrent
// first deliveries converge on one row through the session_id constraint.
func (o *Orchestrator) upsertJob(ctx context.Context, meta metadata) (*store.Job, error) {
	job, err := o.store.GetJobBySession(ctx, meta.SessionID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}

	job = &store.Job{
		JobID:        "prov_" + meta.SessionID,
		SessionID:    meta.SessionID,
		CompanyName:  meta.CompanyName,
		ContactEmail: meta.ContactEmail,
		PlanID:       meta.PlanID,
		UserCount:    meta.UserCount,
	}
	err = o.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrJobExists) {
		if job, err = o.store.GetJobBySession(ctx, meta.SessionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
		}
		return job, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	o.logger.Info("Created provisioning job", "job_id", job.JobID, "session_id", job.SessionID)
	return job, nil
}

// createCompany runs pending -> company_created: generate a company code,
// create the company, persist both ids with the state advance.
func (o *Orchestrator) createCompany(ctx context.Context, job *store.Job) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	code, err := o.codes.Generate(stepCtx, time.Now().UTC().Year())
	if err != nil {
		metrics.StepObserved("create_company", "failure")
		return fmt.Errorf("generating company code: %w", err)
	}

	companyID, err := o.tenants.CreateCompany(stepCtx, tenants.NewCompany{
		Name:                 job.CompanyName,
		Code:                 code,
		Plan:                 job.PlanID,
		UserCount:            job.UserCount,
		CreatedFromSessionID: job.SessionID,
	})
	if err != nil {
		metrics.StepObserved("create_company", "failure")
		return fmt.Errorf("creating company: %w", err)
	}

	if err := o.store.SetCompanyCreated(ctx, job.JobID, companyID, code); err != nil {
		if !errors.Is(err, store.ErrStaleJob) {
			metrics.StepObserved("create_company", "failure")
		}
		return err
	}
	job.State = store.StateCompanyCreated
	job.CompanyID = companyID
	job.CompanyCode = code
	metrics.StepObserved("create_company", "success")
	return nil
}

// createAdminUser runs company_created -> admin_created.
func (o *Orchestrator) createAdminUser(ctx context.Context, job *store.Job) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	userID, err := o.tenants.CreateAdminUser(stepCtx, job.CompanyID, job.ContactEmail)
	if err != nil {
		metrics.StepObserved("create_admin_user", "failure")
		return fmt.Errorf("creating admin user: %w", err)
	}

	if err := o.store.SetAdminCreated(ctx, job.JobID, userID); err != nil {
		if !errors.Is(err, store.ErrStaleJob) {
			metrics.StepObserved("create_admin_user", "failure")
		}
		return err
	}
	job.State = store.StateAdminCreated
	job.AdminUserID = userID
	metrics.StepObserved("create_admin_user", "success")
	return nil
}

// enqueueWelcome runs admin_created -> notified. The enqueue itself must
// succeed for the step to advance; delivery happens on the dispatcher's own
// schedule and never moves the job backwards.
func (o *Orchestrator) enqueueWelcome(ctx context.Context, job *store.Job) error {
	enqueued := o.notifier.Send(job.JobID, "welcome", map[string]string{
		"company_name": job.CompanyName,
		"company_code": job.CompanyCode,
		"email":        job.ContactEmail,
		"plan":         job.PlanID,
	})
	if !enqueued {
		metrics.StepObserved("enqueue_welcome", "failure")
		return fmt.Errorf("welcome notification enqueue rejected")
	}

	if err := o.store.SetNotified(ctx, job.JobID); err != nil {
		if !errors.Is(err, store.ErrStaleJob) {
			metrics.StepObserved("enqueue_welcome", "failure")
		}
		return err
	}
	job.State = store.StateNotified
	metrics.StepObserved("enqueue_welcome", "success")
	return nil
}

// complete runs notified -> complete.
func (o *Orchestrator) complete(ctx context.Context, job *store.Job) error {
	if err := o.store.SetComplete(ctx, job.JobID); err != nil {
		return err
	}
	job.State = store.StateComplete
	metrics.StepObserved("complete", "success")
	return nil
}

// fail records the step failure on the job and surfaces ErrStepFailed so the
// boundary can induce a redelivery.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, job *store.Job, cause error) (store.JobState, error) {
	logger.Error("Provisioning step failed", "state", job.State, "error", cause)
	if err := o.store.MarkJobFailed(ctx, job.JobID, cause.Error()); err != nil {
		logger.Error("Failed to record job failure", "error", err)
	}
	return store.StateFailed, fmt.Errorf("%w: %v", ErrStepFailed, cause)
}
