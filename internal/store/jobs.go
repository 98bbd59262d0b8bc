package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobState is a provisioning job's position in its state machine. States
// only ever move forward; a failed job resumes at its last durable state,
// never behind it.
type JobState string

const (
	StatePending        JobState = "pending"
	StateCompanyCreated JobState = "company_created"
	StateAdminCreated   JobState = "admin_created"
	StateNotified       JobState = "notified"
	StateComplete       JobState = "complete"
	StateFailed         JobState = "failed"
)

// Job is the durable workflow record for one checkout session. It is the
// single source of truth for which provisioning steps already ran.
type Job struct {
	JobID        string
	SessionID    string
	CompanyName  string
	ContactEmail string
	PlanID       string
	UserCount    int
	State        JobState
	CompanyID    string
	CompanyCode  string
	AdminUserID  string
	Attempt      int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResumeState derives where a failed job should pick back up, from which
// entity ids were already durably recorded. A recorded id proves the
// corresponding step completed, so the step is never re-run.
func (j *Job) ResumeState() JobState {
	switch {
	case j.AdminUserID != "":
		return StateAdminCreated
	case j.CompanyID != "":
		return StateCompanyCreated
	default:
		return StatePending
	}
}

// CreateJob inserts a new job in the pending state. A unique violation on
// session_id maps to ErrJobExists so concurrent first deliveries converge on
// a single row.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provisioning_jobs
		 (job_id, session_id, company_name, contact_email, plan_id, user_count,
		  state, attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.SessionID, job.CompanyName, job.ContactEmail,
		job.PlanID, job.UserCount, StatePending, 1, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("store: failed to create job: %w", err)
	}
	job.State = StatePending
	job.Attempt = 1
	job.CreatedAt = ts
	job.UpdatedAt = ts
	return nil
}

// GetJobBySession retrieves the job owning the given checkout session.
func (s *Store) GetJobBySession(ctx context.Context, sessionID string) (*Job, error) {
	return s.getJob(ctx, "session_id", sessionID)
}

// GetJob retrieves a job by its id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.getJob(ctx, "job_id", jobID)
}

func (s *Store) getJob(ctx context.Context, column, value string) (*Job, error) {
	var job Job
	var companyID, companyCode, adminUserID, lastError sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, session_id, company_name, contact_email, plan_id, user_count,
		        state, company_id, company_code, admin_user_id, attempt, last_error,
		        created_at, updated_at
		 FROM provisioning_jobs WHERE `+column+` = ?`,
		value).Scan(
		&job.JobID, &job.SessionID, &job.CompanyName, &job.ContactEmail,
		&job.PlanID, &job.UserCount, &job.State, &companyID, &companyCode,
		&adminUserID, &job.Attempt, &lastError, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read job: %w", err)
	}
	job.CompanyID = companyID.String
	job.CompanyCode = companyCode.String
	job.AdminUserID = adminUserID.String
	job.LastError = lastError.String
	return &job, nil
}

// SetCompanyCreated advances pending -> company_created, recording the
// created company's id and code in the same write so a crash immediately
// after is safely resumable.
func (s *Store) SetCompanyCreated(ctx context.Context, jobID, companyID, companyCode string) error {
	return s.casTransition(ctx,
		`UPDATE provisioning_jobs
		 SET state = ?, company_id = ?, company_code = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		StateCompanyCreated, companyID, companyCode, now(), jobID, StatePending)
}

// SetAdminCreated advances company_created -> admin_created.
func (s *Store) SetAdminCreated(ctx context.Context, jobID, adminUserID string) error {
	return s.casTransition(ctx,
		`UPDATE provisioning_jobs
		 SET state = ?, admin_user_id = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		StateAdminCreated, adminUserID, now(), jobID, StateCompanyCreated)
}

// SetNotified advances admin_created -> notified.
func (s *Store) SetNotified(ctx context.Context, jobID string) error {
	return s.casTransition(ctx,
		`UPDATE provisioning_jobs SET state = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		StateNotified, now(), jobID, StateAdminCreated)
}

// SetComplete advances notified -> complete. Complete is terminal.
func (s *Store) SetComplete(ctx context.Context, jobID string) error {
	return s.casTransition(ctx,
		`UPDATE provisioning_jobs SET state = ?, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		StateComplete, now(), jobID, StateNotified)
}

// MarkJobFailed records the failure cause and moves the job to failed.
// Terminal jobs are left untouched.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provisioning_jobs SET state = ?, last_error = ?, updated_at = ?
		 WHERE job_id = ? AND state NOT IN (?, ?)`,
		StateFailed, cause, now(), jobID, StateComplete, StateFailed)
	if err != nil {
		return fmt.Errorf("store: failed to mark job failed: %w", err)
	}
	return nil
}

// ResumeFailedJob moves a failed job back to its last durable progress state
// and bumps the attempt counter. The CAS on state=failed makes concurrent
// resume attempts converge on a single winner.
func (s *Store) ResumeFailedJob(ctx context.Context, jobID string, resumeState JobState) error {
	return s.casTransition(ctx,
		`UPDATE provisioning_jobs
		 SET state = ?, attempt = attempt + 1, last_error = NULL, updated_at = ?
		 WHERE job_id = ? AND state = ?`,
		resumeState, now(), jobID, StateFailed)
}

// casTransition runs a guarded UPDATE and maps "no rows matched" to
// ErrStaleJob, meaning another worker moved the job first.
func (s *Store) casTransition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: failed to transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleJob
	}
	return nil
}
