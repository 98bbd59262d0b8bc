// Package tenants is the boundary to the tenant-data subsystem that owns
// companies and their users. The pipeline only creates records here and
// keeps the returned ids on the provisioning job; idempotence is the job's
// responsibility, not the directory's.
package tenants

import "context"

// NewCompany carries everything needed to create a tenant company.
type NewCompany struct {
	Name                 string `json:"name"`
	Code                 string `json:"code"`
	Plan                 string `json:"plan"`
	UserCount            int    `json:"user_count"`
	CreatedFromSessionID string `json:"created_from_session_id"`
}

// Directory creates tenant records. Both calls may block on network I/O and
// honor context cancellation; callers bound them with a deadline.
type Directory interface {
	// CreateCompany creates a company and returns its id.
	CreateCompany(ctx context.Context, company NewCompany) (string, error)

	// CreateAdminUser creates the owner account for a company, issues its
	// initial credentials and returns the user id. The company must already
	// exist.
	CreateAdminUser(ctx context.Context, companyID, email string) (string, error)
}
