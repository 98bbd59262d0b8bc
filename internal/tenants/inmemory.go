package tenants

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Company is a tenant company record as held by the in-memory directory.
type Company struct {
	CompanyID            string
	Code                 string
	Name                 string
	Plan                 string
	UserCount            int
	CreatedFromSessionID string
}

// AdminUser is a company's owner account.
type AdminUser struct {
	UserID            string
	CompanyID         string
	Email             string
	Role              string
	CredentialsIssued bool
}

// InMemoryDirectory is a process-local Directory used in development mode
// when no tenant-data service is configured, and by tests.
type InMemoryDirectory struct {
	mu        sync.Mutex
	companies map[string]Company
	users     map[string]AdminUser
}

// NewInMemoryDirectory creates an empty in-memory directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		companies: make(map[string]Company),
		users:     make(map[string]AdminUser),
	}
}

// CreateCompany stores a company under a fresh uuid.
func (d *InMemoryDirectory) CreateCompany(_ context.Context, company NewCompany) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := "com_" + uuid.NewString()
	d.companies[id] = Company{
		CompanyID:            id,
		Code:                 company.Code,
		Name:                 company.Name,
		Plan:                 company.Plan,
		UserCount:            company.UserCount,
		CreatedFromSessionID: company.CreatedFromSessionID,
	}
	return id, nil
}

// CreateAdminUser stores an owner account bound to an existing company.
func (d *InMemoryDirectory) CreateAdminUser(_ context.Context, companyID, email string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.companies[companyID]; !ok {
		return "", fmt.Errorf("tenants: unknown company %q", companyID)
	}
	id := "usr_" + uuid.NewString()
	d.users[id] = AdminUser{
		UserID:            id,
		CompanyID:         companyID,
		Email:             email,
		Role:              "owner",
		CredentialsIssued: true,
	}
	return id, nil
}

// Companies returns a snapshot of all stored companies.
func (d *InMemoryDirectory) Companies() []Company {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Company, 0, len(d.companies))
	for _, c := range d.companies {
		out = append(out, c)
	}
	return out
}

// AdminUsers returns a snapshot of all stored admin users.
func (d *InMemoryDirectory) AdminUsers() []AdminUser {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AdminUser, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out
}
