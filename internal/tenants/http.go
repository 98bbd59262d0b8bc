package tenants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDirectory talks to the tenant-data service over its JSON API.
type HTTPDirectory struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewHTTPDirectory creates a client for the tenant-data service at baseURL.
func NewHTTPDirectory(baseURL, apiToken string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:  baseURL,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCompany creates a company record.
func (d *HTTPDirectory) CreateCompany(ctx context.Context, company NewCompany) (string, error) {
	var resp struct {
		CompanyID string `json:"company_id"`
	}
	if err := d.post(ctx, "/v1/companies", company, &resp); err != nil {
		return "", fmt.Errorf("tenants: failed to create company: %w", err)
	}
	if resp.CompanyID == "" {
		return "", fmt.Errorf("tenants: company created without an id")
	}
	return resp.CompanyID, nil
}

// CreateAdminUser creates the owner account for an existing company.
func (d *HTTPDirectory) CreateAdminUser(ctx context.Context, companyID, email string) (string, error) {
	reqBody := struct {
		CompanyID string `json:"company_id"`
		Email     string `json:"email"`
		Role      string `json:"role"`
	}{CompanyID: companyID, Email: email, Role: "owner"}

	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := d.post(ctx, "/v1/admin-users", reqBody, &resp); err != nil {
		return "", fmt.Errorf("tenants: failed to create admin user: %w", err)
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("tenants: admin user created without an id")
	}
	return resp.UserID, nil
}

func (d *HTTPDirectory) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, respBody)
	}
	return json.Unmarshal(respBody, out)
}
