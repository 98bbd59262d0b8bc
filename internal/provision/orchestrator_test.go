package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"tutora-provisioning/internal/codes"
	"tutora-provisioning/internal/events"
	"tutora-provisioning/internal/store"
	"tutora-provisioning/internal/tenants"
)

// flakyDirectory wraps the in-memory directory with scripted failures so
// tests can simulate the tenant-data service going away mid-pipeline.
type flakyDirectory struct {
	*tenants.InMemoryDirectory
	mu                 sync.Mutex
	failCompanyCreates int
	failAdminCreates   int
}

func (d *flakyDirectory) CreateCompany(ctx context.Context, company tenants.NewCompany) (string, error) {
	d.mu.Lock()
	if d.failCompanyCreates > 0 {
		d.failCompanyCreates--
		d.mu.Unlock()
		return "", errors.New("tenant service unavailable")
	}
	d.mu.Unlock()
	return d.InMemoryDirectory.CreateCompany(ctx, company)
}

func (d *flakyDirectory) CreateAdminUser(ctx context.Context, companyID, email string) (string, error) {
	d.mu.Lock()
	if d.failAdminCreates > 0 {
		d.failAdminCreates--
		d.mu.Unlock()
		return "", errors.New("tenant service unavailable")
	}
	d.mu.Unlock()
	return d.InMemoryDirectory.CreateAdminUser(ctx, companyID, email)
}

// fakeNotifier records enqueued notifications and can simulate a full queue.
type fakeNotifier struct {
	mu     sync.Mutex
	sent   []string
	reject bool
}

func (n *fakeNotifier) Send(jobID, template string, _ map[string]string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reject {
		return false
	}
	n.sent = append(n.sent, jobID+"/"+template)
	return true
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	orchestrator *Orchestrator
	store        *store.Store
	directory    *flakyDirectory
	notifier     *fakeNotifier
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "provision.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	directory := &flakyDirectory{InMemoryDirectory: tenants.NewInMemoryDirectory()}
	notifier := &fakeNotifier{}
	orchestrator := New(logger, st, codes.NewGenerator(st), directory, notifier, cfg)

	return &fixture{
		orchestrator: orchestrator,
		store:        st,
		directory:    directory,
		notifier:     notifier,
	}
}

func checkoutEvent(eventID, sessionID string) *events.InboundEvent {
	return &events.InboundEvent{
		ID:         eventID,
		Type:       events.EventTypeCheckoutCompleted,
		ReceivedAt: time.Now().UTC(),
		RawPayload: []byte(`{}`),
		Session: events.CheckoutSession{
			ID: sessionID,
			Metadata: map[string]string{
				"company_name":  "Test Company Inc",
				"contact_email": "test@example.com",
				"plan_id":       "growth",
				"user_count":    "25",
			},
		},
	}
}

func TestHandleProvisionsTenant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	state, err := f.orchestrator.Handle(ctx, checkoutEvent("evt_1", "cs_test_123456"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if state != store.StateComplete {
		t.Errorf("state: got %q, want complete", state)
	}

	job, err := f.store.GetJobBySession(ctx, "cs_test_123456")
	if err != nil {
		t.Fatalf("job not found: %v", err)
	}
	if job.State != store.StateComplete {
		t.Errorf("job state: got %q, want complete", job.State)
	}

	codePattern := regexp.MustCompile(fmt.Sprintf(`^TUT-%d-\d{5}$`, time.Now().UTC().Year()))
	if !codePattern.MatchString(job.CompanyCode) {
		t.Errorf("company code %q does not match TUT-<year>-NNNNN", job.CompanyCode)
	}

	companies := f.directory.Companies()
	if len(companies) != 1 {
		t.Fatalf("companies: got %d, want 1", len(companies))
	}
	if companies[0].CompanyID != job.CompanyID || companies[0].Code != job.CompanyCode {
		t.Errorf("job ids do not match created company: job=%+v company=%+v", job, companies[0])
	}

	users := f.directory.AdminUsers()
	if len(users) != 1 {
		t.Fatalf("admin users: got %d, want 1", len(users))
	}
	if users[0].CompanyID != job.CompanyID || users[0].Email != "test@example.com" {
		t.Errorf("admin user not bound to provisioned company: %+v", users[0])
	}

	if f.notifier.sentCount() != 1 {
		t.Errorf("notifications enqueued: got %d, want 1", f.notifier.sentCount())
	}
}

func TestHandleRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	event := checkoutEvent("evt_1", "cs_test_123456")

	if _, err := f.orchestrator.Handle(ctx, event); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}

	state, err := f.orchestrator.Handle(ctx, event)
	if err != nil {
		t.Fatalf("redelivery Handle failed: %v", err)
	}
	if state != store.StateComplete {
		t.Errorf("redelivery state: got %q, want complete", state)
	}

	if got := len(f.directory.Companies()); got != 1 {
		t.Errorf("companies after redelivery: got %d, want 1", got)
	}
	if got := len(f.directory.AdminUsers()); got != 1 {
		t.Errorf("admin users after redelivery: got %d, want 1", got)
	}
	if got := f.notifier.sentCount(); got != 1 {
		t.Errorf("notifications after redelivery: got %d, want 1", got)
	}
}

func TestHandleResumesWithoutSecondCompany(t *testing.T) {
	f := newFixture(t, Config{})
	f.directory.failAdminCreates = 1
	ctx := context.Background()
	event := checkoutEvent("evt_1", "cs_test_123456")

	// First delivery: company is created and persisted, then the admin step
	// fails. This is the crash-after-step-3 shape.
	_, err := f.orchestrator.Handle(ctx, event)
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("first Handle: got %v, want ErrStepFailed", err)
	}

	job, err := f.store.GetJobBySession(ctx, "cs_test_123456")
	if err != nil {
		t.Fatalf("job not found: %v", err)
	}
	if job.State != store.StateFailed {
		t.Errorf("job state after failure: got %q, want failed", job.State)
	}
	if job.CompanyID == "" {
		t.Fatalf("company id was not persisted before the failing step")
	}
	if got := len(f.directory.Companies()); got != 1 {
		t.Fatalf("companies after failure: got %d, want 1", got)
	}

	// Redelivery resumes at the admin step.
	state, err := f.orchestrator.Handle(ctx, event)
	if err != nil {
		t.Fatalf("redelivery Handle failed: %v", err)
	}
	if state != store.StateComplete {
		t.Errorf("state after resume: got %q, want complete", state)
	}

	if got := len(f.directory.Companies()); got != 1 {
		t.Errorf("companies after resume: got %d, want 1 (no second company)", got)
	}
	if got := len(f.directory.AdminUsers()); got != 1 {
		t.Errorf("admin users after resume: got %d, want 1", got)
	}

	job, _ = f.store.GetJobBySession(ctx, "cs_test_123456")
	if job.Attempt != 2 {
		t.Errorf("attempt after resume: got %d, want 2", job.Attempt)
	}
}

func TestHandleConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, Config{})
	event := checkoutEvent("evt_1", "cs_test_123456")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orchestrator.Handle(context.Background(), event)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("delivery %d failed: %v", i, err)
		}
	}

	if got := len(f.directory.Companies()); got != 1 {
		t.Errorf("companies: got %d, want exactly 1", got)
	}
	if got := len(f.directory.AdminUsers()); got != 1 {
		t.Errorf("admin users: got %d, want exactly 1", got)
	}

	job, err := f.store.GetJobBySession(context.Background(), "cs_test_123456")
	if err != nil {
		t.Fatalf("job not found: %v", err)
	}
	if job.State != store.StateComplete {
		t.Errorf("job state: got %q, want complete", job.State)
	}
}

func TestHandleMetadataIncomplete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	testCases := []struct {
		name   string
		mutate func(*events.InboundEvent)
	}{
		{"Missing Company Name", func(ev *events.InboundEvent) { delete(ev.Session.Metadata, "company_name") }},
		{"Missing Contact Email", func(ev *events.InboundEvent) { delete(ev.Session.Metadata, "contact_email") }},
		{"Missing Plan", func(ev *events.InboundEvent) { delete(ev.Session.Metadata, "plan_id") }},
		{"Invalid User Count", func(ev *events.InboundEvent) { ev.Session.Metadata["user_count"] = "lots" }},
		{"Zero User Count", func(ev *events.InboundEvent) { ev.Session.Metadata["user_count"] = "0" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event := checkoutEvent("evt_bad", "cs_bad")
			tc.mutate(event)

			_, err := f.orchestrator.Handle(ctx, event)
			if !errors.Is(err, ErrMetadataIncomplete) {
				t.Fatalf("got %v, want ErrMetadataIncomplete", err)
			}

			// Non-retryable rejections never create a job.
			if _, err := f.store.GetJobBySession(ctx, "cs_bad"); !errors.Is(err, store.ErrJobNotFound) {
				t.Errorf("job lookup: got %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestHandleNotificationEnqueueFailureFailsStep(t *testing.T) {
	f := newFixture(t, Config{})
	f.notifier.reject = true
	ctx := context.Background()

	_, err := f.orchestrator.Handle(ctx, checkoutEvent("evt_1", "cs_test_123456"))
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("got %v, want ErrStepFailed", err)
	}

	// The tenant itself is fully provisioned; only the notify step is stuck.
	job, err := f.store.GetJobBySession(ctx, "cs_test_123456")
	if err != nil {
		t.Fatalf("job not found: %v", err)
	}
	if job.State != store.StateFailed {
		t.Errorf("job state: got %q, want failed", job.State)
	}
	if job.AdminUserID == "" {
		t.Errorf("admin step progress was lost")
	}

	// Once the queue recovers, redelivery finishes the job.
	f.notifier.reject = false
	state, err := f.orchestrator.Handle(ctx, checkoutEvent("evt_1", "cs_test_123456"))
	if err != nil {
		t.Fatalf("redelivery Handle failed: %v", err)
	}
	if state != store.StateComplete {
		t.Errorf("state: got %q, want complete", state)
	}
	if got := len(f.directory.AdminUsers()); got != 1 {
		t.Errorf("admin users: got %d, want 1", got)
	}
}

func TestHandleRetryCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	f.directory.failCompanyCreates = 10
	ctx := context.Background()
	event := checkoutEvent("evt_1", "cs_test_123456")

	// Attempts one and two fail against the unavailable tenant service.
	for i := 0; i < 2; i++ {
		if _, err := f.orchestrator.Handle(ctx, event); !errors.Is(err, ErrStepFailed) {
			t.Fatalf("delivery %d: got %v, want ErrStepFailed", i+1, err)
		}
	}

	// The third delivery hits the ceiling and is not retried.
	_, err := f.orchestrator.Handle(ctx, event)
	if !errors.Is(err, ErrRetryCeiling) {
		t.Fatalf("got %v, want ErrRetryCeiling", err)
	}

	job, _ := f.store.GetJobBySession(ctx, "cs_test_123456")
	if job.State != store.StateFailed {
		t.Errorf("job state: got %q, want failed", job.State)
	}
	if job.Attempt != 2 {
		t.Errorf("attempt: got %d, want 2", job.Attempt)
	}
}
