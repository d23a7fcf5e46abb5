package verification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reliefline/donation_verifier/internal/ai"
	"github.com/reliefline/donation_verifier/internal/common"
	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/imagestore"
)

type donationStoreStub struct {
	mu          sync.Mutex
	donations   map[string]*domain.Donation
	getErr      error
	claimErr    error
	updateErr   error
	saveErr     error
	updates     []domain.StateUpdate
	extractions []domain.ExtractionRecord
}

func (s *donationStoreStub) GetDonation(_ context.Context, id string) (*domain.Donation, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *donationStoreStub) ClaimPending(_ context.Context, id string, at time.Time) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[id]
	if !ok || d.State != domain.StatePending || d.ProcessingStartedAt != nil {
		return false, nil
	}
	d.ProcessingStartedAt = &at
	return true, nil
}

func (s *donationStoreStub) UpdateDonationState(_ context.Context, id string, update domain.StateUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	if d, ok := s.donations[id]; ok {
		d.State = update.State
		d.Note = update.Note
		d.UpdatedAt = update.UpdatedAt
	}
	return nil
}

func (s *donationStoreStub) SaveExtraction(_ context.Context, record domain.ExtractionRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions = append(s.extractions, record)
	return nil
}

func (s *donationStoreStub) donation(id string) domain.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.donations[id]
}

type referenceStoreStub struct {
	org        *domain.OrganizationBankDetails
	service    *domain.DonationService
	orgErr     error
	serviceErr error
}

func (s *referenceStoreStub) GetOrganizationBankDetails(context.Context, string) (*domain.OrganizationBankDetails, error) {
	if s.orgErr != nil {
		return nil, s.orgErr
	}
	if s.org == nil {
		return nil, domain.ErrNotFound
	}
	return s.org, nil
}

func (s *referenceStoreStub) GetDonationService(context.Context, string) (*domain.DonationService, error) {
	if s.serviceErr != nil {
		return nil, s.serviceErr
	}
	if s.service == nil {
		return nil, domain.ErrNotFound
	}
	return s.service, nil
}

type fetcherStub struct {
	err  error
	refs []string
}

func (f *fetcherStub) Fetch(_ context.Context, ref string) (*imagestore.Image, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	return &imagestore.Image{Data: []byte("receipt"), MIMEType: "image/jpeg", Source: ref}, nil
}

type extractorStub struct {
	extract func(ctx context.Context) (*ai.Extraction, error)
}

func (e *extractorStub) Extract(ctx context.Context, _ *imagestore.Image) (*ai.Extraction, error) {
	return e.extract(ctx)
}

func returning(fields domain.ExtractedReceiptFields) *extractorStub {
	return &extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
		return &ai.Extraction{
			Fields: fields,
			Model:  "gemini-test",
			Usage:  &common.TokenUsage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
		}, nil
	}}
}

type fixture struct {
	donations  *donationStoreStub
	references *referenceStoreStub
	images     *fetcherStub
}

func newFixture(state domain.DonationState) *fixture {
	return &fixture{
		donations: &donationStoreStub{donations: map[string]*domain.Donation{
			"don-1": {
				ID:             "don-1",
				OrganizationID: "org-1",
				ServiceID:      "svc-1",
				Units:          5,
				ReceiptImage:   "https://cdn.example/receipts/don-1.jpg",
				State:          state,
			},
		}},
		references: &referenceStoreStub{org: hopeOrg, service: waterService},
		images:     &fetcherStub{},
	}
}

func (f *fixture) pipeline(extractor ai.ReceiptExtractor, timeout time.Duration) *Pipeline {
	return NewPipeline(f.donations, f.references, f.images, extractor, NewValidator(nil, nil, DefaultAmountTolerance), timeout)
}

func TestProcessNew_AcceptsValidReceipt(t *testing.T) {
	f := newFixture(domain.StatePending)
	p := f.pipeline(returning(scenarioA()), time.Second)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if !outcome.Accepted() || outcome.Note != "" {
		t.Fatalf("outcome = %+v, want accepted without note", outcome)
	}

	stored := f.donations.donation("don-1")
	if stored.State != domain.StateAccepted || stored.Note != nil {
		t.Errorf("stored = %s note=%v, want accepted with no note", stored.State, stored.Note)
	}
	if stored.UpdatedAt.IsZero() {
		t.Error("updatedAt not written")
	}

	if len(f.donations.extractions) != 1 {
		t.Fatalf("expected one audit record, got %d", len(f.donations.extractions))
	}
	record := f.donations.extractions[0]
	if record.DonationID != "don-1" || record.Model != "gemini-test" || record.TotalTokens != 120 {
		t.Errorf("audit record = %+v", record)
	}
	if f.images.refs[0] != "https://cdn.example/receipts/don-1.jpg" {
		t.Errorf("fetched %q", f.images.refs[0])
	}
}

func TestProcessNew_DeclinesOnValidationFailure(t *testing.T) {
	f := newFixture(domain.StatePending)
	fields := scenarioA()
	fields.RecipientAccount = "123 457"
	p := f.pipeline(returning(fields), time.Second)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if outcome.State != domain.StateDeclined || outcome.Kind != KindValidation {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Note, "Account number does not match") || len(outcome.Reasons) != 1 {
		t.Errorf("note = %q reasons = %q", outcome.Note, outcome.Reasons)
	}

	stored := f.donations.donation("don-1")
	if stored.State != domain.StateDeclined || stored.Note == nil || *stored.Note != outcome.Note {
		t.Errorf("stored = %s note=%v", stored.State, stored.Note)
	}
	if len(f.donations.extractions) != 0 {
		t.Error("audit record must only be written on acceptance")
	}
}

func TestProcessNew_SkipsNonPending(t *testing.T) {
	for _, state := range []domain.DonationState{domain.StateAccepted, domain.StateDeclined} {
		f := newFixture(state)
		extractor := &extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
			t.Fatal("extractor must not run for a non-pending donation")
			return nil, nil
		}}
		p := f.pipeline(extractor, time.Second)

		outcome, err := p.ProcessNew(context.Background(), "don-1")
		if err != nil {
			t.Fatalf("ProcessNew: %v", err)
		}
		if !outcome.Skipped || outcome.State != state {
			t.Errorf("outcome = %+v, want skipped in %s", outcome, state)
		}
		if len(f.donations.updates) != 0 {
			t.Errorf("%s: expected no writes, got %d", state, len(f.donations.updates))
		}
	}
}

func TestProcessNew_ClaimsDonation(t *testing.T) {
	f := newFixture(domain.StatePending)
	p := f.pipeline(returning(scenarioA()), time.Second)

	if _, err := p.ProcessNew(context.Background(), "don-1"); err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if f.donations.donation("don-1").ProcessingStartedAt == nil {
		t.Error("processingStartedAt not stamped")
	}
}

func TestProcessNew_FailedRunIsNotRepeated(t *testing.T) {
	f := newFixture(domain.StatePending)
	f.donations.updateErr = errors.New("not primary")

	calls := 0
	p := f.pipeline(&extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
		calls++
		return returning(scenarioA()).extract(context.Background())
	}}, time.Second)

	if _, err := p.ProcessNew(context.Background(), "don-1"); err == nil {
		t.Fatal("expected state write error")
	}
	if stored := f.donations.donation("don-1"); stored.State != domain.StatePending {
		t.Fatalf("state = %s, want pending after failed write", stored.State)
	}

	f.donations.updateErr = nil
	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("second ProcessNew: %v", err)
	}
	if !outcome.Skipped {
		t.Errorf("outcome = %+v, want skipped", outcome)
	}
	if calls != 1 {
		t.Errorf("extractor called %d times, want 1", calls)
	}
}

func TestReprocess_RunsClaimedDonation(t *testing.T) {
	f := newFixture(domain.StatePending)
	started := time.Now().Add(-time.Hour)
	f.donations.donations["don-1"].ProcessingStartedAt = &started
	p := f.pipeline(returning(scenarioA()), time.Second)

	outcome, err := p.Reprocess(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if !outcome.Accepted() {
		t.Errorf("outcome = %+v, want accepted", outcome)
	}
}

func TestRun_ClaimErrorDeclines(t *testing.T) {
	f := newFixture(domain.StatePending)
	f.donations.claimErr = errors.New("write conflict")
	p := f.pipeline(returning(scenarioA()), time.Second)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if outcome.State != domain.StateDeclined || outcome.Kind != KindUnexpected {
		t.Errorf("outcome = %+v, want unexpected decline", outcome)
	}
	if len(f.images.refs) != 0 {
		t.Error("no step should run without a claim")
	}
}

func TestReprocess_OverridesStateAndClearsNote(t *testing.T) {
	f := newFixture(domain.StateDeclined)
	note := "Amount not found on receipt"
	f.donations.donations["don-1"].Note = &note
	p := f.pipeline(returning(scenarioA()), time.Second)

	outcome, err := p.Reprocess(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("outcome = %+v", outcome)
	}
	if stored := f.donations.donation("don-1"); stored.Note != nil {
		t.Errorf("note = %q, want cleared", *stored.Note)
	}
}

func TestRun_DonationNotFound(t *testing.T) {
	f := newFixture(domain.StatePending)
	p := f.pipeline(returning(scenarioA()), time.Second)

	if _, err := p.Reprocess(context.Background(), "missing"); !errors.Is(err, ErrDonationNotFound) {
		t.Fatalf("err = %v, want ErrDonationNotFound", err)
	}
	if len(f.donations.updates) != 0 {
		t.Error("nothing should be written for a missing donation")
	}
}

func TestRun_FailuresDecline(t *testing.T) {
	extractErr := &extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
		return nil, ai.ErrUnparseableResponse
	}}

	tests := []struct {
		name    string
		setup   func(f *fixture)
		extract ai.ReceiptExtractor
		kind    Kind
		note    string
	}{
		{
			name:    "image fetch",
			setup:   func(f *fixture) { f.images.err = errors.New("404 Not Found") },
			extract: returning(scenarioA()),
			kind:    KindImageFetch,
			note:    "Failed to fetch receipt image",
		},
		{
			name:    "extraction",
			setup:   func(*fixture) {},
			extract: extractErr,
			kind:    KindExtraction,
			note:    "Failed to extract receipt details",
		},
		{
			name:    "organization missing",
			setup:   func(f *fixture) { f.references.org = nil },
			extract: returning(scenarioA()),
			kind:    KindLookupNotFound,
			note:    "Organization bank details not found",
		},
		{
			name:    "service missing",
			setup:   func(f *fixture) { f.references.service = nil },
			extract: returning(scenarioA()),
			kind:    KindLookupNotFound,
			note:    "Donation service not found",
		},
		{
			name:    "organization lookup error",
			setup:   func(f *fixture) { f.references.orgErr = errors.New("connection reset") },
			extract: returning(scenarioA()),
			kind:    KindUnexpected,
			note:    "Failed to load organization bank details",
		},
		{
			name:    "donation read error",
			setup:   func(f *fixture) { f.donations.getErr = errors.New("server selection timeout") },
			extract: returning(scenarioA()),
			kind:    KindUnexpected,
			note:    "Failed to load donation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(domain.StatePending)
			tt.setup(f)
			p := f.pipeline(tt.extract, time.Second)

			outcome, err := p.ProcessNew(context.Background(), "don-1")
			if err != nil {
				t.Fatalf("ProcessNew: %v", err)
			}
			if outcome.State != domain.StateDeclined || outcome.Kind != tt.kind || outcome.Note != tt.note {
				t.Fatalf("outcome = %+v, want declined/%s/%q", outcome, tt.kind, tt.note)
			}
			if len(f.donations.updates) != 1 || f.donations.updates[0].State != domain.StateDeclined {
				t.Fatalf("updates = %+v, want one declined write", f.donations.updates)
			}
			if n := f.donations.updates[0].Note; n == nil || *n != tt.note {
				t.Errorf("written note = %v, want %q", n, tt.note)
			}
		})
	}
}

func TestRun_PanicDeclinesAsUnexpected(t *testing.T) {
	f := newFixture(domain.StatePending)
	p := f.pipeline(&extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
		panic("nil map write")
	}}, time.Second)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if outcome.State != domain.StateDeclined || outcome.Kind != KindUnexpected {
		t.Fatalf("outcome = %+v", outcome)
	}
	if f.donations.donation("don-1").State != domain.StateDeclined {
		t.Error("donation should not stay pending after a panic")
	}
}

func TestRun_TimeoutDeclinesEvenWhenStepIgnoresContext(t *testing.T) {
	f := newFixture(domain.StatePending)
	release := make(chan struct{})
	defer close(release)
	p := f.pipeline(&extractorStub{extract: func(context.Context) (*ai.Extraction, error) {
		<-release
		return nil, errors.New("too late")
	}}, 50*time.Millisecond)

	start := time.Now()
	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("run was not bounded by its timeout")
	}
	if outcome.Kind != KindTimeout || outcome.Note != "Verification timed out" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if f.donations.donation("don-1").State != domain.StateDeclined {
		t.Error("timed-out run should still write declined")
	}
}

func TestRun_StepHonoringDeadlineIsClassifiedAsTimeout(t *testing.T) {
	f := newFixture(domain.StatePending)
	p := f.pipeline(&extractorStub{extract: func(ctx context.Context) (*ai.Extraction, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, 30*time.Millisecond)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if outcome.Kind != KindTimeout {
		t.Fatalf("kind = %s, want timeout", outcome.Kind)
	}
}

func TestRun_CallerCancelLeavesDonationPending(t *testing.T) {
	f := newFixture(domain.StatePending)
	ctx, cancel := context.WithCancel(context.Background())
	p := f.pipeline(&extractorStub{extract: func(ctx context.Context) (*ai.Extraction, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}, time.Second)

	if _, err := p.ProcessNew(ctx, "don-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(f.donations.updates) != 0 {
		t.Error("a canceled run must not write")
	}
}

func TestRun_AuditFailureKeepsAcceptance(t *testing.T) {
	f := newFixture(domain.StatePending)
	f.donations.saveErr = errors.New("write concern error")
	p := f.pipeline(returning(scenarioA()), time.Second)

	outcome, err := p.ProcessNew(context.Background(), "don-1")
	if err != nil {
		t.Fatalf("ProcessNew: %v", err)
	}
	if !outcome.Accepted() {
		t.Fatalf("outcome = %+v, want accepted", outcome)
	}
}

func TestRun_StateWriteFailureIsReturned(t *testing.T) {
	f := newFixture(domain.StatePending)
	f.donations.updateErr = errors.New("not primary")
	p := f.pipeline(returning(scenarioA()), time.Second)

	if _, err := p.ProcessNew(context.Background(), "don-1"); err == nil {
		t.Fatal("expected error when the decision cannot be written")
	}
}

func TestRun_NoteSetIffDeclined(t *testing.T) {
	cases := []domain.ExtractedReceiptFields{scenarioA(), {}}
	for _, fields := range cases {
		f := newFixture(domain.StatePending)
		p := f.pipeline(returning(fields), time.Second)

		if _, err := p.ProcessNew(context.Background(), "don-1"); err != nil {
			t.Fatalf("ProcessNew: %v", err)
		}
		stored := f.donations.donation("don-1")
		switch stored.State {
		case domain.StateAccepted:
			if stored.Note != nil {
				t.Errorf("accepted donation has note %q", *stored.Note)
			}
		case domain.StateDeclined:
			if stored.Note == nil || *stored.Note == "" {
				t.Error("declined donation has no note")
			}
		default:
			t.Errorf("donation left in %s", stored.State)
		}
	}
}
