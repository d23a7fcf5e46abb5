package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reliefline/donation_verifier/internal/ai"
	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/imagestore"
	"github.com/reliefline/donation_verifier/internal/verification"
)

type listerStub struct {
	donations []domain.Donation
	err       error
	cutoff    time.Time
	limit     int64
}

func (l *listerStub) ListStalePending(_ context.Context, cutoff time.Time, limit int64) ([]domain.Donation, error) {
	l.cutoff, l.limit = cutoff, limit
	return l.donations, l.err
}

type processorStub struct {
	results map[string]error
	skipped map[string]bool
	ids     []string
}

func (p *processorStub) ProcessNew(_ context.Context, id string) (*verification.Outcome, error) {
	p.ids = append(p.ids, id)
	if err := p.results[id]; err != nil {
		return nil, err
	}
	return &verification.Outcome{DonationID: id, State: domain.StateDeclined, Skipped: p.skipped[id]}, nil
}

func TestSweep_ProcessesStaleDonations(t *testing.T) {
	now := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	lister := &listerStub{donations: []domain.Donation{{ID: "don-1"}, {ID: "don-2"}, {ID: "don-3"}, {ID: "don-4"}}}
	processor := &processorStub{
		results: map[string]error{"don-2": errors.New("write failed")},
		skipped: map[string]bool{"don-3": true},
	}

	s := New("@every 10m", 15*time.Minute, lister, processor)
	s.now = func() time.Time { return now }

	processed, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
	if len(processor.ids) != 4 {
		t.Errorf("ProcessNew called for %v", processor.ids)
	}
	if want := now.Add(-15 * time.Minute); !lister.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", lister.cutoff, want)
	}
	if lister.limit != DefaultBatchSize {
		t.Errorf("limit = %d", lister.limit)
	}
}

func TestSweep_ListError(t *testing.T) {
	boom := errors.New("server selection timeout")
	s := New("@every 10m", time.Minute, &listerStub{err: boom}, &processorStub{})

	if _, err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestSweep_StopsWhenCanceled(t *testing.T) {
	lister := &listerStub{donations: []domain.Donation{{ID: "don-1"}, {ID: "don-2"}}}
	processor := &processorStub{}
	s := New("@every 10m", time.Minute, lister, processor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(processor.ids) != 0 {
		t.Errorf("processed %v after cancel", processor.ids)
	}
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := New("every now and then", time.Minute, &listerStub{}, &processorStub{})
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}

// memoryStore keeps donations in memory and lists stale ones the way
// MongoStore does: pending, unclaimed, created before the cutoff.
type memoryStore struct {
	mu        sync.Mutex
	donations map[string]*domain.Donation
	updateErr error
}

func (m *memoryStore) GetDonation(_ context.Context, id string) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (m *memoryStore) ClaimPending(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[id]
	if !ok || d.State != domain.StatePending || d.ProcessingStartedAt != nil {
		return false, nil
	}
	d.ProcessingStartedAt = &at
	return true, nil
}

func (m *memoryStore) UpdateDonationState(_ context.Context, id string, update domain.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.donations[id].State = update.State
	m.donations[id].Note = update.Note
	return nil
}

func (m *memoryStore) SaveExtraction(context.Context, domain.ExtractionRecord) error {
	return nil
}

func (m *memoryStore) ListStalePending(_ context.Context, cutoff time.Time, _ int64) ([]domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Donation
	for _, d := range m.donations {
		if d.State == domain.StatePending && d.ProcessingStartedAt == nil && d.CreatedAt.Before(cutoff) {
			out = append(out, *d)
		}
	}
	return out, nil
}

type referencesStub struct{}

func (referencesStub) GetOrganizationBankDetails(_ context.Context, id string) (*domain.OrganizationBankDetails, error) {
	return &domain.OrganizationBankDetails{OrganizationID: id, AccountName: "Hope Foundation Ltd", AccountNumber: "123456", BankName: "HNB"}, nil
}

func (referencesStub) GetDonationService(_ context.Context, id string) (*domain.DonationService, error) {
	return &domain.DonationService{ID: id, ApproximateUnitPrice: 1000}, nil
}

type imagesStub struct{}

func (imagesStub) Fetch(_ context.Context, ref string) (*imagestore.Image, error) {
	return &imagestore.Image{Data: []byte("receipt"), MIMEType: "image/jpeg", Source: ref}, nil
}

type countingExtractor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (e *countingExtractor) Extract(_ context.Context, image *imagestore.Image) (*ai.Extraction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[image.Source]++
	return &ai.Extraction{Model: "gemini-test"}, nil
}

func TestSweep_DoesNotRepeatFailedRun(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	store := &memoryStore{donations: map[string]*domain.Donation{
		"don-failed": {ID: "don-failed", Units: 1, ReceiptImage: "s3://receipts/don-failed.jpg", State: domain.StatePending, CreatedAt: created},
		"don-lost":   {ID: "don-lost", Units: 1, ReceiptImage: "s3://receipts/don-lost.jpg", State: domain.StatePending, CreatedAt: created},
	}}
	extractor := &countingExtractor{calls: map[string]int{}}
	pipeline := verification.NewPipeline(store, referencesStub{}, imagesStub{}, extractor, nil, time.Second)

	// The automatic run reads the receipt, then cannot write its decision.
	store.updateErr = errors.New("not primary")
	if _, err := pipeline.ProcessNew(context.Background(), "don-failed"); err == nil {
		t.Fatal("expected state write error")
	}
	store.updateErr = nil

	s := New("@every 10m", 15*time.Minute, store, pipeline)
	processed, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if n := extractor.calls["s3://receipts/don-failed.jpg"]; n != 1 {
		t.Errorf("failed donation extracted %d times, want 1", n)
	}
	if n := extractor.calls["s3://receipts/don-lost.jpg"]; n != 1 {
		t.Errorf("unclaimed donation extracted %d times, want 1", n)
	}
	if got := store.donations["don-failed"].State; got != domain.StatePending {
		t.Errorf("failed donation state = %s, want pending until reprocessed manually", got)
	}
	if got := store.donations["don-lost"].State; got != domain.StateDeclined {
		t.Errorf("unclaimed donation state = %s, want declined", got)
	}
}

type blockingProcessor struct {
	started chan struct{}
	once    sync.Once
}

func (p *blockingProcessor) ProcessNew(ctx context.Context, _ string) (*verification.Outcome, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStop_CancelsRunningSweep(t *testing.T) {
	lister := &listerStub{donations: []domain.Donation{{ID: "don-1"}, {ID: "don-2"}}}
	processor := &blockingProcessor{started: make(chan struct{})}

	s := New("@every 1s", time.Minute, lister, processor)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-processor.started:
	case <-time.After(5 * time.Second):
		s.Stop()
		t.Fatal("sweep did not start")
	}

	select {
	case <-s.Stop().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a sweep was running")
	}
}
