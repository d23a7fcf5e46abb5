// sweeper.go - Cron job that offers never-claimed pending donations to the automatic path

package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/verification"
)

// DefaultBatchSize caps how many donations one sweep picks up.
const DefaultBatchSize int64 = 100

// StaleLister finds pending donations created before cutoff that no run
// has claimed.
type StaleLister interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int64) ([]domain.Donation, error)
}

// Processor is the automatic verification path.
type Processor interface {
	ProcessNew(ctx context.Context, donationID string) (*verification.Outcome, error)
}

// Sweeper catches donations whose creation event was lost. A donation that
// any run has claimed is left to the manual path, so failures are never
// retried from here.
type Sweeper struct {
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	schedule  string
	lister    StaleLister
	processor Processor
	age       time.Duration
	batchSize int64
	now       func() time.Time
}

// New builds a sweeper for schedule (standard five-field cron or a
// descriptor such as "@every 10m"). Donations younger than age are left alone.
func New(schedule string, age time.Duration, lister StaleLister, processor Processor) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		cron:      c,
		ctx:       ctx,
		cancel:    cancel,
		schedule:  schedule,
		lister:    lister,
		processor: processor,
		age:       age,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Start registers the sweep and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule pending sweep %q: %w", s.schedule, err)
	}
	log.Printf("🧹 Scheduled pending sweep (%s, older than %s)", s.schedule, s.age)
	s.cron.Start()
	return nil
}

// Stop stops scheduling and cancels a sweep in progress. The returned
// context is done once that sweep has returned.
func (s *Sweeper) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	processed, err := s.Sweep(s.ctx)
	if err != nil {
		log.Printf("❌ Pending sweep failed after %d donations: %v", processed, err)
		return
	}
	if processed > 0 {
		log.Printf("🧹 Pending sweep processed %d donations", processed)
	}
}

// Sweep runs every stale unclaimed donation through the automatic path, one
// at a time, and returns how many runs completed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.age)
	donations, err := s.lister.ListStalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, donation := range donations {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		outcome, err := s.processor.ProcessNew(ctx, donation.ID)
		if err != nil {
			log.Printf("⚠️  Sweep could not verify donation %s: %v", donation.ID, err)
			continue
		}
		if !outcome.Skipped {
			processed++
		}
	}
	return processed, nil
}
