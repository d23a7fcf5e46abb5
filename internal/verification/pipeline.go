// pipeline.go - Donation verification state machine: pending -> accepted | declined

package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reliefline/donation_verifier/internal/ai"
	"github.com/reliefline/donation_verifier/internal/common"
	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/imagestore"
)

const (
	// DefaultTimeout bounds one run end to end.
	DefaultTimeout = 60 * time.Second

	// writeTimeout bounds the final state write, which runs on a context
	// detached from the run deadline so a timed-out run can still decline.
	writeTimeout = 10 * time.Second
)

// Trigger says who started a run.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// DonationStore reads donations and records decisions.
type DonationStore interface {
	GetDonation(ctx context.Context, id string) (*domain.Donation, error)
	// ClaimPending marks a pending, unclaimed donation as taken by a run and
	// reports whether this call made the claim.
	ClaimPending(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateDonationState(ctx context.Context, id string, update domain.StateUpdate) error
	SaveExtraction(ctx context.Context, record domain.ExtractionRecord) error
}

// ReferenceStore serves the read-only records a receipt is checked against.
// Missing records are reported as domain.ErrNotFound.
type ReferenceStore interface {
	GetOrganizationBankDetails(ctx context.Context, organizationID string) (*domain.OrganizationBankDetails, error)
	GetDonationService(ctx context.Context, serviceID string) (*domain.DonationService, error)
}

// ImageFetcher resolves a receipt reference to bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (*imagestore.Image, error)
}

// Outcome is the result of one run.
type Outcome struct {
	DonationID string
	State      domain.DonationState
	Note       string
	Reasons    []string
	Kind       Kind
	Skipped    bool
}

// Accepted reports whether the run accepted the donation.
func (o *Outcome) Accepted() bool {
	return o.State == domain.StateAccepted && !o.Skipped
}

// Pipeline verifies donations. It is safe for concurrent use; runs share
// nothing but their collaborators.
type Pipeline struct {
	donations  DonationStore
	references ReferenceStore
	images     ImageFetcher
	extractor  ai.ReceiptExtractor
	validator  *Validator
	timeout    time.Duration
	now        func() time.Time
}

// NewPipeline wires a pipeline. A non-positive timeout uses DefaultTimeout.
func NewPipeline(
	donations DonationStore,
	references ReferenceStore,
	images ImageFetcher,
	extractor ai.ReceiptExtractor,
	validator *Validator,
	timeout time.Duration,
) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if validator == nil {
		validator = NewValidator(nil, nil, DefaultAmountTolerance)
	}

	return &Pipeline{
		donations:  donations,
		references: references,
		images:     images,
		extractor:  extractor,
		validator:  validator,
		timeout:    timeout,
		now:        time.Now,
	}
}

// ProcessNew is the automatic path. Donations that are no longer pending,
// or that an earlier run already claimed, are skipped without a write, so a
// failed run is never repeated automatically.
func (p *Pipeline) ProcessNew(ctx context.Context, donationID string) (*Outcome, error) {
	return p.run(ctx, donationID, TriggerAutomatic)
}

// Reprocess is the manual override. It runs regardless of the current
// state and overwrites state and note.
func (p *Pipeline) Reprocess(ctx context.Context, donationID string) (*Outcome, error) {
	return p.run(ctx, donationID, TriggerManual)
}

// checked is what a successful verification hands to the final write.
type checked struct {
	extraction *ai.Extraction
	result     domain.ValidationResult
}

type stepsResult struct {
	checked *checked
	err     *Error
}

func (p *Pipeline) run(parent context.Context, donationID string, trigger Trigger) (*Outcome, error) {
	rc := common.NewRequestContext(donationID, string(trigger))
	defer rc.GetSummary()

	ctx, cancel := context.WithTimeout(common.WithRequestContext(parent, rc), p.timeout)
	defer cancel()

	rc.StartStep("load_donation")
	donation, err := p.donations.GetDonation(ctx, donationID)
	if err != nil {
		rc.EndStep("failed", nil, err)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrDonationNotFound
		}
		if canceledByCaller(parent) {
			return nil, parent.Err()
		}
		return p.decline(ctx, rc, donationID, p.classify(ctx, newError(KindUnexpected, "Failed to load donation", err)), nil)
	}
	rc.EndStep("success", nil, nil)

	if trigger == TriggerAutomatic && donation.State != domain.StatePending {
		rc.LogInfo("Donation is %s, not pending; skipping", donation.State)
		return &Outcome{DonationID: donationID, State: donation.State, Skipped: true}, nil
	}

	rc.StartStep("claim")
	claimed, err := p.donations.ClaimPending(ctx, donationID, p.now())
	if err != nil {
		rc.EndStep("failed", nil, err)
		if canceledByCaller(parent) {
			return nil, parent.Err()
		}
		return p.decline(ctx, rc, donationID, p.classify(ctx, newError(KindUnexpected, "Failed to start verification", err)), nil)
	}
	rc.EndStep("success", nil, nil)

	if trigger == TriggerAutomatic && !claimed {
		rc.LogInfo("Donation already claimed by an earlier run; skipping")
		return &Outcome{DonationID: donationID, State: donation.State, Skipped: true}, nil
	}

	// The steps run on their own goroutine so the deadline holds even when a
	// collaborator ignores ctx. A late result is dropped.
	done := make(chan stepsResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				rc.LogError("Panic during verification: %v", r)
				done <- stepsResult{err: newError(KindUnexpected, "Unexpected error during verification", fmt.Errorf("panic: %v", r))}
			}
		}()
		c, verr := p.verify(ctx, rc, donation)
		done <- stepsResult{checked: c, err: verr}
	}()

	var res stepsResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if canceledByCaller(parent) {
			rc.LogWarning("Run canceled by caller; donation left %s", donation.State)
			return nil, parent.Err()
		}
		res = stepsResult{err: newError(KindTimeout, "Verification timed out", ctx.Err())}
	}

	if res.err != nil {
		if canceledByCaller(parent) {
			rc.LogWarning("Run canceled by caller; donation left %s", donation.State)
			return nil, parent.Err()
		}
		return p.decline(ctx, rc, donationID, p.classify(ctx, res.err), nil)
	}

	if result := res.checked.result; !result.Valid {
		return p.decline(ctx, rc, donationID, newError(KindValidation, result.Reason(), nil), result.Reasons)
	}

	return p.accept(ctx, rc, donationID, res.checked)
}

// verify runs every gate between loading the donation and the decision.
func (p *Pipeline) verify(ctx context.Context, rc *common.RequestContext, donation *domain.Donation) (*checked, *Error) {
	rc.StartStep("fetch_image")
	image, err := p.images.Fetch(ctx, donation.ReceiptImage)
	if err != nil {
		rc.EndStep("failed", nil, err)
		return nil, newError(KindImageFetch, "Failed to fetch receipt image", err)
	}
	rc.EndStep("success", nil, nil)

	rc.StartStep("extract_receipt")
	extraction, err := p.extractor.Extract(ctx, image)
	if err != nil {
		rc.EndStep("failed", nil, err)
		return nil, newError(KindExtraction, "Failed to extract receipt details", err)
	}
	rc.EndStep("success", extraction.Usage, nil)

	rc.StartStep("load_organization")
	org, err := p.references.GetOrganizationBankDetails(ctx, donation.OrganizationID)
	if err != nil {
		rc.EndStep("failed", nil, err)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, newError(KindLookupNotFound, "Organization bank details not found", err)
		}
		return nil, newError(KindUnexpected, "Failed to load organization bank details", err)
	}
	rc.EndStep("success", nil, nil)

	rc.StartStep("load_service")
	service, err := p.references.GetDonationService(ctx, donation.ServiceID)
	if err != nil {
		rc.EndStep("failed", nil, err)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, newError(KindLookupNotFound, "Donation service not found", err)
		}
		return nil, newError(KindUnexpected, "Failed to load donation service", err)
	}
	rc.EndStep("success", nil, nil)

	rc.StartStep("validate")
	result := p.validator.Validate(extraction.Fields, org, service, donation.Units)
	if result.Valid {
		rc.EndStep("success", nil, nil)
	} else {
		rc.EndStep("failed", nil, errors.New(result.Reason()))
	}

	return &checked{extraction: extraction, result: result}, nil
}

// classify turns any step failure into a timeout once the run deadline
// has passed, whatever the step reported.
func (p *Pipeline) classify(ctx context.Context, verr *Error) *Error {
	if verr.Kind != KindTimeout && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, "Verification timed out", verr)
	}
	return verr
}

func (p *Pipeline) decline(ctx context.Context, rc *common.RequestContext, donationID string, verr *Error, reasons []string) (*Outcome, error) {
	rc.LogWarning("Declining donation %s (%s): %v", donationID, verr.Kind, verr)

	note := verr.Reason
	if err := p.writeState(ctx, rc, donationID, domain.StateDeclined, &note); err != nil {
		return nil, err
	}

	if len(reasons) == 0 {
		reasons = []string{note}
	}
	return &Outcome{
		DonationID: donationID,
		State:      domain.StateDeclined,
		Note:       note,
		Reasons:    reasons,
		Kind:       verr.Kind,
	}, nil
}

func (p *Pipeline) accept(ctx context.Context, rc *common.RequestContext, donationID string, c *checked) (*Outcome, error) {
	if err := p.writeState(ctx, rc, donationID, domain.StateAccepted, nil); err != nil {
		return nil, err
	}

	rc.StartStep("save_extraction")
	record := domain.ExtractionRecord{
		DonationID:  donationID,
		Fields:      c.extraction.Fields,
		ExtractedAt: p.now(),
		Model:       c.extraction.Model,
	}
	if c.extraction.Usage != nil {
		record.TotalTokens = c.extraction.Usage.TotalTokens
	}

	writeCtx, cancel := detached(ctx)
	defer cancel()
	if err := p.donations.SaveExtraction(writeCtx, record); err != nil {
		// The decision already stands.
		rc.EndStep("failed", nil, err)
	} else {
		rc.EndStep("success", nil, nil)
	}

	rc.LogInfo("✅ Donation %s accepted", donationID)
	return &Outcome{DonationID: donationID, State: domain.StateAccepted}, nil
}

func (p *Pipeline) writeState(ctx context.Context, rc *common.RequestContext, donationID string, state domain.DonationState, note *string) error {
	writeCtx, cancel := detached(ctx)
	defer cancel()

	rc.StartStep("update_state")
	err := p.donations.UpdateDonationState(writeCtx, donationID, domain.StateUpdate{
		State:     state,
		Note:      note,
		UpdatedAt: p.now(),
	})
	if err != nil {
		rc.EndStep("failed", nil, err)
		return fmt.Errorf("failed to write %s state for donation %s: %w", state, donationID, err)
	}
	rc.EndStep("success", nil, nil)
	return nil
}

// canceledByCaller separates a caller hanging up, which leaves the donation
// pending for a manual rerun, from a deadline, which declines it.
func canceledByCaller(parent context.Context) bool {
	return errors.Is(parent.Err(), context.Canceled)
}

// detached keeps ctx values (the run's RequestContext) but not its deadline.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
