// donation.go - Donation records and the reference data they are verified against

package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a keyed lookup has no document.
var ErrNotFound = errors.New("not found")

// DonationState is the lifecycle state of a donation.
type DonationState string

const (
	StatePending  DonationState = "pending"
	StateAccepted DonationState = "accepted"
	StateDeclined DonationState = "declined"
)

// Donation is a donor's claim that they transferred money for a service.
type Donation struct {
	ID             string        `bson:"_id" json:"id"`
	OrganizationID string        `bson:"organizationId" json:"organization_id"`
	ServiceID      string        `bson:"serviceId" json:"service_id"`
	Units          int64         `bson:"units" json:"units"`
	ReceiptImage   string        `bson:"receiptImage" json:"receipt_image"`
	State          DonationState `bson:"state" json:"state"`
	Note           *string       `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt      time.Time     `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time     `bson:"updatedAt" json:"updated_at"`

	// ProcessingStartedAt is stamped once, when the first run claims the
	// donation. Claimed donations are never picked up automatically again.
	ProcessingStartedAt *time.Time `bson:"processingStartedAt,omitempty" json:"processing_started_at,omitempty"`
}

// OrganizationBankDetails is where an organization expects donations to land.
type OrganizationBankDetails struct {
	OrganizationID string `bson:"organizationId" json:"organization_id"`
	AccountName    string `bson:"accountName" json:"account_name"`
	AccountNumber  string `bson:"accountNumber" json:"account_number"`
	BankName       string `bson:"bankName" json:"bank_name"`
}

// DonationService is a donatable product or unit with an approximate price.
type DonationService struct {
	ID                   string  `bson:"_id" json:"id"`
	Name                 string  `bson:"name" json:"name"`
	ApproximateUnitPrice float64 `bson:"approximateUnitPrice" json:"approximate_unit_price"`
}

// StateUpdate is the write applied to a donation at the end of a run.
// A nil Note clears any note left by an earlier run.
type StateUpdate struct {
	State     DonationState
	Note      *string
	UpdatedAt time.Time
}

// ExtractionRecord is the audit copy of what was read off an accepted receipt.
type ExtractionRecord struct {
	DonationID  string                 `bson:"donationId" json:"donation_id"`
	Fields      ExtractedReceiptFields `bson:"extractedFields" json:"extracted_fields"`
	ExtractedAt time.Time              `bson:"extractedAt" json:"extracted_at"`
	Model       string                 `bson:"model,omitempty" json:"model,omitempty"`
	TotalTokens int                    `bson:"totalTokens,omitempty" json:"total_tokens,omitempty"`
}

// ValidationResult is the outcome of comparing a receipt with the records.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons"`
}

// Reason joins all failure reasons in check order.
func (r ValidationResult) Reason() string {
	return strings.Join(r.Reasons, "; ")
}
