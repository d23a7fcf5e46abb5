// donation_created.go - Automatic verification of newly created donations

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/reliefline/donation_verifier/internal/verification"
)

// DonationCreatedKey is the routing key published when a donation is created.
const DonationCreatedKey = "donation.created"

// DonationCreatedEvent is the message body of DonationCreatedKey.
type DonationCreatedEvent struct {
	DonationID string `json:"donationId"`
}

// NewDonationProcessor runs the automatic verification path.
type NewDonationProcessor interface {
	ProcessNew(ctx context.Context, donationID string) (*verification.Outcome, error)
}

// DonationCreatedHandler verifies the donation named in the event. Every
// delivery is acknowledged: a failed run has already declined the donation
// or left it claimed for a manual rerun, and redelivery would not change that.
func DonationCreatedHandler(processor NewDonationProcessor) HandlerFunc {
	return func(ctx context.Context, body []byte) bool {
		var event DonationCreatedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Printf("❌ Dropping malformed %s event: %v", DonationCreatedKey, err)
			return true
		}
		event.DonationID = strings.TrimSpace(event.DonationID)
		if event.DonationID == "" {
			log.Printf("❌ Dropping %s event without donationId", DonationCreatedKey)
			return true
		}

		outcome, err := processor.ProcessNew(ctx, event.DonationID)
		switch {
		case errors.Is(err, verification.ErrDonationNotFound):
			log.Printf("⚠️  Donation %s from %s event does not exist", event.DonationID, DonationCreatedKey)
		case err != nil:
			log.Printf("❌ Verification of donation %s failed: %v", event.DonationID, err)
		case outcome.Skipped:
			log.Printf("Donation %s already %s; nothing to do", event.DonationID, outcome.State)
		default:
			log.Printf("Donation %s -> %s", event.DonationID, outcome.State)
		}
		return true
	}
}
