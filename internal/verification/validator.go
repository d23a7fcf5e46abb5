// validator.go - Compare extracted receipt fields with the organization and service records

package verification

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/processor"
)

// DefaultAmountTolerance is the relative deviation allowed between the
// transferred amount and unit price x units.
const DefaultAmountTolerance = 0.05

// NameMatcher decides whether a receipt name refers to the expected party.
type NameMatcher interface {
	Match(extracted, expected string) bool
}

// Validator runs the five receipt checks. All checks run; reasons are
// collected in check order.
type Validator struct {
	orgMatcher  NameMatcher
	bankMatcher NameMatcher
	tolerance   decimal.Decimal
}

// NewValidator builds a validator. Nil matchers fall back to the defaults.
func NewValidator(orgMatcher, bankMatcher NameMatcher, tolerance float64) *Validator {
	if orgMatcher == nil {
		orgMatcher = processor.NewOrganizationMatcher(processor.DefaultNameSimilarityThreshold)
	}
	if bankMatcher == nil {
		bankMatcher = processor.NewBankMatcher(processor.DefaultBankAliases())
	}
	if tolerance < 0 {
		tolerance = DefaultAmountTolerance
	}

	return &Validator{
		orgMatcher:  orgMatcher,
		bankMatcher: bankMatcher,
		tolerance:   decimal.NewFromFloat(tolerance),
	}
}

// Validate checks extracted against the organization's bank details and the
// expected amount for units of service.
func (v *Validator) Validate(
	extracted domain.ExtractedReceiptFields,
	org *domain.OrganizationBankDetails,
	service *domain.DonationService,
	units int64,
) domain.ValidationResult {
	var reasons []string

	// 1. Recipient name
	recipientName := strings.TrimSpace(extracted.RecipientName)
	switch {
	case recipientName == "":
		reasons = append(reasons, "Recipient name not found on receipt")
	case !v.orgMatcher.Match(recipientName, org.AccountName):
		reasons = append(reasons, fmt.Sprintf("Recipient name does not match (expected: %s, found: %s)",
			org.AccountName, recipientName))
	}

	// 2. Account number, whitespace-insensitive exact match
	recipientAccount := strings.TrimSpace(extracted.RecipientAccount)
	switch {
	case recipientAccount == "":
		reasons = append(reasons, "Account number not found on receipt")
	case stripWhitespace(recipientAccount) != stripWhitespace(org.AccountNumber):
		reasons = append(reasons, fmt.Sprintf("Account number does not match (expected: %s, found: %s)",
			org.AccountNumber, recipientAccount))
	}

	// 3. Bank name
	bankName := strings.TrimSpace(extracted.BankName)
	switch {
	case bankName == "":
		reasons = append(reasons, "Bank name not found on receipt")
	case !v.bankMatcher.Match(bankName, org.BankName):
		reasons = append(reasons, fmt.Sprintf("Bank name does not match (expected: %s, found: %s)",
			org.BankName, bankName))
	}

	// 4. Amount within tolerance of unit price x units
	if extracted.Amount == nil {
		reasons = append(reasons, "Amount not found on receipt")
	} else {
		expected := ExpectedAmount(service, units)
		found := decimal.NewFromFloat(*extracted.Amount)
		if !v.amountWithinTolerance(found, expected) {
			reasons = append(reasons, fmt.Sprintf("Amount does not match (expected: %s, found: %s)",
				expected.StringFixed(2), found.StringFixed(2)))
		}
	}

	// 5. Status, only when the receipt shows one
	if status := extracted.Status; status != "" && !strings.EqualFold(status, "completed") {
		reasons = append(reasons, fmt.Sprintf("Transaction status is not completed (found: %s)", status))
	}

	return domain.ValidationResult{
		Valid:   len(reasons) == 0,
		Reasons: reasons,
	}
}

// ExpectedAmount is the service's unit price times units.
func ExpectedAmount(service *domain.DonationService, units int64) decimal.Decimal {
	return decimal.NewFromFloat(service.ApproximateUnitPrice).Mul(decimal.NewFromInt(units))
}

// amountWithinTolerance reports |found - expected| <= tolerance * expected.
func (v *Validator) amountWithinTolerance(found, expected decimal.Decimal) bool {
	allowed := expected.Abs().Mul(v.tolerance)
	return found.Sub(expected).Abs().LessThanOrEqual(allowed)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
