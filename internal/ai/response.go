// response.go - Parse Gemini's JSON reply into receipt fields

package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/reliefline/donation_verifier/internal/domain"
)

// receiptPayload mirrors receiptSchema. Amount is flexible because models
// sometimes quote numbers despite the schema.
type receiptPayload struct {
	TransactionID    flexibleString  `json:"transactionId"`
	Amount           *flexibleAmount `json:"amount"`
	Currency         flexibleString  `json:"currency"`
	SenderName       flexibleString  `json:"senderName"`
	SenderAccount    flexibleString  `json:"senderAccount"`
	RecipientName    flexibleString  `json:"recipientName"`
	RecipientAccount flexibleString  `json:"recipientAccount"`
	BankName         flexibleString  `json:"bankName"`
	BankBranch       flexibleString  `json:"bankBranch"`
	TransactionDate  flexibleString  `json:"transactionDate"`
	TransactionTime  flexibleString  `json:"transactionTime"`
	Description      flexibleString  `json:"description"`
	Status           flexibleString  `json:"status"`
}

// parseReceiptJSON decodes a model reply. Markdown fences are tolerated;
// anything that is not a JSON object is ErrUnparseableResponse.
func parseReceiptJSON(text string) (*domain.ExtractedReceiptFields, error) {
	text = stripCodeFence(text)
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrUnparseableResponse)
	}

	var payload receiptPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}

	fields := &domain.ExtractedReceiptFields{
		TransactionID:    string(payload.TransactionID),
		Currency:         string(payload.Currency),
		SenderName:       string(payload.SenderName),
		SenderAccount:    string(payload.SenderAccount),
		RecipientName:    string(payload.RecipientName),
		RecipientAccount: string(payload.RecipientAccount),
		BankName:         string(payload.BankName),
		BankBranch:       string(payload.BankBranch),
		TransactionDate:  string(payload.TransactionDate),
		TransactionTime:  string(payload.TransactionTime),
		Description:      string(payload.Description),
		Status:           string(payload.Status),
	}
	if payload.Amount != nil && payload.Amount.set {
		amount := payload.Amount.value
		fields.Amount = &amount
	}

	return fields, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// flexibleAmount can unmarshal from both string and number
type flexibleAmount struct {
	value float64
	set   bool
}

func (f *flexibleAmount) UnmarshalJSON(data []byte) error {
	// Handle null
	if string(data) == "null" {
		return nil
	}

	// Try as number first
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.value, f.set = num, true
		return nil
	}

	// Try as string
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("cannot unmarshal %s as amount", string(data))
	}

	str = cleanAmountText(str)
	if str == "" {
		return nil
	}

	// An unreadable amount is treated as missing, not as a bad reply.
	num, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return nil
	}

	f.value, f.set = num, true
	return nil
}

// cleanAmountText drops currency markers and thousands separators:
// "Rs. 5,000.00" -> "5000.00".
func cleanAmountText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// flexibleString accepts strings, numbers and null, trimming whitespace.
// Account numbers in particular come back as JSON numbers now and then.
type flexibleString string

func (s *flexibleString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexibleString(strings.TrimSpace(str))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*s = flexibleString(num.String())
		return nil
	}

	return fmt.Errorf("cannot unmarshal %s as string", string(data))
}
