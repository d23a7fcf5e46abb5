// prompt.go - Instructions and output schema for bank-transfer receipts

package ai

import "github.com/google/generative-ai-go/genai"

const systemInstruction = `You read bank-transfer receipts and payment confirmations submitted as proof of a donation.
Report only what is printed on the document. Never guess or fill in a value that is not visible.`

const extractionPrompt = `Extract the transfer details from this bank receipt or payment confirmation.

Rules:
- "amount" is the transferred amount as a plain number without currency symbols or thousands separators (e.g. 5000.00).
- "currency" is the ISO code if shown (LKR, USD, ...).
- "recipientName" is the beneficiary / account holder that received the money, exactly as printed.
- "recipientAccount" is the beneficiary account number exactly as printed, including spaces or dashes.
- "bankName" is the bank of the beneficiary account if shown, otherwise the bank that issued the receipt.
- "status" is the transaction status text as printed (e.g. "Completed", "Successful", "Pending", "Failed").
- Dates as printed; do not convert calendars or formats.
- Omit any field that is not on the document.`

// receiptFields are the 13 fields requested from the model.
var receiptFields = []struct {
	name        string
	typ         genai.Type
	description string
}{
	{"transactionId", genai.TypeString, "Transaction or reference number"},
	{"amount", genai.TypeNumber, "Transferred amount as a number"},
	{"currency", genai.TypeString, "Currency code, e.g. LKR"},
	{"senderName", genai.TypeString, "Name of the sender / payer"},
	{"senderAccount", genai.TypeString, "Sender account number"},
	{"recipientName", genai.TypeString, "Beneficiary account holder name"},
	{"recipientAccount", genai.TypeString, "Beneficiary account number"},
	{"bankName", genai.TypeString, "Bank name"},
	{"bankBranch", genai.TypeString, "Bank branch"},
	{"transactionDate", genai.TypeString, "Transaction date as printed"},
	{"transactionTime", genai.TypeString, "Transaction time as printed"},
	{"description", genai.TypeString, "Remarks, narration or purpose"},
	{"status", genai.TypeString, "Transaction status as printed"},
}

var requiredReceiptFields = []string{"amount", "recipientName", "recipientAccount", "bankName"}

// receiptSchema builds the JSON schema Gemini must answer with.
func receiptSchema() *genai.Schema {
	properties := make(map[string]*genai.Schema, len(receiptFields))
	for _, f := range receiptFields {
		properties[f.name] = &genai.Schema{
			Type:        f.typ,
			Description: f.description,
		}
	}

	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: properties,
		Required:   requiredReceiptFields,
	}
}
