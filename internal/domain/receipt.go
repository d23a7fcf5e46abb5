package domain

// ExtractedReceiptFields is the structured read of a bank-transfer receipt.
// Empty strings and a nil Amount mean the field was not on the receipt.
type ExtractedReceiptFields struct {
	TransactionID    string   `bson:"transactionId,omitempty" json:"transactionId,omitempty"`
	Amount           *float64 `bson:"amount,omitempty" json:"amount,omitempty"`
	Currency         string   `bson:"currency,omitempty" json:"currency,omitempty"`
	SenderName       string   `bson:"senderName,omitempty" json:"senderName,omitempty"`
	SenderAccount    string   `bson:"senderAccount,omitempty" json:"senderAccount,omitempty"`
	RecipientName    string   `bson:"recipientName,omitempty" json:"recipientName,omitempty"`
	RecipientAccount string   `bson:"recipientAccount,omitempty" json:"recipientAccount,omitempty"`
	BankName         string   `bson:"bankName,omitempty" json:"bankName,omitempty"`
	BankBranch       string   `bson:"bankBranch,omitempty" json:"bankBranch,omitempty"`
	TransactionDate  string   `bson:"transactionDate,omitempty" json:"transactionDate,omitempty"`
	TransactionTime  string   `bson:"transactionTime,omitempty" json:"transactionTime,omitempty"`
	Description      string   `bson:"description,omitempty" json:"description,omitempty"`
	Status           string   `bson:"status,omitempty" json:"status,omitempty"`
}
