// interface.go - Receipt extractor interface so the pipeline can run without a live AI

package ai

import (
	"context"
	"errors"

	"github.com/reliefline/donation_verifier/internal/common"
	"github.com/reliefline/donation_verifier/internal/domain"
	"github.com/reliefline/donation_verifier/internal/imagestore"
)

// ErrUnparseableResponse means the model answered but not with receipt JSON.
var ErrUnparseableResponse = errors.New("AI response is not valid receipt JSON")

// ReceiptExtractor reads the structured fields off a receipt image.
// Implementations make one attempt; callers decide what a failure means.
type ReceiptExtractor interface {
	Extract(ctx context.Context, image *imagestore.Image) (*Extraction, error)
}

// Extraction is a successful read together with what it cost.
type Extraction struct {
	Fields domain.ExtractedReceiptFields
	Model  string
	Usage  *common.TokenUsage
}
