// gemini.go - Gemini receipt extraction with a structured-output schema

package ai

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/reliefline/donation_verifier/internal/common"
	"github.com/reliefline/donation_verifier/internal/imagestore"
	"github.com/reliefline/donation_verifier/internal/processor"
	"github.com/reliefline/donation_verifier/internal/ratelimit"
)

// maxOutputTokens keeps a runaway description field from truncating the JSON.
const maxOutputTokens int32 = 2048

// contentGenerator is the part of *genai.GenerativeModel the extractor calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiOptions configures a GeminiExtractor.
type GeminiOptions struct {
	ModelName             string
	Limiter               *ratelimit.RateLimiter
	Preprocess            bool
	MaxImageDimension     int
	InputPricePerMillion  float64
	OutputPricePerMillion float64
}

// GeminiExtractor implements ReceiptExtractor on Gemini's JSON mode.
type GeminiExtractor struct {
	model contentGenerator
	opts  GeminiOptions
}

// NewGeminiClient creates the process-wide Gemini client. The caller owns
// it and must Close it on shutdown.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiExtractor configures a model on client for receipt extraction.
func NewGeminiExtractor(client *genai.Client, opts GeminiOptions) *GeminiExtractor {
	model := client.GenerativeModel(opts.ModelName)

	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: ptr(maxOutputTokens),
	}
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = receiptSchema()
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}

	return newGeminiExtractor(model, opts)
}

func newGeminiExtractor(model contentGenerator, opts GeminiOptions) *GeminiExtractor {
	return &GeminiExtractor{model: model, opts: opts}
}

// Extract sends the receipt to Gemini once and parses the structured reply.
func (g *GeminiExtractor) Extract(ctx context.Context, image *imagestore.Image) (*Extraction, error) {
	reqCtx := common.FromContext(ctx)

	if image == nil || len(image.Data) == 0 {
		return nil, fmt.Errorf("no receipt image to extract from")
	}

	imageData, mimeType := image.Data, image.MIMEType
	if g.opts.Preprocess {
		processed, processedMime, err := processor.PrepareReceiptImage(imageData, mimeType, g.opts.MaxImageDimension)
		if err != nil {
			// If preprocessing fails, fall back to original bytes
			reqCtx.LogWarning("Image preprocessing failed, using original: %v", err)
		} else {
			imageData, mimeType = processed, processedMime
		}
	}

	fileSize := len(imageData)
	reqCtx.LogInfo("📄 Receipt %s: %d bytes (%.2f MB)", mimeType, fileSize, float64(fileSize)/(1024*1024))

	if g.opts.Limiter != nil {
		if err := g.opts.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for Gemini rate limit: %w", err)
		}
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.Text(extractionPrompt),
		genai.Blob{
			MIMEType: mimeType,
			Data:     imageData,
		},
	)
	if err != nil {
		gemErr := categorizeGeminiError(err)
		reqCtx.LogError("Gemini call failed: %s", gemErr.Error())
		return nil, gemErr
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	reqCtx.LogInfo("📦 Received JSON response: %d chars", len(text))

	fields, err := parseReceiptJSON(text)
	if err != nil {
		preview := text
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		reqCtx.LogWarning("Failed to parse Gemini response. Preview: %s", preview)
		return nil, err
	}

	extraction := &Extraction{
		Fields: *fields,
		Model:  g.opts.ModelName,
	}

	if resp.UsageMetadata != nil {
		usage := common.CalculateTokenCost(
			int(resp.UsageMetadata.PromptTokenCount),
			int(resp.UsageMetadata.CandidatesTokenCount),
			g.opts.InputPricePerMillion,
			g.opts.OutputPricePerMillion,
		)
		extraction.Usage = &usage
	}

	return extraction, nil
}

// responseText returns the first text part of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil {
			return "", fmt.Errorf("%w: no candidates (block reason: %v)", ErrUnparseableResponse, resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates", ErrUnparseableResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		return "", fmt.Errorf("%w: response truncated at token limit", ErrUnparseableResponse)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty candidate (finish reason: %v)", ErrUnparseableResponse, candidate.FinishReason)
	}

	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok && len(text) > 0 {
			return string(text), nil
		}
	}

	return "", fmt.Errorf("%w: no text part in response", ErrUnparseableResponse)
}

// ptr is a helper function to get a pointer to an int32 value
func ptr(i int32) *int32 {
	return &i
}
