// request_context.go - Run tracking and logging for donation verification

package common

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestContext tracks one verification run with timing and AI costs
type RequestContext struct {
	RequestID        string
	DonationID       string
	Trigger          string
	StartTime        time.Time
	Steps            []StepLog
	TotalTokens      TokenUsage
	CurrentStep      string
	CurrentStepStart time.Time

	mu sync.Mutex
}

// StepLog represents a single processing step
type StepLog struct {
	Name      string      `json:"name"`
	StartTime time.Time   `json:"start_time"`
	Duration  int64       `json:"duration_ms"`
	Status    string      `json:"status"` // "success", "failed", "skipped"
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// TokenUsage tracks API token consumption
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// NewRequestContext creates a new run tracking context
func NewRequestContext(donationID, trigger string) *RequestContext {
	reqID := uuid.New().String()
	now := time.Now()

	log.Printf("[%s] 🚀 verification started | donation: %s | trigger: %s | at: %s",
		reqID, donationID, trigger, now.Format("15:04:05"))

	return &RequestContext{
		RequestID:  reqID,
		DonationID: donationID,
		Trigger:    trigger,
		StartTime:  now,
		Steps:      []StepLog{},
	}
}

var stepDescriptions = map[string]string{
	"load_donation":     "📄 load donation",
	"fetch_image":       "📷 fetch receipt image",
	"extract_receipt":   "🔍 extract receipt fields (Gemini)",
	"load_organization": "🏦 load organization bank details",
	"load_service":      "📦 load donation service",
	"validate":          "✔️ validate receipt",
	"update_state":      "💾 write decision",
	"save_extraction":   "🗂️ save extraction audit record",
}

// StartStep begins tracking a new processing step
func (rc *RequestContext) StartStep(stepName string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.CurrentStep = stepName
	rc.CurrentStepStart = time.Now()

	desc := stepDescriptions[stepName]
	if desc == "" {
		desc = stepName
	}

	log.Printf("[%s] ┌── %s", rc.RequestID, desc)
}

// EndStep completes the current step and records timing
func (rc *RequestContext) EndStep(status string, tokens *TokenUsage, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	duration := time.Since(rc.CurrentStepStart).Milliseconds()

	stepLog := StepLog{
		Name:      rc.CurrentStep,
		StartTime: rc.CurrentStepStart,
		Duration:  duration,
		Status:    status,
		Tokens:    tokens,
	}

	if err != nil {
		stepLog.Error = err.Error()
		log.Printf("[%s] └── ❌ %s - %s (%.2fs) - Error: %v",
			rc.RequestID, status, rc.CurrentStep, float64(duration)/1000, err)
	} else {
		logMsg := fmt.Sprintf("[%s] └── ✅ %s: %.2fs", rc.RequestID, status, float64(duration)/1000)

		if tokens != nil {
			rc.TotalTokens.InputTokens += tokens.InputTokens
			rc.TotalTokens.OutputTokens += tokens.OutputTokens
			rc.TotalTokens.TotalTokens += tokens.TotalTokens
			rc.TotalTokens.CostUSD += tokens.CostUSD

			logMsg += fmt.Sprintf(" | 🪙 Tokens: %d in + %d out = %d | 💰 $%.5f",
				tokens.InputTokens, tokens.OutputTokens, tokens.TotalTokens, tokens.CostUSD)
		}

		log.Print(logMsg)
	}

	rc.Steps = append(rc.Steps, stepLog)
	rc.CurrentStep = ""
}

// CalculateTokenCost computes USD cost from token counts and per-million prices
func CalculateTokenCost(inputTokens, outputTokens int, inputPricePerMillion, outputPricePerMillion float64) TokenUsage {
	inputCost := float64(inputTokens) * inputPricePerMillion / 1_000_000
	outputCost := float64(outputTokens) * outputPricePerMillion / 1_000_000

	return TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      inputCost + outputCost,
	}
}

// GetSummary returns a final summary of the entire run
func (rc *RequestContext) GetSummary() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	totalDuration := time.Since(rc.StartTime).Milliseconds()

	stepBreakdown := make(map[string]int64)
	for _, step := range rc.Steps {
		stepBreakdown[step.Name] = step.Duration
	}

	log.Printf("[%s] ═══ 🎯 summary | donation: %s | ⏱️ %.2fs | 📝 steps: %d | 🪙 tokens: %d | 💰 $%.5f ═══",
		rc.RequestID,
		rc.DonationID,
		float64(totalDuration)/1000,
		len(rc.Steps),
		rc.TotalTokens.TotalTokens,
		rc.TotalTokens.CostUSD)

	return map[string]interface{}{
		"request_id":        rc.RequestID,
		"donation_id":       rc.DonationID,
		"trigger":           rc.Trigger,
		"total_duration_ms": totalDuration,
		"step_breakdown":    stepBreakdown,
		"total_steps":       len(rc.Steps),
		"total_tokens":      rc.TotalTokens.TotalTokens,
		"cost_usd":          fmt.Sprintf("$%.5f", rc.TotalTokens.CostUSD),
	}
}

// LogInfo logs info-level message with request ID prefix
func (rc *RequestContext) LogInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] ℹ️  %s", rc.RequestID, msg)
}

// LogWarning logs warning-level message with request ID prefix
func (rc *RequestContext) LogWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] ⚠️  %s", rc.RequestID, msg)
}

// LogError logs error-level message with request ID prefix
func (rc *RequestContext) LogError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] ❌ %s", rc.RequestID, msg)
}

type contextKey struct{}

// WithRequestContext attaches rc to ctx so downstream calls log under its ID.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the run attached to ctx, or a fresh detached one.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(contextKey{}).(*RequestContext); ok {
		return rc
	}
	return &RequestContext{RequestID: "detached", StartTime: time.Now()}
}
