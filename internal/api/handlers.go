// handlers.go - HTTP handlers for manual donation reprocessing and health

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reliefline/donation_verifier/internal/verification"
)

// Reprocessor runs the manual verification path.
type Reprocessor interface {
	Reprocess(ctx context.Context, donationID string) (*verification.Outcome, error)
}

// ProcessResponse is the body of POST /api/v1/donations/:id/process.
type ProcessResponse struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	DonationID string   `json:"donation_id,omitempty"`
	State      string   `json:"state,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type Handler struct {
	pipeline Reprocessor
}

func NewHandler(pipeline Reprocessor) *Handler {
	return &Handler{pipeline: pipeline}
}

// ProcessDonation re-runs verification for one donation regardless of its
// current state and reports the decision.
func (h *Handler) ProcessDonation(c *gin.Context) {
	donationID := c.Param("id")
	if donationID == "" {
		c.JSON(http.StatusBadRequest, ProcessResponse{Message: "donation id is required"})
		return
	}

	outcome, err := h.pipeline.Reprocess(c.Request.Context(), donationID)
	if err != nil {
		if errors.Is(err, verification.ErrDonationNotFound) {
			c.JSON(http.StatusNotFound, ProcessResponse{
				DonationID: donationID,
				Message:    "Donation not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ProcessResponse{
			DonationID: donationID,
			Message:    "Failed to process donation",
			Error:      err.Error(),
		})
		return
	}

	resp := ProcessResponse{
		Success:    outcome.Accepted(),
		DonationID: donationID,
		State:      string(outcome.State),
		Reasons:    outcome.Reasons,
	}
	if resp.Success {
		resp.Message = "Donation accepted"
	} else {
		resp.Message = "Donation declined: " + outcome.Note
	}

	c.JSON(http.StatusOK, resp)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "donation-verifier",
	})
}
