package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/revoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const (
	errorCodeInvalidRequest       = "invalid_request"
	errorCodeInvalidPayload       = "invalid_payload"
	errorCodeInvalidSignature     = "invalid_signature"
	errorCodeInsufficientCredits  = "insufficient_credits"
	errorCodeUnknownVersion       = "unknown_model_version"
	errorCodeUnknownPlan          = "unknown_plan"
	errorCodeRetry                = "retry"
	errorCodeUnauthorized         = "unauthorized"
	errorCodeTimeout              = "timeout"
	errorCodeInternal             = "internal"
	errorCodeNotFound             = "not_found"
	errorCodeWebhookNotConfigured = "webhook_not_configured"
	errorCodePayloadTooLarge      = "payload_too_large"
)

var errUnknownPlan = errors.New("unknown plan")

var validationErrors = []error{
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidPlanID,
	ledger.ErrInvalidExternalID,
	ledger.ErrMissingExternalID,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidAmount,
	ledger.ErrInvalidCurrency,
	ledger.ErrInvalidReason,
	ledger.ErrInvalidMetadataJSON,
	ledger.ErrInvalidTransactionLimit,
	ledger.ErrInvalidPaymentStatus,
	content.ErrInvalidPlatform,
	content.ErrInvalidContent,
	ErrInvalidEvent,
}

// statusForError maps domain errors to an HTTP status and a stable error code.
func statusForError(source error) (int, string) {
	switch {
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorCodeInsufficientCredits
	case errors.Is(source, generation.ErrUnknownVersion):
		return http.StatusBadRequest, errorCodeUnknownVersion
	case errors.Is(source, errUnknownPlan):
		return http.StatusBadRequest, errorCodeUnknownPlan
	case errors.Is(source, ErrInvalidSignature):
		return http.StatusBadRequest, errorCodeInvalidSignature
	case errors.Is(source, ledger.ErrStorageConflict), errors.Is(source, ledger.ErrLockNotAcquired), errors.Is(source, content.ErrContentConflict):
		return http.StatusConflict, errorCodeRetry
	case errors.Is(source, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorCodeTimeout
	}
	for _, validationError := range validationErrors {
		if errors.Is(source, validationError) {
			return http.StatusBadRequest, errorCodeInvalidRequest
		}
	}
	return http.StatusInternalServerError, errorCodeInternal
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
