package api

import (
	"errors"
	"net/http"

	"entitlement-api/internal/response"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// statusFor maps a service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrSignatureInvalid),
		errors.Is(err, services.ErrMalformedPurchase),
		errors.Is(err, services.ErrMalformedNotification):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrDuplicateTrial),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrPurchaseOwnership):
		return http.StatusConflict
	case errors.Is(err, services.ErrRemoteUnavailable),
		errors.Is(err, services.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err with its code and retry hint
func writeError(c *gin.Context, err error) {
	response.CodedErrorJSON(c, statusFor(err), services.ErrorCode(err), err.Error(), services.IsRetryable(err))
}
