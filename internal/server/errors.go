package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	gatewaydomain "github.com/metergate/metergate/internal/gateway/domain"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"github.com/metergate/metergate/pkg/faults"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts errors attached to the gin context
// into one JSON error body with the status derived from the fault
// taxonomy.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

var badInputSentinels = []error{
	accountdomain.ErrInvalidUser,
	accountdomain.ErrInvalidType,
	accountdomain.ErrInvalidReason,
	pricingdomain.ErrInvalidApp,
	pricingdomain.ErrInvalidOwner,
	pricingdomain.ErrInvalidSubscriber,
	pricingdomain.ErrInvalidFreeQuota,
	pricingdomain.ErrPricingMismatch,
	gatewaydomain.ErrInvalidRequester,
	meteringdomain.ErrInvalidVolume,
	paymentdomain.ErrInvalidUser,
	paymentdomain.ErrInvalidAmount,
}

func mapError(err error) (int, errorPayload) {
	for _, sentinel := range badInputSentinels {
		if errors.Is(err, sentinel) {
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Message: sentinel.Error(),
			}
		}
	}
	if errors.Is(err, pricingdomain.ErrNotSubscribed) {
		return http.StatusNotFound, errorPayload{
			Type:    "not_subscribed",
			Message: "no subscription for this app",
		}
	}
	if errors.Is(err, meteringdomain.ErrNotBillable) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "usage summary already billed",
		}
	}

	switch faults.CodeOf(err) {
	case faults.CodeNotFound:
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case faults.CodeAlreadyExists:
		return http.StatusConflict, errorPayload{Type: "already_exists", Message: err.Error()}
	case faults.CodePermissionDenied:
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: err.Error()}
	case faults.CodeBadUserInput:
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}
	case faults.CodeImmutableResource:
		return http.StatusConflict, errorPayload{Type: "immutable_resource", Message: err.Error()}
	case faults.CodeNotAccepted:
		// Structural pipeline misuse is a server bug, never a client one.
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
