// internal/handler/errors.go
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"plateflo/internal/middleware"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// serviceStatus maps service errors to HTTP status codes.
func serviceStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, service.ErrOperationNotFound),
		errors.Is(err, service.ErrEventNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrUnsupportedKind):
		return http.StatusBadRequest, true
	case errors.Is(err, service.ErrDeviceOnline),
		errors.Is(err, service.ErrDeviceNotConnected),
		errors.Is(err, service.ErrPortInUse),
		errors.Is(err, service.ErrScanInProgress):
		return http.StatusConflict, true
	}
	return 0, false
}

// statusFor maps service errors to HTTP status codes, falling back to
// the transport error mapping.
func statusFor(err error) int {
	if status, ok := serviceStatus(err); ok {
		return status
	}
	return utils.StatusForError(err)
}

// respondError answers err. Operation data that failed to decode is
// answered field by field; errors the service does not know are answered
// by transport failure kind.
func respondError(c *gin.Context, message string, err error) {
	status, ok := serviceStatus(err)
	if !ok {
		utils.TransportErrorResponse(c, message, err)
		return
	}
	if fields := validationErrors(err, "operation_data."); status == http.StatusBadRequest && fields != nil {
		utils.ValidationErrorResponse(c, fields)
		return
	}
	utils.ErrorResponse(c, status, message, err)
}

// bindError answers a request body that could not be bound.
func bindError(c *gin.Context, err error) {
	if fields := validationErrors(err, ""); fields != nil {
		utils.ValidationErrorResponse(c, fields)
		return
	}
	utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
}

// validationErrors names the JSON fields err rejected, or returns nil.
func validationErrors(err error, prefix string) map[string]string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return map[string]string{prefix + field: fmt.Sprintf("must be %s, got %s", typeErr.Type, typeErr.Value)}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return map[string]string{"body": fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
	}
	return nil
}

// logFailure logs err tagged with the request ID.
func logFailure(c *gin.Context, logger *utils.ServiceLogger, message string, err error, fields ...zap.Field) {
	utils.LogError(utils.LoggerWithRequestID(logger.Logger, c.GetString(middleware.RequestIDKey)), message, err, fields...)
}
