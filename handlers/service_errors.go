package handlers

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

// StatusForKind maps an error kind to the HTTP status returned to clients
func StatusForKind(kind providers.ErrorKind) int {
	switch kind {
	case providers.KindRateLimit:
		return http.StatusTooManyRequests
	case providers.KindContextLength:
		return http.StatusRequestEntityTooLarge
	case providers.KindInvalidRequest:
		return http.StatusBadRequest
	case providers.KindModelNotFound:
		return http.StatusNotFound
	case providers.KindTimeout:
		return http.StatusGatewayTimeout
	case providers.KindProviderError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrorBody builds the JSON error payload for a classified error
func ErrorBody(err *providers.LLMError) utils.ErrorResponse {
	details := make(map[string]interface{})
	if err.Provider != "" {
		details["provider"] = err.Provider
	}
	if err.StatusCode != 0 {
		details["status_code"] = err.StatusCode
	}
	if err.VendorCode != "" {
		details["vendor_code"] = err.VendorCode
	}
	if err.RetryAfter > 0 {
		details["retry_after_seconds"] = retryAfterSeconds(err)
	}
	for k, v := range err.Details {
		details[k] = v
	}
	if len(details) == 0 {
		details = nil
	}

	return utils.ErrorResponse{
		Error:   string(err.Kind),
		Message: err.Message,
		Details: details,
	}
}

// HandleServiceError writes any error as a classified JSON response
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	llmErr := providers.Classify("", err)
	status := StatusForKind(llmErr.Kind)

	if llmErr.Kind == providers.KindRateLimit && llmErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(llmErr)))
	}

	switch llmErr.Kind {
	case providers.KindUnknown:
		logger.Warn("unclassified error", zap.Error(err))
	case providers.KindProviderError, providers.KindTimeout:
		logger.Error("provider call failed",
			zap.String("provider", llmErr.Provider),
			zap.String("kind", string(llmErr.Kind)),
			zap.Error(err))
	default:
		logger.Debug("request rejected",
			zap.String("kind", string(llmErr.Kind)),
			zap.Error(err))
	}

	if err := utils.WriteJSON(w, status, ErrorBody(llmErr)); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse{
			Error:   string(providers.KindInvalidRequest),
			Message: "Validation failed",
			Details: details,
		}); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse{
		Error:   string(providers.KindInvalidRequest),
		Message: err.Error(),
	}); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

func retryAfterSeconds(err *providers.LLMError) int {
	return int(math.Ceil(err.RetryAfter.Seconds()))
}
