package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

var contextLengthSignals = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"exceeds the maximum number of tokens",
	"input token count",
	"too many tokens",
}

var modelNotFoundSignals = []string{
	"model_not_found",
	"model not found",
	"model not exist",
	"model does not exist",
	"is not found for api version",
	"unknown model",
}

// Classify maps any failure to exactly one canonical kind. It performs no I/O and
// returns an existing *LLMError unchanged.
func Classify(provider string, err error) *LLMError {
	if err == nil {
		return nil
	}

	var existing *LLMError
	if errors.As(err, &existing) {
		return existing
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return &LLMError{
			Kind:     KindProviderError,
			Message:  "circuit breaker open",
			Provider: provider,
			Details:  map[string]string{"circuit": "open"},
			Cause:    err,
		}
	case errors.Is(err, context.Canceled):
		return &LLMError{Kind: KindUnknown, Message: "request canceled", Provider: provider, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &LLMError{Kind: KindTimeout, Message: "request deadline exceeded", Provider: provider, Cause: err}
	}

	var ve *VendorError
	if errors.As(err, &ve) {
		return classifyVendor(provider, ve, err)
	}

	var se *StreamEventError
	if errors.As(err, &se) {
		kind := classifyText(se.Message, se.Code, se.Type)
		if kind == "" {
			kind = classifyType(se.Code, se.Type)
		}
		if kind == "" {
			kind = KindProviderError
		}
		return &LLMError{
			Kind:       kind,
			Message:    se.Message,
			Provider:   provider,
			VendorCode: firstNonEmpty(se.Code, se.Type),
			Cause:      err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &LLMError{Kind: KindTimeout, Message: err.Error(), Provider: provider, Cause: err}
		}
		return &LLMError{Kind: KindProviderError, Message: err.Error(), Provider: provider, Cause: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrStreamTruncated),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return &LLMError{Kind: KindProviderError, Message: err.Error(), Provider: provider, Cause: err}
	case errors.Is(err, ErrMissingAPIKey):
		return &LLMError{Kind: KindProviderError, Message: err.Error(), Provider: provider, Cause: err}
	case errors.Is(err, ErrModelNotSupported):
		return &LLMError{Kind: KindModelNotFound, Message: err.Error(), Provider: provider, Cause: err}
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrProviderNotFound):
		return &LLMError{Kind: KindInvalidRequest, Message: err.Error(), Provider: provider, Cause: err}
	}

	return &LLMError{Kind: KindUnknown, Message: err.Error(), Provider: provider, Cause: err}
}

// ClassifyStartup classifies an initialization failure. Anything that prevents an
// adapter from starting is a PROVIDER_ERROR.
func ClassifyStartup(provider string, err error) *LLMError {
	if err == nil {
		return nil
	}
	classified := Classify(provider, err)
	if classified.Kind == KindProviderError {
		return classified
	}
	out := *classified
	out.Kind = KindProviderError
	out.Details = copyDetails(classified.Details)
	if out.Details == nil {
		out.Details = make(map[string]string, 1)
	}
	out.Details["startup_kind"] = string(classified.Kind)
	out.Cause = err
	return &out
}

func classifyVendor(provider string, ve *VendorError, err error) *LLMError {
	kind := classifyText(ve.Message, ve.Code, ve.Type)
	// quota and timeout statuses outrank the type string: DeepSeek reports an
	// exhausted balance as 402 with type invalid_request_error
	if kind == "" {
		switch ve.StatusCode {
		case http.StatusTooManyRequests, http.StatusPaymentRequired,
			http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = classifyStatus(ve.StatusCode)
		}
	}
	if kind == "" {
		kind = classifyType(ve.Code, ve.Type)
	}
	if kind == "" {
		kind = classifyStatus(ve.StatusCode)
	}

	msg := ve.Message
	if msg == "" {
		msg = http.StatusText(ve.StatusCode)
	}

	out := &LLMError{
		Kind:       kind,
		Message:    msg,
		Provider:   provider,
		StatusCode: ve.StatusCode,
		VendorCode: firstNonEmpty(ve.Code, ve.Type),
		RetryAfter: ve.RetryAfter,
		Cause:      err,
	}
	if ve.Type != "" && ve.Code != "" {
		out.Details = map[string]string{"type": ve.Type}
	}
	return out
}

// classifyText looks for context-length and missing-model signals in the vendor's
// message, code and type. Returns "" when nothing matches.
func classifyText(message, code, typ string) ErrorKind {
	text := strings.ToLower(message + " " + code + " " + typ)
	for _, s := range contextLengthSignals {
		if strings.Contains(text, s) {
			return KindContextLength
		}
	}
	for _, s := range modelNotFoundSignals {
		if strings.Contains(text, s) {
			return KindModelNotFound
		}
	}
	if strings.Contains(text, "model") && strings.Contains(text, "does not exist") {
		return KindModelNotFound
	}
	return ""
}

// classifyType maps well-known vendor error codes and types. Returns "" when nothing matches.
func classifyType(code, typ string) ErrorKind {
	for _, v := range []string{strings.ToLower(code), strings.ToLower(typ)} {
		switch v {
		case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota", "resource_exhausted":
			return KindRateLimit
		case "overloaded_error", "api_error", "server_error", "unavailable", "internal":
			return KindProviderError
		case "invalid_request_error", "invalid_argument", "authentication_error",
			"permission_error", "permission_denied", "unauthenticated", "failed_precondition":
			return KindInvalidRequest
		case "deadline_exceeded":
			return KindTimeout
		}
	}
	return ""
}

func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return KindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusNotFound:
		return KindModelNotFound
	case http.StatusRequestEntityTooLarge:
		return KindContextLength
	}
	switch {
	case status >= 500:
		return KindProviderError
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

func copyDetails(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
