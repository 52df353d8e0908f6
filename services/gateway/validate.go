package gateway

import (
	"fmt"

	"github.com/upb/llm-gateway/services/providers"
)

// Validate rejects requests no vendor could serve. Failures are INVALID_REQUEST.
func Validate(req *providers.CompletionRequest) error {
	if req == nil {
		return invalid("request is required")
	}
	if len(req.Messages) == 0 {
		return invalid("at least one message is required")
	}
	for i, msg := range req.Messages {
		if !msg.Role.Valid() {
			return invalid(fmt.Sprintf("messages[%d]: invalid role %q", i, msg.Role))
		}
		if msg.Content == "" && msg.Role != providers.RoleAssistant {
			return invalid(fmt.Sprintf("messages[%d]: content is required", i))
		}
	}

	opts := req.Options
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
		return invalid("top_p must be between 0 and 1")
	}
	if opts.MaxTokens < 0 {
		return invalid("max_tokens must not be negative")
	}
	if len(opts.Stop) > 4 {
		return invalid("at most 4 stop sequences are allowed")
	}
	return nil
}

func invalid(msg string) error {
	return providers.Classify("", fmt.Errorf("%w: %s", providers.ErrInvalidRequest, msg))
}
