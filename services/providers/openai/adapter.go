package openai

import (
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/openaicompat"
)

const (
	// DefaultBaseURL is the public OpenAI API
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "gpt-4o-mini"
)

// OpenAIAdapter implements the providers.Adapter interface for OpenAI
type OpenAIAdapter struct {
	*openaicompat.Adapter
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig) *OpenAIAdapter {
	return &OpenAIAdapter{
		Adapter: openaicompat.New(openaicompat.Vendor{
			Name:         "openai",
			BaseURL:      DefaultBaseURL,
			DefaultModel: DefaultModel,
			IncludeUsage: true,
		}, config),
	}
}
