package deepseek

import (
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/openaicompat"
)

const (
	// DefaultBaseURL is the public DeepSeek API
	DefaultBaseURL = "https://api.deepseek.com"

	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "deepseek-chat"
)

// DeepSeekAdapter implements the providers.Adapter interface for DeepSeek.
// deepseek-reasoner returns its chain of thought as reasoning_content, which is
// surfaced as Reasoning and never echoed back on later turns.
type DeepSeekAdapter struct {
	*openaicompat.Adapter
}

// NewDeepSeekAdapter creates a new DeepSeek adapter
func NewDeepSeekAdapter(config providers.ProviderConfig) *DeepSeekAdapter {
	return &DeepSeekAdapter{
		Adapter: openaicompat.New(openaicompat.Vendor{
			Name:         "deepseek",
			BaseURL:      DefaultBaseURL,
			DefaultModel: DefaultModel,
			IncludeUsage: true,
		}, config),
	}
}
