package app

import (
	"fmt"
	"reflect"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/anthropic"
	"github.com/upb/llm-gateway/services/providers/deepseek"
	"github.com/upb/llm-gateway/services/providers/gemini"
	"github.com/upb/llm-gateway/services/providers/openai"
)

// NewAdapter builds the adapter for one configured provider. The entry's type
// selects the vendor, so one vendor can back several named providers.
func NewAdapter(name string, pc config.ProviderConfig) (providers.Adapter, error) {
	cfg := ProviderConfig(name, pc)

	switch pc.VendorType(name) {
	case "openai":
		return openai.NewOpenAIAdapter(cfg), nil
	case "deepseek":
		return deepseek.NewDeepSeekAdapter(cfg), nil
	case "anthropic":
		return anthropic.NewAnthropicAdapter(cfg), nil
	case "gemini":
		return gemini.NewGeminiAdapter(cfg), nil
	}
	return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.VendorType(name))
}

// ProviderConfig converts one provider entry of the configuration. Zero retries
// and timeout leave the dispatcher defaults in charge.
func ProviderConfig(name string, pc config.ProviderConfig) providers.ProviderConfig {
	return providers.ProviderConfig{
		Name:         name,
		APIKey:       pc.APIKey,
		BaseURL:      pc.BaseURL,
		DefaultModel: pc.DefaultModel,
		MaxRetries:   pc.MaxRetries,
		Timeout:      pc.Timeout,
		Headers:      pc.Headers,
		Models:       append([]string(nil), pc.Models...),
	}
}

// providersChanged reports whether a reload has to rebuild the registry
func providersChanged(old, next *config.Config) bool {
	return !reflect.DeepEqual(old.Providers, next.Providers) ||
		!reflect.DeepEqual(old.Gateway, next.Gateway) ||
		old.Health != next.Health
}
