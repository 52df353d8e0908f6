// Package cache stores completion responses by request fingerprint. The host
// pipeline uses it around the gateway; the gateway itself never sees it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/upb/llm-gateway/services/providers"
)

// ResponseCache is the lookup/store capability used before and after a completion
type ResponseCache interface {
	// Get returns the cached response for fingerprint. A miss is (nil, false, nil).
	Get(ctx context.Context, fingerprint string) (*providers.CompletionResponse, bool, error)

	// Put stores resp under fingerprint
	Put(ctx context.Context, fingerprint string, resp *providers.CompletionResponse) error
}

// Clearer drops every stored response, used when providers are reloaded
type Clearer interface {
	Clear(ctx context.Context) error
}

// fingerprintInput is the stable subset of a request that determines its answer.
// Reasoning, metadata and the stream flag are left out.
type fingerprintInput struct {
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Messages    []fingerprintMsg `json:"messages"`
	Temperature *float64         `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	TopP        *float64         `json:"top_p"`
	Stop        []string         `json:"stop"`
}

type fingerprintMsg struct {
	Role    providers.Role `json:"role"`
	Content string         `json:"content"`
}

// Fingerprint returns the hex SHA-256 of the request's cacheable fields
func Fingerprint(req *providers.CompletionRequest) string {
	in := fingerprintInput{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    make([]fingerprintMsg, len(req.Messages)),
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		TopP:        req.Options.TopP,
		Stop:        req.Options.Stop,
	}
	for i, m := range req.Messages {
		in.Messages[i] = fingerprintMsg{Role: m.Role, Content: m.Content}
	}
	if len(in.Stop) == 0 {
		in.Stop = nil
	}

	// marshalling a struct of strings, ints and float pointers cannot fail
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Nop is a cache that never hits
type Nop struct{}

// Get implements ResponseCache
func (Nop) Get(context.Context, string) (*providers.CompletionResponse, bool, error) {
	return nil, false, nil
}

// Put implements ResponseCache
func (Nop) Put(context.Context, string, *providers.CompletionResponse) error {
	return nil
}
