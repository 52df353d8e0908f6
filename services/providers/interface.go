package providers

import (
	"context"
	"time"
)

// Adapter represents a single vendor behind the canonical completion contract
type Adapter interface {
	// Name returns the provider name (e.g., "openai", "deepseek", "anthropic")
	Name() string

	// Initialize establishes client state and verifies credentials. Idempotent.
	Initialize(ctx context.Context) error

	// Complete performs one non-streamed completion call
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream performs a streamed completion call. The returned stream is
	// consumed once; a new stream requires a new call.
	CompleteStream(ctx context.Context, req *CompletionRequest) (Stream, error)

	// HealthCheck probes vendor reachability without issuing a completion
	HealthCheck(ctx context.Context) error

	// ListModels returns the model identifiers served by this provider
	ListModels(ctx context.Context) ([]string, error)
}

// Role is the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the canonical roles
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role Role `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Reasoning is a gateway-internal reasoning trace. It is never sent to a vendor.
	Reasoning string `json:"reasoning,omitempty"`
}

// Options tunes a completion call
type Options struct {
	// Temperature controls randomness; nil leaves the vendor default
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length; zero leaves the vendor default
	MaxTokens int `json:"max_tokens,omitempty"`

	// TopP controls nucleus sampling; nil leaves the vendor default
	TopP *float64 `json:"top_p,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// Stream requests an incremental response
	Stream bool `json:"stream,omitempty"`
}

// CompletionRequest represents a canonical completion request
type CompletionRequest struct {
	// Provider selects the adapter explicitly; empty means resolve by model or default
	Provider string `json:"provider,omitempty"`

	// Model identifier (e.g., "gpt-4o-mini", "deepseek-reasoner")
	Model string `json:"model"`

	// Messages in the conversation, in order
	Messages []Message `json:"messages"`

	// Options for the call
	Options Options `json:"options"`

	// Metadata for tracking and logging. Never sent to a vendor.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers' requests stay untouched
func (r *CompletionRequest) Clone() *CompletionRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Options.Stop = append([]string(nil), r.Options.Stop...)
	if r.Options.Temperature != nil {
		t := *r.Options.Temperature
		out.Options.Temperature = &t
	}
	if r.Options.TopP != nil {
		p := *r.Options.TopP
		out.Options.TopP = &p
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SanitizeMessages returns copies of msgs with every gateway-internal field cleared
func SanitizeMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// FinishReason indicates why a completion finished
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishUnknown       FinishReason = "unknown"
)

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// ReasoningTokens is reported by reasoning models; included in CompletionTokens
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// CompletionResponse represents a canonical completion result
type CompletionResponse struct {
	ID           string        `json:"id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	Reasoning    string        `json:"reasoning,omitempty"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Created      time.Time     `json:"created"`
	Latency      time.Duration `json:"latency"`
}

// StreamChunk is one fragment of a streamed completion
type StreamChunk struct {
	// Delta is the partial content text
	Delta string `json:"delta,omitempty"`

	// Reasoning is the partial reasoning text
	Reasoning string `json:"reasoning,omitempty"`

	// Done marks the terminal chunk; exactly one per stream
	Done bool `json:"done"`

	// FinishReason is set on the terminal chunk
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Usage is set on the terminal chunk when the vendor reports it
	Usage *Usage `json:"usage,omitempty"`

	// ID and Model are the vendor's response id and model, set on the terminal chunk
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
}

// Stream is a single-consumer, non-restartable sequence of chunks
type Stream interface {
	// Recv returns the next chunk. After the terminal chunk it returns io.EOF.
	Recv() (StreamChunk, error)

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// Name overrides the adapter name (defaults to the vendor name)
	Name string

	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// DefaultModel is used when a request leaves Model empty
	DefaultModel string

	// MaxRetries for retryable failures; zero uses the dispatcher default
	MaxRetries int

	// Timeout per vendor call
	Timeout time.Duration

	// Additional headers
	Headers map[string]string

	// Models is a static catalog; when set ListModels skips the vendor call
	Models []string
}

// HealthStatus is the advisory health record for one provider
type HealthStatus struct {
	Provider            string    `json:"provider"`
	Healthy             bool      `json:"healthy"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}
