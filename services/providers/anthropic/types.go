package anthropic

// MessagesRequest is the Messages API request body
type MessagesRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

// Message is an outbound conversation turn. It has no field for reasoning.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResponse is the Messages API response body
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage"`
}

// ContentBlock is one block of a response. Type is "text", "thinking" or
// "redacted_thinking".
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Usage is the token accounting reported by the vendor
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is the union of the Messages API stream event payloads
type StreamEvent struct {
	Type    string            `json:"type"`
	Message *MessagesResponse `json:"message,omitempty"`
	Index   int               `json:"index"`
	Delta   *StreamDelta      `json:"delta,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
	Error   *ErrorBody        `json:"error,omitempty"`
}

// StreamDelta carries content_block_delta and message_delta payloads
type StreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// ErrorBody is the vendor error object
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ModelList is the models endpoint response
type ModelList struct {
	Data    []Model `json:"data"`
	HasMore bool    `json:"has_more"`
}

// Model is one catalog entry
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
