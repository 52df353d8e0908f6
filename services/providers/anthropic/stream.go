package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/upb/llm-gateway/services/providers"
)

// EventDecoder decodes Messages API stream events
type EventDecoder struct {
	usage providers.Usage
}

// NewEventDecoder creates a decoder for one stream
func NewEventDecoder() *EventDecoder {
	return &EventDecoder{}
}

// Decode implements providers.EventDecoder
func (d *EventDecoder) Decode(ev providers.SSEEvent) ([]providers.StreamChunk, bool, error) {
	if len(ev.Data) == 0 {
		return nil, false, nil
	}

	var event StreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, false, fmt.Errorf("%w: failed to decode stream event: %v", providers.ErrMalformedResponse, err)
	}
	if event.Type == "" {
		event.Type = ev.Name
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return nil, false, nil
		}
		if event.Message.Usage != nil {
			d.usage.PromptTokens = event.Message.Usage.InputTokens
			d.usage.CompletionTokens = event.Message.Usage.OutputTokens
		}
		return []providers.StreamChunk{{ID: event.Message.ID, Model: event.Message.Model}}, false, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, false, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []providers.StreamChunk{{Delta: event.Delta.Text}}, false, nil
		case "thinking_delta":
			return []providers.StreamChunk{{Reasoning: event.Delta.Thinking}}, false, nil
		}
		return nil, false, nil

	case "message_delta":
		var frag providers.StreamChunk
		if event.Delta != nil && event.Delta.StopReason != "" {
			frag.FinishReason = MapStopReason(event.Delta.StopReason)
		}
		if event.Usage != nil {
			// message_delta reports cumulative output tokens
			d.usage.CompletionTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				d.usage.PromptTokens = event.Usage.InputTokens
			}
			d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
			usage := d.usage
			frag.Usage = &usage
		}
		return []providers.StreamChunk{frag}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		se := &providers.StreamEventError{Message: "stream error"}
		if event.Error != nil {
			se.Type = event.Error.Type
			se.Message = event.Error.Message
		}
		return nil, false, se
	}

	// ping, content_block_start and content_block_stop carry nothing to emit
	return nil, false, nil
}

// Finish implements providers.EventDecoder. The stream must end with message_stop.
func (d *EventDecoder) Finish() error {
	return providers.ErrStreamTruncated
}
