package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/upb/llm-gateway/services/providers"
)

// EventDecoder decodes streamGenerateContent events. The vendor has no end
// marker; the stream ends at EOF after a candidate reports a finish reason.
type EventDecoder struct {
	sawFinish bool
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

	var resp GenerateResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: failed to decode stream event: %v", providers.ErrMalformedResponse, err)
	}
	if resp.Error != nil {
		return nil, false, &providers.StreamEventError{
			Type:    resp.Error.Status,
			Message: resp.Error.Message,
		}
	}

	var frags []providers.StreamChunk
	if resp.ResponseID != "" || resp.ModelVersion != "" {
		frags = append(frags, providers.StreamChunk{ID: resp.ResponseID, Model: resp.ModelVersion})
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		d.sawFinish = true
		frags = append(frags, providers.StreamChunk{FinishReason: providers.FinishContentFilter})
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Thought {
				frags = append(frags, providers.StreamChunk{Reasoning: part.Text})
			} else {
				frags = append(frags, providers.StreamChunk{Delta: part.Text})
			}
		}
		if finish := MapFinishReason(cand.FinishReason); finish != "" {
			d.sawFinish = true
			frags = append(frags, providers.StreamChunk{FinishReason: finish})
		}
	}
	if resp.UsageMetadata != nil {
		usage := convertUsage(resp.UsageMetadata)
		frags = append(frags, providers.StreamChunk{Usage: &usage})
	}
	return frags, false, nil
}

// Finish implements providers.EventDecoder
func (d *EventDecoder) Finish() error {
	if d.sawFinish {
		return nil
	}
	return providers.ErrStreamTruncated
}
