package openaicompat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/upb/llm-gateway/services/providers"
)

var doneMarker = []byte("[DONE]")

// ChunkDecoder decodes OpenAI-compatible stream chunks
type ChunkDecoder struct {
	sawFinish bool
}

// NewChunkDecoder creates a decoder for one stream
func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{}
}

// Decode implements providers.EventDecoder
func (d *ChunkDecoder) Decode(ev providers.SSEEvent) ([]providers.StreamChunk, bool, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(data, doneMarker) {
		return nil, true, nil
	}

	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, fmt.Errorf("%w: failed to decode stream chunk: %v", providers.ErrMalformedResponse, err)
	}
	if chunk.Error != nil {
		code, _ := chunk.Error.Code.(string)
		return nil, false, &providers.StreamEventError{
			Type:    chunk.Error.Type,
			Code:    code,
			Message: chunk.Error.Message,
		}
	}

	var frags []providers.StreamChunk
	if chunk.ID != "" || chunk.Model != "" {
		frags = append(frags, providers.StreamChunk{ID: chunk.ID, Model: chunk.Model})
	}
	for _, choice := range chunk.Choices {
		frag := providers.StreamChunk{
			Delta:     choice.Delta.Content,
			Reasoning: choice.Delta.ReasoningContent,
		}
		if choice.FinishReason != "" {
			d.sawFinish = true
			frag.FinishReason = MapFinishReason(choice.FinishReason)
		}
		frags = append(frags, frag)
	}
	if chunk.Usage != nil {
		usage := convertUsage(chunk.Usage)
		frags = append(frags, providers.StreamChunk{Usage: &usage})
	}
	return frags, false, nil
}

// Finish implements providers.EventDecoder. Some vendors close the connection
// without [DONE]; that is accepted once a finish reason has been seen.
func (d *ChunkDecoder) Finish() error {
	if d.sawFinish {
		return nil
	}
	return providers.ErrStreamTruncated
}
