package providers

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventDecoder turns a vendor's stream events into canonical fragments
type EventDecoder interface {
	// Decode converts one event. Fragments may carry Delta, Reasoning, FinishReason,
	// Usage, ID or Model; terminal reports that the vendor signalled the end of the stream.
	Decode(ev SSEEvent) (frags []StreamChunk, terminal bool, err error)

	// Finish is called when the body ends. It returns ErrStreamTruncated unless the
	// vendor's framing allows ending at EOF.
	Finish() error
}

// NormalizedStream is the canonical Stream over a vendor SSE body
type NormalizedStream struct {
	body      io.ReadCloser
	events    *SSEDecoder
	decoder   EventDecoder
	handleErr func(error) error

	pending []StreamChunk
	finish  FinishReason
	usage   *Usage
	id      string
	model   string
	done    bool
	err     error

	closed      atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

// NewNormalizedStream wraps body. handleErr classifies every read or vendor error
// before it reaches the consumer.
func NewNormalizedStream(body io.ReadCloser, decoder EventDecoder, handleErr func(error) error) *NormalizedStream {
	if handleErr == nil {
		handleErr = func(err error) error { return err }
	}
	return &NormalizedStream{
		body:      body,
		events:    NewSSEDecoder(body),
		decoder:   decoder,
		handleErr: handleErr,
	}
}

// Recv returns the next chunk in vendor order
func (s *NormalizedStream) Recv() (StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return StreamChunk{}, io.EOF
		}
		if s.err != nil {
			return StreamChunk{}, s.err
		}
		if s.closed.Load() {
			return StreamChunk{}, s.handleErr(ErrStreamClosed)
		}
		s.advance()
	}
}

func (s *NormalizedStream) advance() {
	ev, err := s.events.Next()
	if err != nil {
		if s.closed.Load() {
			s.fail(ErrStreamClosed)
			return
		}
		if errors.Is(err, io.EOF) {
			if ferr := s.decoder.Finish(); ferr != nil {
				s.fail(ferr)
				return
			}
			s.terminate()
			return
		}
		s.fail(err)
		return
	}

	frags, terminal, err := s.decoder.Decode(ev)
	if err != nil {
		s.fail(err)
		return
	}
	for _, f := range frags {
		if f.FinishReason != "" {
			s.finish = f.FinishReason
		}
		if f.Usage != nil {
			u := *f.Usage
			s.usage = &u
		}
		if s.id == "" {
			s.id = f.ID
		}
		if s.model == "" {
			s.model = f.Model
		}
		if f.Delta != "" || f.Reasoning != "" {
			s.pending = append(s.pending, StreamChunk{Delta: f.Delta, Reasoning: f.Reasoning})
		}
	}
	if terminal {
		s.terminate()
	}
}

func (s *NormalizedStream) terminate() {
	finish := s.finish
	if finish == "" {
		finish = FinishStop
	}
	s.pending = append(s.pending, StreamChunk{Done: true, FinishReason: finish, Usage: s.usage, ID: s.id, Model: s.model})
	s.done = true
	s.release()
}

func (s *NormalizedStream) fail(err error) {
	s.err = s.handleErr(err)
	s.release()
}

func (s *NormalizedStream) release() {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.body.Close()
	})
}

// Close releases the connection. Safe to call more than once and from another goroutine.
func (s *NormalizedStream) Close() error {
	s.closed.Store(true)
	s.release()
	return s.releaseErr
}

// Accumulator folds stream chunks into a single response
type Accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	finish    FinishReason
	usage     Usage
	id        string
	model     string
	done      bool
}

// Add records one chunk
func (a *Accumulator) Add(c StreamChunk) {
	a.content.WriteString(c.Delta)
	a.reasoning.WriteString(c.Reasoning)
	if c.ID != "" {
		a.id = c.ID
	}
	if c.Model != "" {
		a.model = c.Model
	}
	if c.Done {
		a.done = true
		a.finish = c.FinishReason
		if c.Usage != nil {
			a.usage = *c.Usage
		}
	}
}

// Done reports whether the terminal chunk was seen
func (a *Accumulator) Done() bool {
	return a.done
}

// Response builds the accumulated response. A model reported by the vendor takes
// precedence over model.
func (a *Accumulator) Response(provider, model string) *CompletionResponse {
	if a.model != "" {
		model = a.model
	}
	return &CompletionResponse{
		ID:           a.id,
		Provider:     provider,
		Model:        model,
		Content:      a.content.String(),
		Reasoning:    a.reasoning.String(),
		FinishReason: a.finish,
		Usage:        a.usage,
		Created:      time.Now().UTC(),
	}
}

// Collect drains s into one response and closes it
func Collect(s Stream, provider, model string) (*CompletionResponse, error) {
	defer s.Close()

	var acc Accumulator
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		acc.Add(c)
	}
	return acc.Response(provider, model), nil
}
