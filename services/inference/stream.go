package inference

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/upb/llm-gateway/services/providers"
)

// Stream is a providers.Stream that records its outcome when it ends
type Stream struct {
	RequestID string
	Provider  string
	Cached    bool

	src    providers.Stream
	acc    providers.Accumulator
	finish func(acc *providers.Accumulator, err error)
	once   sync.Once
}

var _ providers.Stream = (*Stream)(nil)

// Recv implements providers.Stream
func (s *Stream) Recv() (providers.StreamChunk, error) {
	c, err := s.src.Recv()
	switch {
	case err == nil:
		s.acc.Add(c)
		if c.Done {
			s.done(nil)
		}
	case errors.Is(err, io.EOF):
		if !s.acc.Done() {
			s.done(providers.ErrStreamTruncated)
		}
	case !errors.Is(err, providers.ErrStreamClosed):
		s.done(err)
	}
	return c, err
}

// Close implements providers.Stream. Closing before the terminal chunk records
// the request as failed.
func (s *Stream) Close() error {
	err := s.src.Close()
	s.done(fmt.Errorf("%w before completion", providers.ErrStreamClosed))
	return err
}

func (s *Stream) done(err error) {
	s.once.Do(func() {
		if s.finish != nil {
			s.finish(&s.acc, err)
		}
	})
}

// replayStream yields a cached response as one content chunk and one terminal chunk
type replayStream struct {
	mu     sync.Mutex
	chunks []providers.StreamChunk
	closed bool
}

func newReplayStream(resp *providers.CompletionResponse) *replayStream {
	usage := resp.Usage
	return &replayStream{chunks: []providers.StreamChunk{
		{Delta: resp.Content, Reasoning: resp.Reasoning},
		{Done: true, FinishReason: resp.FinishReason, Usage: &usage, ID: resp.ID, Model: resp.Model},
	}}
}

func (r *replayStream) Recv() (providers.StreamChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return providers.StreamChunk{}, providers.ErrStreamClosed
	}
	if len(r.chunks) == 0 {
		return providers.StreamChunk{}, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *replayStream) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
