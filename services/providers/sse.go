package providers

import (
	"bufio"
	"bytes"
	"io"
)

// SSEEvent is one server-sent event
type SSEEvent struct {
	// Name is the value of the "event:" field; empty for unnamed events
	Name string

	// Data is the concatenation of the event's "data:" lines
	Data []byte
}

// SSEDecoder reads server-sent events from a response body
type SSEDecoder struct {
	r *bufio.Reader
}

// NewSSEDecoder creates a decoder over r
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. Multiple "data:" lines are joined with "\n",
// comment lines are skipped, and io.EOF is returned once the body is exhausted.
func (d *SSEDecoder) Next() (SSEEvent, error) {
	var (
		name      string
		dataLines [][]byte
	)
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				name, dataLines = appendField(name, dataLines, line)
			}
			if len(dataLines) > 0 {
				return SSEEvent{Name: name, Data: bytes.Join(dataLines, []byte("\n"))}, nil
			}
			return SSEEvent{}, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) == 0 {
				name = ""
				continue
			}
			return SSEEvent{Name: name, Data: bytes.Join(dataLines, []byte("\n"))}, nil
		}
		if line[0] == ':' {
			continue
		}
		name, dataLines = appendField(name, dataLines, line)
	}
}

func appendField(name string, dst [][]byte, line []byte) (string, [][]byte) {
	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		return string(bytes.TrimSpace(line[len("event:"):])), dst
	case bytes.HasPrefix(line, []byte("data:")):
		val := line[len("data:"):]
		if len(val) > 0 && val[0] == ' ' {
			val = val[1:]
		}
		return name, append(dst, append([]byte(nil), val...))
	}
	return name, dst
}
