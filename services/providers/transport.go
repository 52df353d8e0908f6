package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 1 << 20

// Transport issues JSON calls against one vendor base URL
type Transport struct {
	BaseURL string
	Client  *http.Client

	// Headers are sent on every request (auth, API version, custom headers)
	Headers map[string]string
}

// NewTransport creates a transport. The client carries no timeout of its own;
// deadlines come from the caller's context.
func NewTransport(baseURL string, headers map[string]string) *Transport {
	return &Transport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
		Headers: headers,
	}
}

// DoJSON sends in as JSON (nil for no body) and decodes a 2xx response into out
func (t *Transport) DoJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := t.send(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// OpenStream sends in as JSON and returns the open event-stream response.
// The caller owns resp.Body.
func (t *Transport) OpenStream(ctx context.Context, method, path string, in any) (*http.Response, error) {
	return t.send(ctx, method, path, in, "text/event-stream")
}

func (t *Transport) send(ctx context.Context, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal request: %v", ErrInvalidRequest, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrInvalidRequest, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, NewVendorError(resp, time.Now())
	}
	return resp, nil
}

// NewVendorError reads a failed response into a VendorError
func NewVendorError(resp *http.Response, now time.Time) *VendorError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	ve := &VendorError{
		StatusCode: resp.StatusCode,
		Body:       raw,
	}
	ve.Message, ve.Type, ve.Code = ParseErrorEnvelope(raw)
	if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
		ve.RetryAfter = d
	}
	return ve
}

type errorEnvelope struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

type errorBody struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Code    json.RawMessage `json:"code"`
}

// ParseErrorEnvelope extracts message, type and code from the common vendor error
// shapes: {"error":{"message","type","code"}}, {"error":{"message","status"}},
// {"error":"text"} and {"message": "..."}.
func ParseErrorEnvelope(raw []byte) (message, typ, code string) {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return strings.TrimSpace(string(raw)), "", ""
	}
	if len(env.Error) == 0 {
		return env.Message, env.Type, ""
	}

	var text string
	if err := json.Unmarshal(env.Error, &text); err == nil {
		return text, env.Type, ""
	}

	var eb errorBody
	if err := json.Unmarshal(env.Error, &eb); err != nil {
		return env.Message, env.Type, ""
	}
	typ = firstNonEmpty(eb.Type, eb.Status)
	code = stringifyCode(eb.Code)
	if code == typ {
		code = ""
	}
	return eb.Message, typ, code
}

func stringifyCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numeric codes repeat the HTTP status and carry no extra signal.
	return ""
}

// ParseRetryAfter parses a Retry-After header value given in seconds or as an HTTP date
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
