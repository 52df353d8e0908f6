package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		message string
		typ     string
		code    string
	}{
		{
			name:    "openai",
			raw:     `{"error":{"message":"too long","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			message: "too long",
			typ:     "invalid_request_error",
			code:    "context_length_exceeded",
		},
		{
			name:    "anthropic",
			raw:     `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			message: "Overloaded",
			typ:     "overloaded_error",
		},
		{
			name:    "gemini numeric code",
			raw:     `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
			message: "Quota exceeded",
			typ:     "RESOURCE_EXHAUSTED",
		},
		{
			name:    "string error",
			raw:     `{"error":"bad things"}`,
			message: "bad things",
		},
		{
			name:    "not json",
			raw:     "upstream connect error",
			message: "upstream connect error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, typ, code := ParseErrorEnvelope([]byte(tt.raw))
			assert.Equal(t, tt.message, message)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("3", now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = ParseRetryAfter("0.5", now)
	assert.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)

	d, ok = ParseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	_, ok = ParseRetryAfter("", now)
	assert.False(t, ok)

	_, ok = ParseRetryAfter("soon", now)
	assert.False(t, ok)
}

func TestTransport_DoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/echo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["say"]})
	}))
	defer server.Close()

	tr := NewTransport(server.URL+"/", map[string]string{"X-Key": "secret"})

	var out map[string]string
	err := tr.DoJSON(context.Background(), http.MethodPost, "/v1/echo", map[string]string{"say": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
}

func TestTransport_DoJSON_VendorError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	tr := NewTransport(server.URL, nil)
	err := tr.DoJSON(context.Background(), http.MethodGet, "/models", nil, nil)

	var ve *VendorError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, http.StatusTooManyRequests, ve.StatusCode)
	assert.Equal(t, "slow down", ve.Message)
	assert.Equal(t, "rate_limit_error", ve.Type)
	assert.Equal(t, 2*time.Second, ve.RetryAfter)

	classified := Classify("openai", err)
	assert.Equal(t, KindRateLimit, classified.Kind)
	assert.Equal(t, 2*time.Second, classified.RetryAfter)
}

func TestTransport_DoJSON_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"broken`))
	}))
	defer server.Close()

	tr := NewTransport(server.URL, nil)
	var out map[string]any
	err := tr.DoJSON(context.Background(), http.MethodGet, "/", nil, &out)

	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, KindProviderError, Classify("x", err).Kind)
}
