package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/providers"
)

// MockCatalog is a mock implementation of ProviderCatalog
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) ListModels(ctx context.Context, provider string) ([]string, error) {
	args := m.Called(ctx, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCatalog) GetHealth(provider string) (providers.HealthStatus, error) {
	args := m.Called(provider)
	return args.Get(0).(providers.HealthStatus), args.Error(1)
}

func (m *MockCatalog) Providers() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockCatalog) HealthAll() []providers.HealthStatus {
	return m.Called().Get(0).([]providers.HealthStatus)
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response["data"]
}

func TestHandleListModels(t *testing.T) {
	t.Run("all providers with inline errors", func(t *testing.T) {
		catalog := new(MockCatalog)
		handler := NewProviderHandler(catalog, zap.NewNop())

		catalog.On("Providers").Return([]string{"anthropic", "openai"})
		catalog.On("ListModels", mock.Anything, "anthropic").Return(nil, errors.New("connection refused"))
		catalog.On("ListModels", mock.Anything, "openai").Return([]string{"gpt-4o", "gpt-4o-mini"}, nil)

		w := httptest.NewRecorder()
		handler.HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w).([]interface{})
		require.Len(t, data, 2)

		first := data[0].(map[string]interface{})
		assert.Equal(t, "anthropic", first["provider"])
		assert.Empty(t, first["models"])
		assert.Equal(t, "connection refused", first["error"])

		second := data[1].(map[string]interface{})
		assert.Equal(t, []interface{}{"gpt-4o", "gpt-4o-mini"}, second["models"])
		assert.NotContains(t, second, "error")
		catalog.AssertExpectations(t)
	})

	t.Run("single provider", func(t *testing.T) {
		catalog := new(MockCatalog)
		handler := NewProviderHandler(catalog, zap.NewNop())
		catalog.On("ListModels", mock.Anything, "deepseek").Return([]string{"deepseek-chat"}, nil)

		w := httptest.NewRecorder()
		handler.HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models?provider=deepseek", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w).([]interface{})
		require.Len(t, data, 1)
		catalog.AssertNotCalled(t, "Providers")
	})

	t.Run("unknown provider", func(t *testing.T) {
		catalog := new(MockCatalog)
		handler := NewProviderHandler(catalog, zap.NewNop())
		catalog.On("ListModels", mock.Anything, "nope").Return(nil, &providers.LLMError{
			Kind: providers.KindInvalidRequest, Message: "provider nope is not registered", Cause: providers.ErrProviderNotFound,
		})

		w := httptest.NewRecorder()
		handler.HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models?provider=nope", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleProviderHealth(t *testing.T) {
	checked := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("registered provider", func(t *testing.T) {
		catalog := new(MockCatalog)
		handler := NewProviderHandler(catalog, zap.NewNop())
		catalog.On("GetHealth", "gemini").Return(providers.HealthStatus{
			Provider: "gemini", Healthy: false, LastCheckedAt: checked, ConsecutiveFailures: 3, LastError: "timeout",
		}, nil)

		req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/providers/gemini/health", nil), "name", "gemini")
		w := httptest.NewRecorder()
		handler.HandleProviderHealth(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w).(map[string]interface{})
		assert.Equal(t, "gemini", data["provider"])
		assert.Equal(t, false, data["healthy"])
		assert.Equal(t, float64(3), data["consecutive_failures"])
	})

	t.Run("unknown provider", func(t *testing.T) {
		catalog := new(MockCatalog)
		handler := NewProviderHandler(catalog, zap.NewNop())
		catalog.On("GetHealth", "nope").Return(providers.HealthStatus{}, providers.ErrProviderNotFound)

		req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/providers/nope/health", nil), "name", "nope")
		w := httptest.NewRecorder()
		handler.HandleProviderHealth(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleListHealth(t *testing.T) {
	catalog := new(MockCatalog)
	handler := NewProviderHandler(catalog, zap.NewNop())
	catalog.On("HealthAll").Return([]providers.HealthStatus{
		{Provider: "anthropic", Healthy: true},
		{Provider: "openai", Healthy: true},
	})

	w := httptest.NewRecorder()
	handler.HandleListHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData(t, w).([]interface{}), 2)
}
