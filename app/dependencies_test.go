package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/providers"
)

// vendorServer answers the OpenAI-compatible models endpoint, or 401 when reject is set
func vendorServer(t *testing.T, reject bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"deepseek-chat"},{"id":"deepseek-reasoner"}]}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func baseConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{Port: 8080},
		Dispatch: config.DispatchConfig{
			MaxRetries:       1,
			BaseDelay:        time.Millisecond,
			MaxDelay:         time.Millisecond,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Second,
			AttemptTimeout:   5 * time.Second,
		},
		Health:        config.HealthConfig{Interval: time.Hour, Timeout: time.Second, UnhealthyThreshold: 3},
		Cache:         config.CacheConfig{Backend: "memory", TTL: time.Minute, MaxEntries: 10},
		Observability: config.ObservabilityConfig{LogLevel: "info"},
		Providers:     map[string]config.ProviderConfig{},
	}
}

func TestNewDependencies_Defaults(t *testing.T) {
	deps, err := NewDependencies(context.Background(), baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(context.Background())

	assert.Nil(t, deps.DB)
	assert.IsType(t, repositories.NopCompletionLogRepository{}, deps.CompletionLogs)
	assert.IsType(t, &cache.MemoryCache{}, deps.Cache)
	assert.False(t, deps.AuthMiddleware.Enabled())
	assert.Empty(t, deps.Gateway.Providers())
	assert.NotNil(t, deps.Inference)
	assert.NotNil(t, deps.Recorder)

	count, err := testutil.GatherAndCount(deps.Metrics, "llm_gateway_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewDependencies_Providers(t *testing.T) {
	cfg := baseConfig()
	cfg.Providers = map[string]config.ProviderConfig{
		"deepseek":   {APIKey: "sk-ok", BaseURL: vendorServer(t, false).URL},
		"openai":     {APIKey: "sk-bad", BaseURL: vendorServer(t, true).URL},
		"anthropic":  {},
		"openai-alt": {Type: "deepseek", APIKey: "sk-ok", BaseURL: vendorServer(t, false).URL, Models: []string{"custom"}},
	}

	deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(context.Background())

	// openai fails its credential probe and anthropic has no key
	assert.Equal(t, []string{"deepseek", "openai-alt"}, deps.Gateway.Providers())

	models, err := deps.Gateway.ListModels(context.Background(), "openai-alt")
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, models)
}

func TestNewDependencies_CacheBackends(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Cache.Backend = "none"
		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(context.Background())

		assert.Equal(t, cache.Nop{}, deps.Cache)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig()
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisURL = "redis://" + mr.Addr()

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(context.Background())

		assert.IsType(t, &cache.RedisCache{}, deps.Cache)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisURL = "redis://127.0.0.1:1"

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestNewDependencies_Auth(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, JWTSecret: "secret"}

	deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(context.Background())

	assert.True(t, deps.AuthMiddleware.Enabled())
}

func TestDependencies_ReloadProviders(t *testing.T) {
	deps, err := NewDependencies(context.Background(), baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(context.Background())

	deps.Start(context.Background())
	require.NoError(t, deps.Cache.Put(context.Background(), "fp", &providers.CompletionResponse{Content: "4"}))

	next := baseConfig()
	next.Providers = map[string]config.ProviderConfig{
		"deepseek": {APIKey: "sk-ok", BaseURL: vendorServer(t, false).URL},
	}
	next.Gateway.DefaultProvider = "deepseek"

	deps.OnConfigChange(deps.Config, next)
	assert.Equal(t, []string{"deepseek"}, deps.Gateway.Providers())
	assert.Same(t, next, deps.Config)
	_, ok, err := deps.Cache.Get(context.Background(), "fp")
	require.NoError(t, err)
	assert.False(t, ok, "reload drops cached responses")

	statuses := deps.CheckProviders(context.Background())
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Healthy)

	// an unrelated change keeps the registry
	registry := deps.Gateway.Registry()
	unrelated := *next
	unrelated.Observability.LogLevel = "debug"
	deps.OnConfigChange(next, &unrelated)
	assert.Same(t, registry, deps.Gateway.Registry())
}

func TestDependencies_Close(t *testing.T) {
	deps, err := NewDependencies(context.Background(), baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	deps.Start(context.Background())
	deps.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, deps.Close(ctx))
}

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		cfg      config.ProviderConfig
		wantErr  bool
	}{
		{name: "openai", provider: "openai", cfg: config.ProviderConfig{APIKey: "k"}},
		{name: "deepseek", provider: "deepseek", cfg: config.ProviderConfig{APIKey: "k"}},
		{name: "anthropic", provider: "anthropic", cfg: config.ProviderConfig{APIKey: "k"}},
		{name: "gemini", provider: "gemini", cfg: config.ProviderConfig{APIKey: "k"}},
		{name: "typed alias", provider: "claude-eu", cfg: config.ProviderConfig{Type: "Anthropic", APIKey: "k"}},
		{name: "unknown", provider: "mistral", cfg: config.ProviderConfig{APIKey: "k"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewAdapter(tt.provider, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, adapter.Name())
		})
	}
}

func TestProviderConfig(t *testing.T) {
	pc := config.ProviderConfig{
		APIKey:       "k",
		BaseURL:      "https://proxy.internal/v1",
		DefaultModel: "gpt-4o",
		MaxRetries:   2,
		Timeout:      10 * time.Second,
		Models:       []string{"gpt-4o"},
		Headers:      map[string]string{"OpenAI-Organization": "org-1"},
	}

	got := ProviderConfig("openai", pc)
	assert.Equal(t, providers.ProviderConfig{
		Name:         "openai",
		APIKey:       "k",
		BaseURL:      "https://proxy.internal/v1",
		DefaultModel: "gpt-4o",
		MaxRetries:   2,
		Timeout:      10 * time.Second,
		Headers:      map[string]string{"OpenAI-Organization": "org-1"},
		Models:       []string{"gpt-4o"},
	}, got)

	// the catalog is copied
	got.Models[0] = "changed"
	assert.Equal(t, "gpt-4o", pc.Models[0])
}

func TestGatewayConfig(t *testing.T) {
	gc := GatewayConfig(config.GatewayConfig{
		DefaultProvider: "openai",
		Fallback:        config.FallbackConfig{Enabled: true, Order: []string{"anthropic", "gemini"}},
	})
	assert.Equal(t, "openai", gc.DefaultProvider)
	assert.True(t, gc.Fallback.Enabled)
	assert.Equal(t, []string{"anthropic", "gemini"}, gc.Fallback.Order)
}
