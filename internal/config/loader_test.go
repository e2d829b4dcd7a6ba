package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// testSecretProvider is a configurable mock for testing SSM resolution.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

// setFullTestEnv sets all required environment variables for a valid Config.
// It uses t.Setenv so values are automatically cleaned up after the test.
func setFullTestEnv(t *testing.T) {
	t.Helper()

	t.Setenv("APP_ENV", "local")
	t.Setenv("SERVICE_NAME", "peerflow-test")
	t.Setenv("LOG_LEVEL", "debug")

	t.Setenv("BUCKET_NAME_UPLOAD", "test-upload-bucket")
	t.Setenv("BUCKET_NAME_INCOMING", "test-incoming-bucket")
	t.Setenv("BUCKET_NAME_CATEGORIZED", "test-categorized-bucket")

	t.Setenv("APP_CONFIG_PEERS_URL", "http://localhost:2772/applications/peerflow/configurations/peers")
}

func TestLoadConfigLocalSuccess(t *testing.T) {
	setFullTestEnv(t)

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "local")
	}
	if cfg.Service != "peerflow-test" {
		t.Errorf("Service = %q, want %q", cfg.Service, "peerflow-test")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	if cfg.Buckets.Upload != "test-upload-bucket" {
		t.Errorf("Buckets.Upload = %q, want %q", cfg.Buckets.Upload, "test-upload-bucket")
	}
	if cfg.Buckets.Incoming != "test-incoming-bucket" {
		t.Errorf("Buckets.Incoming = %q, want %q", cfg.Buckets.Incoming, "test-incoming-bucket")
	}

	// Verify defaults.
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("AWS.Region = %q, want default %q", cfg.AWS.Region, "us-east-1")
	}
	if !cfg.AWS.MetricsEnabled {
		t.Error("AWS.MetricsEnabled should default to true")
	}
	if cfg.Peers.FetchTimeout != 10*time.Second {
		t.Errorf("Peers.FetchTimeout = %v, want 10s", cfg.Peers.FetchTimeout)
	}
	if cfg.Admin.Port != "8080" {
		t.Errorf("Admin.Port = %q, want default %q", cfg.Admin.Port, "8080")
	}
	if cfg.Wise.UseSandbox {
		t.Error("Wise.UseSandbox should default to false")
	}

	// Build info populated from linker defaults.
	if cfg.Build.Version != "dev" {
		t.Errorf("Build.Version = %q, want %q", cfg.Build.Version, "dev")
	}
}

func TestLoadConfigSetsUTC(t *testing.T) {
	setFullTestEnv(t)

	originalLocal := time.Local
	t.Cleanup(func() {
		time.Local = originalLocal
	})
	nyc, _ := time.LoadLocation("America/New_York")
	time.Local = nyc

	_, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if time.Local != time.UTC {
		t.Errorf("time.Local = %v, want UTC", time.Local)
	}
}

func TestLoadConfigValidationFailure(t *testing.T) {
	// Set only APP_ENV, leaving required bucket and peers fields empty.
	t.Setenv("APP_ENV", "local")
	t.Setenv("BUCKET_NAME_UPLOAD", "")
	t.Setenv("BUCKET_NAME_INCOMING", "")
	t.Setenv("BUCKET_NAME_CATEGORIZED", "")
	t.Setenv("APP_CONFIG_PEERS_URL", "")

	_, err := LoadConfig(nil)
	if err == nil {
		t.Fatal("expected error for missing required fields, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrParsing && cfgErr.Type != ErrValidation {
		t.Errorf("expected ErrParsing or ErrValidation, got %q", cfgErr.Type)
	}
}

func TestLoadConfigInvalidEnvironment(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_ENV", "invalid-env")

	_, err := LoadConfig(nil)
	if err == nil {
		t.Fatal("expected error for invalid APP_ENV, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrValidation {
		t.Errorf("expected ErrValidation, got %q", cfgErr.Type)
	}
}

func TestLoadConfigInvalidPeersURL(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_CONFIG_PEERS_URL", "not-a-valid-url")

	_, err := LoadConfig(nil)
	if err == nil {
		t.Fatal("expected error for invalid peers URL, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrValidation {
		t.Errorf("expected ErrValidation, got %q", cfgErr.Type)
	}
}

func TestLoadConfigSSMSkippedForLocal(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("SOME_SECRET_SSM_PARAM", "/local/some/path")

	provider := &testSecretProvider{
		values: map[string]string{
			"/local/some/path": "should-not-be-used",
		},
	}

	cfg, err := LoadConfig(provider)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if provider.callCount != 0 {
		t.Errorf("provider.callCount = %d, want 0 (should not be called in local mode)", provider.callCount)
	}
	if cfg.Environment != "local" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "local")
	}
}

func TestLoadConfigSSMProviderError(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("ADMIN_API_KEY_SSM_PARAM", "/dev/peerflow/admin/api-key")

	provider := &testSecretProvider{
		err: fmt.Errorf("SSM throttled"),
	}

	_, err := LoadConfig(provider)
	if err == nil {
		t.Fatal("expected error when provider fails, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrSSMResolution {
		t.Errorf("expected ErrSSMResolution, got %q", cfgErr.Type)
	}
}

func TestLoadConfigSSMNilProviderNonLocal(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("ADMIN_API_KEY_SSM_PARAM", "/dev/peerflow/admin/api-key")

	_, err := LoadConfig(nil)
	if err == nil {
		t.Fatal("expected error for nil provider in non-local mode, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrSSMResolution {
		t.Errorf("expected ErrSSMResolution, got %q", cfgErr.Type)
	}
}

func TestLoadConfigSSMMissingParameter(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("ADMIN_API_KEY_SSM_PARAM", "/dev/peerflow/admin/api-key")

	provider := &testSecretProvider{
		values: map[string]string{},
	}

	_, err := LoadConfig(provider)
	if err == nil {
		t.Fatal("expected error for missing SSM parameter, got nil")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != ErrSSMResolution {
		t.Errorf("expected ErrSSMResolution, got %q", cfgErr.Type)
	}
	if !strings.Contains(cfgErr.Message, "ADMIN_API_KEY") {
		t.Errorf("error message should mention ADMIN_API_KEY, got: %s", cfgErr.Message)
	}
}

// TestResolveSSMParamsInternalLogic tests the SSM resolution logic with
// injectable dependencies to avoid global state mutation.
func TestResolveSSMParamsInternalLogic(t *testing.T) {
	envMap := map[string]string{
		"APP_ENV":                   "staging",
		"ADMIN_API_KEY_SSM_PARAM":   "/staging/peerflow/admin/api-key",
		"QUEUE_TOKEN_SSM_PARAM":     "/staging/peerflow/queue/token",
		"BUCKET_NAME_UPLOAD":        "already-set-directly",
		"BUCKET_NAME_UPLOAD_SSM_PARAM": "/staging/peerflow/buckets/upload",
	}

	deps := loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			v, ok := envMap[key]
			return v, ok
		},
		setEnv: func(key, value string) error {
			envMap[key] = value
			return nil
		},
		environ: func() []string {
			result := make([]string, 0, len(envMap))
			for k, v := range envMap {
				result = append(result, k+"="+v)
			}
			return result
		},
	}

	provider := &testSecretProvider{
		values: map[string]string{
			"/staging/peerflow/admin/api-key":  "resolved-admin-key",
			"/staging/peerflow/queue/token":    "resolved-queue-token",
			"/staging/peerflow/buckets/upload": "should-not-be-used",
		},
	}

	err := resolveSSMParams(provider, deps)
	if err != nil {
		t.Fatalf("resolveSSMParams returned error: %v", err)
	}

	if v := envMap["ADMIN_API_KEY"]; v != "resolved-admin-key" {
		t.Errorf("ADMIN_API_KEY = %q, want %q", v, "resolved-admin-key")
	}
	if v := envMap["QUEUE_TOKEN"]; v != "resolved-queue-token" {
		t.Errorf("QUEUE_TOKEN = %q, want %q", v, "resolved-queue-token")
	}

	// BUCKET_NAME_UPLOAD remains unchanged since the direct env var wins.
	if v := envMap["BUCKET_NAME_UPLOAD"]; v != "already-set-directly" {
		t.Errorf("BUCKET_NAME_UPLOAD = %q, want %q (direct env should win)", v, "already-set-directly")
	}

	if provider.callCount != 1 {
		t.Errorf("provider.callCount = %d, want 1", provider.callCount)
	}
	if len(provider.calledWith) != 2 {
		t.Errorf("provider was called with %d keys, want 2", len(provider.calledWith))
	}
}

func TestResolveSSMParamsEmptySSMPath(t *testing.T) {
	envMap := map[string]string{
		"APP_ENV":                "dev",
		"EMPTY_SECRET_SSM_PARAM": "",
	}

	deps := loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			v, ok := envMap[key]
			return v, ok
		},
		setEnv: func(key, value string) error {
			envMap[key] = value
			return nil
		},
		environ: func() []string {
			result := make([]string, 0, len(envMap))
			for k, v := range envMap {
				result = append(result, k+"="+v)
			}
			return result
		},
	}

	provider := &testSecretProvider{values: map[string]string{}}

	err := resolveSSMParams(provider, deps)
	if err != nil {
		t.Fatalf("resolveSSMParams returned error: %v", err)
	}
	if provider.callCount != 0 {
		t.Errorf("provider.callCount = %d, want 0", provider.callCount)
	}
}

func TestConfigErrorError(t *testing.T) {
	tests := []struct {
		name    string
		err     *ConfigError
		wantStr string
	}{
		{
			name: "with underlying error",
			err: &ConfigError{
				Type:    ErrSSMResolution,
				Message: "failed to fetch",
				Err:     fmt.Errorf("connection timeout"),
			},
			wantStr: "[SSM_FAILURE] failed to fetch: connection timeout",
		},
		{
			name: "without underlying error",
			err: &ConfigError{
				Type:    ErrMissingEnv,
				Message: "BUCKET_NAME_UPLOAD not set",
			},
			wantStr: "[MISSING_ENV] BUCKET_NAME_UPLOAD not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantStr {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantStr)
			}
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	underlying := fmt.Errorf("root cause")
	cfgErr := &ConfigError{
		Type:    ErrSSMResolution,
		Message: "test",
		Err:     underlying,
	}

	if unwrapped := cfgErr.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
	if !errors.Is(cfgErr, underlying) {
		t.Error("errors.Is should find the underlying error through Unwrap")
	}
}

func TestLoadConfigAdminKeyRedacted(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("ADMIN_API_KEY", "super-secret-admin-key")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Admin.APIKey.Unmask() != "super-secret-admin-key" {
		t.Errorf("Admin.APIKey.Unmask() = %q, want raw value", cfg.Admin.APIKey.Unmask())
	}
	if cfg.Admin.APIKey.String() == "super-secret-admin-key" {
		t.Error("Admin.APIKey.String() should be redacted")
	}
}

func TestLoadConfigAllEnvironments(t *testing.T) {
	validEnvs := []string{"local", "dev", "staging", "prod"}
	for _, env := range validEnvs {
		t.Run("APP_ENV="+env, func(t *testing.T) {
			setFullTestEnv(t)
			t.Setenv("APP_ENV", env)

			cfg, err := LoadConfig(nil)
			if err != nil {
				t.Fatalf("LoadConfig(APP_ENV=%s) returned error: %v", env, err)
			}
			if cfg.Environment != env {
				t.Errorf("Environment = %q, want %q", cfg.Environment, env)
			}
		})
	}
}

func TestLoadConfigLocalStackEndpoint(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("AWS_ENDPOINT_URL", "http://localhost:4566")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.AWS.EndpointURL != "http://localhost:4566" {
		t.Errorf("AWS.EndpointURL = %q, want %q", cfg.AWS.EndpointURL, "http://localhost:4566")
	}
}
