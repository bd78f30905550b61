package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/codemechanic/internal/llm"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := FromEnv(lookupMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "8080", c.HTTP.Port)
	assert.Equal(t, DriverSQLite, c.Storage.Driver)
	assert.Equal(t, 100, c.Executor.MaxOperations)
	assert.False(t, c.Artifacts.Enabled())
	assert.Equal(t, "json", c.Log.Format)
}

func TestFromEnv(t *testing.T) {
	c, err := FromEnv(lookupMap(map[string]string{
		"CODEMECHANIC_API_PORT":         "9090",
		"CODEMECHANIC_DATABASE_URL":     "postgres://u:p@localhost/db",
		"CODEMECHANIC_LLM_PROVIDER":     "openai",
		"CODEMECHANIC_LLM_RPS":          "2.5",
		"CODEMECHANIC_MAX_OPERATIONS":   "10",
		"CODEMECHANIC_BUILD_STEP_DELAY": "10ms",
		"CODEMECHANIC_S3_ENDPOINT":      "localhost:9000",
		"CODEMECHANIC_S3_USE_SSL":       "false",
		"OPENAI_API_KEY":                " sk-test ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", c.HTTP.Port)
	assert.Equal(t, DriverPostgres, c.Storage.Driver)
	assert.Equal(t, 10*time.Millisecond, c.Pipeline.StepDelay)
	assert.True(t, c.Artifacts.Enabled())
	assert.False(t, c.Artifacts.UseSSL)

	fc := c.FactoryConfig()
	assert.Equal(t, "sk-test", fc.OpenAIKey)
	assert.Equal(t, llm.ProviderOpenAI, fc.PreferredProvider)
	assert.Equal(t, 2.5, fc.RequestsPerSecond)
	assert.Equal(t, 10, c.Limits().MaxOperations)
}

func TestFromEnvErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"bad int":         {"CODEMECHANIC_MAX_OPERATIONS": "many"},
		"bad duration":    {"CODEMECHANIC_EXEC_TIMEOUT": "soon"},
		"bad bool":        {"CODEMECHANIC_S3_USE_SSL": "maybe"},
		"unknown driver":  {"CODEMECHANIC_DB_DRIVER": "oracle"},
		"postgres no dsn": {"CODEMECHANIC_DB_DRIVER": "postgres"},
		"zero ops":        {"CODEMECHANIC_MAX_OPERATIONS": "0"},
		"log format":      {"CODEMECHANIC_LOG_FORMAT": "xml"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(lookupMap(vars))
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CODEMECHANIC_DEPLOY_DOMAIN=example.test\n"), 0o600))
	t.Setenv("CODEMECHANIC_DEPLOY_DOMAIN", "")
	require.NoError(t, os.Unsetenv("CODEMECHANIC_DEPLOY_DOMAIN"))

	c, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "example.test", c.Pipeline.DeployDomain)
}

func TestLogMasksSecrets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := Default()
	c.LLM.AnthropicKey = "sk-ant-secret"
	c.Storage.PostgresDSN = "postgres://user:hunter2@db/app"

	Log(c, zap.New(core))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "configured", fields["database_url"])
	assert.Equal(t, "(none)", fields["artifact_secret"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "hunter2")
			assert.NotContains(t, s, "sk-ant-secret")
		}
	}
}
