package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/model"
)

// chdirTemp moves the test into an empty directory so no phenorank.yaml or
// .env is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("PHENORANK_LLM_API_KEY", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "phenorank.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Batch.MaxWorkers)
	assert.Equal(t, "*.txt", cfg.Batch.NoteGlob)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 500, cfg.Pipeline.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Pipeline.MaxBackoffMs)
	assert.Equal(t, 300, cfg.Pipeline.StageTimeoutSecs.Cleaning)
	assert.Equal(t, 3600, cfg.Pipeline.StageTimeoutSecs.Extracting)
	assert.Equal(t, 600, cfg.Pipeline.StageTimeoutSecs.Ranking)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.LLM.Model)
	assert.Equal(t, int64(8192), cfg.LLM.MaxTokens)
	assert.InDelta(t, 2.0, cfg.LLM.RequestsPerSecond, 0.001)
	assert.Equal(t, 256, cfg.LLM.CacheSize)
	assert.Equal(t, "docker", cfg.Tools.Runtime)
	assert.Equal(t, "albertea/phenotagger:1.2", cfg.Tools.Extractor.Image)
	assert.Equal(t, "aschluterclinprior/clinprior2:latest", cfg.Tools.Scorer.Image)
	assert.Equal(t, []string{"{workdir}/clinprior_script.r", "{terms}", "{case}"}, cfg.Tools.Scorer.Args)
	assert.Equal(t, "variant", cfg.VariantStore.Table)
	assert.Equal(t, "base__uid", cfg.VariantStore.IDColumn)
	assert.Equal(t, "base__hugo", cfg.VariantStore.GeneColumn)
	assert.Equal(t, "intervar_new__ACMG", cfg.VariantStore.TierColumn)
	assert.Equal(t, "base__uid", cfg.VariantStore.OrderColumn)
	assert.Empty(t, cfg.Ranking.TieBreakColumn)
	assert.False(t, cfg.Ranking.TieBreakDesc)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Empty(t, cfg.LLM.APIKey)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
batch:
  max_workers: 8
log:
  level: debug
  format: console
variant_store:
  case_column: sample
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phenorank.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Batch.MaxWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "sample", cfg.VariantStore.CaseColumn)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
}

func TestLoadExplicitJSONFile(t *testing.T) {
	dir := chdirTemp(t)

	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"api_key": "sk-from-file"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", cfg.LLM.APIKey)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "phenorank.yaml"), []byte("batch:\n  max_workers: 2\n"), 0o644))
	t.Setenv("PHENORANK_BATCH_MAX_WORKERS", "6")
	t.Setenv("PHENORANK_PIPELINE_MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Batch.MaxWorkers)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
}

func TestLoadAPIKeyFallbackEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-fallback")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-fallback", cfg.LLM.APIKey)
	assert.NoError(t, cfg.RequireLLM())
}

func TestLoadAPIKeyFromDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.Unsetenv("PHENORANK_LLM_API_KEY"))
	t.Cleanup(func() { os.Unsetenv("PHENORANK_LLM_API_KEY") }) //nolint:errcheck
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PHENORANK_LLM_API_KEY=sk-dotenv\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-dotenv", cfg.LLM.APIKey)
}

func TestRequireLLM_Missing(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireLLM()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")
}

func TestValidate_Rejects(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Batch.MaxWorkers = 0 }},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }},
		{"bad runtime", func(c *Config) { c.Tools.Runtime = "k8s" }},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DatabaseURL = "" }},
		{"missing order column", func(c *Config) { c.VariantStore.OrderColumn = "" }},
		{"zero stage timeout", func(c *Config) { c.Pipeline.StageTimeoutSecs.Scoring = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStageTimeouts_For(t *testing.T) {
	st := StageTimeouts{Cleaning: 1, Extracting: 2, Filtering: 3, Scoring: 4, Ranking: 5}
	assert.Equal(t, time.Second, st.For(model.StageCleaning))
	assert.Equal(t, 4*time.Second, st.For(model.StageScoring))
	assert.Equal(t, 5*time.Second, st.For(model.StageRanked))
	assert.Equal(t, time.Duration(0), st.For(model.StageQueued))
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.log")
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: path}))
	zap.L().Info("hello file")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
