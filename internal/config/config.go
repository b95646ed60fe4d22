package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/phenorank/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Tools        ToolsConfig        `yaml:"tools" mapstructure:"tools"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
	VariantStore VariantStoreConfig `yaml:"variant_store" mapstructure:"variant_store"`
	Ranking      RankingConfig      `yaml:"ranking" mapstructure:"ranking"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the case ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LLMConfig configures the text-cleaning and term-filtering service.
type LLMConfig struct {
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	Model             string  `yaml:"model" mapstructure:"model" validate:"required"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens" validate:"min=1"`
	CleanTemperature  float64 `yaml:"clean_temperature" mapstructure:"clean_temperature" validate:"min=0,max=1"`
	FilterTemperature float64 `yaml:"filter_temperature" mapstructure:"filter_temperature" validate:"min=0,max=1"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gt=0"`
	CacheSize         int     `yaml:"cache_size" mapstructure:"cache_size" validate:"min=0"`
	ChunkTokens       int     `yaml:"chunk_tokens" mapstructure:"chunk_tokens" validate:"min=64"`
}

// ToolsConfig configures how the containerized tools are launched.
type ToolsConfig struct {
	Runtime   string     `yaml:"runtime" mapstructure:"runtime" validate:"oneof=docker local"`
	DockerBin string     `yaml:"docker_bin" mapstructure:"docker_bin"`
	Extractor ToolConfig `yaml:"extractor" mapstructure:"extractor"`
	Scorer    ToolConfig `yaml:"scorer" mapstructure:"scorer"`
}

// ToolConfig describes one external tool. Args may reference {workdir},
// {case} and {terms}.
type ToolConfig struct {
	Image   string   `yaml:"image" mapstructure:"image"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	Script  string   `yaml:"script" mapstructure:"script"`
	Output  string   `yaml:"output" mapstructure:"output"`
}

// PipelineConfig configures the per-case stage sequencer.
type PipelineConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int           `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"min=0"`
	MaxBackoffMs     int           `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"min=0"`
	StageTimeoutSecs StageTimeouts `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	WhitelistPath    string        `yaml:"whitelist_path" mapstructure:"whitelist_path"`
}

// StageTimeouts bounds each stage attempt, in seconds.
type StageTimeouts struct {
	Cleaning   int `yaml:"cleaning" mapstructure:"cleaning" validate:"min=1"`
	Extracting int `yaml:"extracting" mapstructure:"extracting" validate:"min=1"`
	Filtering  int `yaml:"filtering" mapstructure:"filtering" validate:"min=1"`
	Scoring    int `yaml:"scoring" mapstructure:"scoring" validate:"min=1"`
	Ranking    int `yaml:"ranking" mapstructure:"ranking" validate:"min=1"`
}

// For returns the attempt timeout of a stage, or zero for stages that do no
// work.
func (t StageTimeouts) For(stage model.Stage) time.Duration {
	var secs int
	switch stage {
	case model.StageCleaning:
		secs = t.Cleaning
	case model.StageExtracting:
		secs = t.Extracting
	case model.StageFiltering:
		secs = t.Filtering
	case model.StageScoring:
		secs = t.Scoring
	case model.StageRanked:
		secs = t.Ranking
	}
	return time.Duration(secs) * time.Second
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxWorkers int    `yaml:"max_workers" mapstructure:"max_workers" validate:"min=1"`
	NoteGlob   string `yaml:"note_glob" mapstructure:"note_glob" validate:"required"`
}

// VariantStoreConfig names the columns the ranking engine touches.
type VariantStoreConfig struct {
	Table       string `yaml:"table" mapstructure:"table" validate:"required"`
	IDColumn    string `yaml:"id_column" mapstructure:"id_column" validate:"required"`
	GeneColumn  string `yaml:"gene_column" mapstructure:"gene_column" validate:"required"`
	TierColumn  string `yaml:"tier_column" mapstructure:"tier_column" validate:"required"`
	OrderColumn string `yaml:"order_column" mapstructure:"order_column" validate:"required"`
	CaseColumn  string `yaml:"case_column" mapstructure:"case_column"`
}

// RankingConfig configures the final tie-break of the merge ordering.
type RankingConfig struct {
	TieBreakColumn string `yaml:"tie_break_column" mapstructure:"tie_break_column"`
	TieBreakDesc   bool   `yaml:"tie_break_desc" mapstructure:"tie_break_desc"`
}

// CircuitConfig configures the per-collaborator circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"min=1"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"min=1"`
}

// LogConfig configures logging. File, when set, receives a copy of every
// log line.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
	File   string `yaml:"file" mapstructure:"file"`
}

// extractorScript stages the PubTator input inside the PhenoTagger image and
// copies the tagged document back to the mounted work dir.
const extractorScript = "cd /PhenoTagger/src && rm -rf ../example/input && mkdir -p ../example/input && " +
	"cp {workdir}/input.PubTator ../example/input/ && " +
	"python PhenoTagger_tagging.py -i ../example/input/ -o {workdir}/output/"

// Load reads configuration from .env, an optional config file and the
// environment. An empty path searches for phenorank.yaml in the working
// directory.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("phenorank")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PHENORANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "PHENORANK_LLM_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind api key")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "phenorank.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("batch.max_workers", 4)
	v.SetDefault("batch.note_glob", "*.txt")
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.initial_backoff_ms", 500)
	v.SetDefault("pipeline.max_backoff_ms", 30000)
	v.SetDefault("pipeline.stage_timeout_secs.cleaning", 300)
	v.SetDefault("pipeline.stage_timeout_secs.extracting", 3600)
	v.SetDefault("pipeline.stage_timeout_secs.filtering", 300)
	v.SetDefault("pipeline.stage_timeout_secs.scoring", 3600)
	v.SetDefault("pipeline.stage_timeout_secs.ranking", 600)
	v.SetDefault("pipeline.whitelist_path", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.clean_temperature", 0.1)
	v.SetDefault("llm.filter_temperature", 0.0)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.cache_size", 256)
	v.SetDefault("llm.chunk_tokens", 8192)
	v.SetDefault("tools.runtime", "docker")
	v.SetDefault("tools.docker_bin", "docker")
	v.SetDefault("tools.extractor.image", "albertea/phenotagger:1.2")
	v.SetDefault("tools.extractor.command", "bash")
	v.SetDefault("tools.extractor.args", []string{"-c", extractorScript})
	v.SetDefault("tools.scorer.image", "aschluterclinprior/clinprior2:latest")
	v.SetDefault("tools.scorer.command", "Rscript")
	v.SetDefault("tools.scorer.args", []string{"{workdir}/clinprior_script.r", "{terms}", "{case}"})
	v.SetDefault("tools.scorer.script", "clinprior_script.r")
	v.SetDefault("tools.scorer.output", "{case}_clinprior.csv")
	v.SetDefault("variant_store.table", "variant")
	v.SetDefault("variant_store.id_column", "base__uid")
	v.SetDefault("variant_store.gene_column", "base__hugo")
	v.SetDefault("variant_store.tier_column", "intervar_new__ACMG")
	v.SetDefault("variant_store.order_column", "base__uid")
	v.SetDefault("variant_store.case_column", "")
	v.SetDefault("ranking.tie_break_column", "")
	v.SetDefault("ranking.tie_break_desc", false)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(err, "config: invalid")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for postgres")
	}
	return nil
}

// RequireLLM checks that the language-model credential is present.
func (c *Config) RequireLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return eris.New("config: llm.api_key is not set (PHENORANK_LLM_API_KEY, ANTHROPIC_API_KEY or .env)")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	if cfg.File != "" {
		zapCfg.OutputPaths = append(zapCfg.OutputPaths, cfg.File)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
