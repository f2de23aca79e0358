package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration from config file and environment.
// Environment variables win over the file; the file wins over defaults.
type Config struct {
	HTTPPort       string
	SpoolDir       string
	WorkDir        string
	DBPath         string
	QueueSize      int
	WorkerCount    int
	FuseTimeoutSec int
	EnableWatcher  bool
	Debug          bool
	StrictConfig   bool

	Window     WindowConfig
	Escalation EscalationConfig
	Validator  ValidatorConfig
	Directory  DirectoryConfig
	Fusion     FusionConfig
}

// WindowConfig controls aggregation window shape and the fusion scheduler.
type WindowConfig struct {
	PeriodDays      int
	FuseIntervalSec int
	MinMessages     int
}

// EscalationConfig holds the tier-1 thresholds that trigger validation.
type EscalationConfig struct {
	MinConfidence   float64
	SpreadThreshold float64
}

// ValidatorConfig covers the generative validator call.
type ValidatorConfig struct {
	Enabled       bool
	Model         string
	BaseURL       string
	TimeoutSec    int
	ReserveTokens int64
	MaxRetries    int
	PromptVersion string
}

// DirectoryConfig points at the identity collaborator. An empty BaseURL
// selects the static in-process directory.
type DirectoryConfig struct {
	BaseURL           string
	TimeoutSec        int
	DefaultConsent    bool
	DefaultAllocation int64
}

// FusionConfig carries the per-kind base weights. They are renormalized
// over whichever models actually contributed, so they only need to be
// positive and roughly proportional.
type FusionConfig struct {
	LexicalWeight    float64
	SentimentWeight  float64
	BehavioralWeight float64
	ValidatorWeight  float64
}

type fileConfig struct {
	HTTPPort   string               `yaml:"http_port"`
	SpoolDir   string               `yaml:"spool_dir"`
	WorkDir    string               `yaml:"work_dir"`
	DBPath     string               `yaml:"db_path"`
	Window     windowFileConfig     `yaml:"window"`
	Escalation escalationFileConfig `yaml:"escalation"`
	Validator  validatorFileConfig  `yaml:"validator"`
	Directory  directoryFileConfig  `yaml:"directory"`
	Fusion     fusionFileConfig     `yaml:"fusion"`
}

type windowFileConfig struct {
	PeriodDays      *int `yaml:"period_days"`
	FuseIntervalSec *int `yaml:"fuse_interval_sec"`
	MinMessages     *int `yaml:"min_messages"`
}

type escalationFileConfig struct {
	MinConfidence   *float64 `yaml:"min_confidence"`
	SpreadThreshold *float64 `yaml:"spread_threshold"`
}

type validatorFileConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url"`
	TimeoutSec    *int   `yaml:"timeout_sec"`
	ReserveTokens *int64 `yaml:"reserve_tokens"`
	MaxRetries    *int   `yaml:"max_retries"`
	PromptVersion string `yaml:"prompt_version"`
}

type directoryFileConfig struct {
	BaseURL           string `yaml:"base_url"`
	TimeoutSec        *int   `yaml:"timeout_sec"`
	DefaultConsent    *bool  `yaml:"default_consent"`
	DefaultAllocation *int64 `yaml:"default_allocation"`
}

type fusionFileConfig struct {
	LexicalWeight    *float64 `yaml:"lexical_weight"`
	SentimentWeight  *float64 `yaml:"sentiment_weight"`
	BehavioralWeight *float64 `yaml:"behavioral_weight"`
	ValidatorWeight  *float64 `yaml:"validator_weight"`
}

const (
	defaultPort           = ":8600"
	defaultSpoolDir       = "runtime/spool"
	defaultWorkDir        = "runtime/work"
	defaultDBFile         = "trait_engine.db"
	minQueueSize          = 1
	defaultQueueSize      = 100
	maxQueueSize          = 1024
	defaultWorkerCount    = 4
	defaultFuseTimeoutSec = 120
)

func defaultWindowConfig() WindowConfig {
	return WindowConfig{
		PeriodDays:      7,
		FuseIntervalSec: 300,
		MinMessages:     1,
	}
}

func defaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		MinConfidence:   70,
		SpreadThreshold: 25,
	}
}

func defaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Enabled:       true,
		Model:         "gpt-4o-mini",
		BaseURL:       "",
		TimeoutSec:    45,
		ReserveTokens: 2000,
		MaxRetries:    2,
		PromptVersion: "v1",
	}
}

func defaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		BaseURL:           "",
		TimeoutSec:        10,
		DefaultConsent:    true,
		DefaultAllocation: 50000,
	}
}

func defaultFusionConfig() FusionConfig {
	return FusionConfig{
		LexicalWeight:    0.25,
		SentimentWeight:  0.25,
		BehavioralWeight: 0.30,
		ValidatorWeight:  0.20,
	}
}

// Load reads configuration from the optional config file, then applies
// environment overrides. Validation failures are fatal only under
// STRICT_CONFIG; otherwise they log and fall back.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		QueueSize:      defaultQueueSize,
		WorkerCount:    defaultWorkerCount,
		FuseTimeoutSec: defaultFuseTimeoutSec,
		EnableWatcher:  parseBoolEnvDefault("ENABLE_WATCHER", true),
		Debug:          parseBoolEnv("DEBUG"),
		StrictConfig:   parseBoolEnv("STRICT_CONFIG"),
		Window:         defaultWindowConfig(),
		Escalation:     defaultEscalationConfig(),
		Validator:      defaultValidatorConfig(),
		Directory:      defaultDirectoryConfig(),
		Fusion:         defaultFusionConfig(),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.Window = applyWindowOverrides(cfg.Window, fileCfg.Window)
	cfg.Escalation = applyEscalationOverrides(cfg.Escalation, fileCfg.Escalation)
	cfg.Validator = applyValidatorOverrides(cfg.Validator, fileCfg.Validator)
	cfg.Directory = applyDirectoryOverrides(cfg.Directory, fileCfg.Directory)
	cfg.Fusion = applyFusionOverrides(cfg.Fusion, fileCfg.Fusion)

	cfg.SpoolDir = firstNonEmpty(os.Getenv("SPOOL_DIR"), fileCfg.SpoolDir, defaultSpoolDir)
	cfg.WorkDir = firstNonEmpty(os.Getenv("WORK_DIR"), fileCfg.WorkDir, defaultWorkDir)
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	} else if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	} else {
		cfg.DBPath = filepath.Join(cfg.WorkDir, defaultDBFile)
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("invalid WORKER_COUNT=%q, using default %d", v, defaultWorkerCount)
			n = defaultWorkerCount
		}
		cfg.WorkerCount = n
	}

	if v := os.Getenv("JOB_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid JOB_QUEUE_SIZE=%q, using default %d", v, defaultQueueSize)
			n = defaultQueueSize
		}
		if n < minQueueSize {
			log.Printf("JOB_QUEUE_SIZE raised to minimum %d (was %d)", minQueueSize, n)
			n = minQueueSize
		}
		if n > maxQueueSize {
			log.Printf("JOB_QUEUE_SIZE capped at %d (was %d)", maxQueueSize, n)
			n = maxQueueSize
		}
		cfg.QueueSize = n
	}

	if cfg.QueueSize < cfg.WorkerCount {
		log.Printf("JOB_QUEUE_SIZE must be >= WORKER_COUNT; using default %d", defaultQueueSize)
		cfg.QueueSize = max(defaultQueueSize, cfg.WorkerCount)
	}

	if v := os.Getenv("FUSE_TIMEOUT_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid FUSE_TIMEOUT_SEC: %w", err)
		}
		if n <= 0 {
			return cfg, errors.New("FUSE_TIMEOUT_SEC must be positive")
		}
		cfg.FuseTimeoutSec = n
	}

	if err := applyIntEnv(&cfg, "WINDOW_PERIOD_DAYS", func(v int) { cfg.Window.PeriodDays = v }); err != nil {
		return cfg, err
	}
	if err := applyIntEnv(&cfg, "FUSE_INTERVAL_SEC", func(v int) { cfg.Window.FuseIntervalSec = v }); err != nil {
		return cfg, err
	}
	if err := applyIntEnv(&cfg, "WINDOW_MIN_MESSAGES", func(v int) { cfg.Window.MinMessages = v }); err != nil {
		return cfg, err
	}
	if err := applyFloatEnv(&cfg, "ESCALATION_MIN_CONFIDENCE", func(v float64) { cfg.Escalation.MinConfidence = v }); err != nil {
		return cfg, err
	}
	if err := applyFloatEnv(&cfg, "ESCALATION_SPREAD_THRESHOLD", func(v float64) { cfg.Escalation.SpreadThreshold = v }); err != nil {
		return cfg, err
	}

	if v := os.Getenv("VALIDATOR_ENABLED"); strings.TrimSpace(v) != "" {
		cfg.Validator.Enabled = parseBoolEnv("VALIDATOR_ENABLED")
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATOR_MODEL")); v != "" {
		cfg.Validator.Model = v
	}
	cfg.Validator.BaseURL = firstNonEmpty(
		os.Getenv("VALIDATOR_BASE_URL"),
		os.Getenv("OPENAI_BASE_URL"),
		os.Getenv("OPENAI_API_BASE"),
		cfg.Validator.BaseURL,
	)
	if err := applyIntEnv(&cfg, "VALIDATOR_TIMEOUT_SEC", func(v int) { cfg.Validator.TimeoutSec = v }); err != nil {
		return cfg, err
	}
	if err := applyIntEnv(&cfg, "VALIDATOR_RESERVE_TOKENS", func(v int) { cfg.Validator.ReserveTokens = int64(v) }); err != nil {
		return cfg, err
	}
	if err := applyIntEnv(&cfg, "VALIDATOR_MAX_RETRIES", func(v int) { cfg.Validator.MaxRetries = v }); err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATOR_PROMPT_VERSION")); v != "" {
		cfg.Validator.PromptVersion = v
	}

	if v := strings.TrimSpace(os.Getenv("DIRECTORY_BASE_URL")); v != "" {
		cfg.Directory.BaseURL = strings.TrimRight(v, "/")
	}
	if err := applyIntEnv(&cfg, "DIRECTORY_TIMEOUT_SEC", func(v int) { cfg.Directory.TimeoutSec = v }); err != nil {
		return cfg, err
	}
	if v := os.Getenv("DIRECTORY_DEFAULT_CONSENT"); strings.TrimSpace(v) != "" {
		cfg.Directory.DefaultConsent = parseBoolEnv("DIRECTORY_DEFAULT_CONSENT")
	}
	if err := applyIntEnv(&cfg, "DIRECTORY_DEFAULT_ALLOCATION", func(v int) { cfg.Directory.DefaultAllocation = int64(v) }); err != nil {
		return cfg, err
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
	}

	return cfg, nil
}

// applyIntEnv parses a positive integer env override, honoring strict mode.
func applyIntEnv(cfg *Config, key string, set func(int)) error {
	v, ok, err := parseIntEnv(key)
	if err != nil {
		if cfg.StrictConfig {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		log.Printf("invalid %s: %v (using default)", key, err)
		return nil
	}
	if ok && v > 0 {
		set(v)
	}
	return nil
}

func applyFloatEnv(cfg *Config, key string, set func(float64)) error {
	v, ok, err := parseFloatEnv(key)
	if err != nil {
		if cfg.StrictConfig {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		log.Printf("invalid %s: %v (using default)", key, err)
		return nil
	}
	if ok && v > 0 {
		set(v)
	}
	return nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.SpoolDir) == "" {
		return errors.New("SPOOL_DIR is required")
	}
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	if cfg.Window.PeriodDays <= 0 {
		return errors.New("window period days must be positive")
	}
	if cfg.Window.FuseIntervalSec <= 0 {
		return errors.New("fuse interval must be positive")
	}
	if cfg.Window.MinMessages <= 0 {
		return errors.New("window min messages must be positive")
	}
	if cfg.Escalation.MinConfidence < 0 || cfg.Escalation.MinConfidence > 100 {
		return fmt.Errorf("escalation min confidence %.1f out of range", cfg.Escalation.MinConfidence)
	}
	if cfg.Escalation.SpreadThreshold <= 0 || cfg.Escalation.SpreadThreshold > 100 {
		return fmt.Errorf("escalation spread threshold %.1f out of range", cfg.Escalation.SpreadThreshold)
	}
	if cfg.Validator.TimeoutSec <= 0 {
		return errors.New("validator timeout must be positive")
	}
	if cfg.Validator.ReserveTokens <= 0 {
		return errors.New("validator reserve tokens must be positive")
	}
	if cfg.Directory.DefaultAllocation < 0 {
		return errors.New("directory default allocation must be non-negative")
	}
	for _, w := range []float64{cfg.Fusion.LexicalWeight, cfg.Fusion.SentimentWeight, cfg.Fusion.BehavioralWeight, cfg.Fusion.ValidatorWeight} {
		if w <= 0 {
			return errors.New("fusion weights must be positive")
		}
	}
	return nil
}

func applyWindowOverrides(base WindowConfig, override windowFileConfig) WindowConfig {
	if override.PeriodDays != nil && *override.PeriodDays > 0 {
		base.PeriodDays = *override.PeriodDays
	}
	if override.FuseIntervalSec != nil && *override.FuseIntervalSec > 0 {
		base.FuseIntervalSec = *override.FuseIntervalSec
	}
	if override.MinMessages != nil && *override.MinMessages > 0 {
		base.MinMessages = *override.MinMessages
	}
	return base
}

func applyEscalationOverrides(base EscalationConfig, override escalationFileConfig) EscalationConfig {
	if override.MinConfidence != nil && *override.MinConfidence > 0 {
		base.MinConfidence = *override.MinConfidence
	}
	if override.SpreadThreshold != nil && *override.SpreadThreshold > 0 {
		base.SpreadThreshold = *override.SpreadThreshold
	}
	return base
}

func applyValidatorOverrides(base ValidatorConfig, override validatorFileConfig) ValidatorConfig {
	if override.Enabled != nil {
		base.Enabled = *override.Enabled
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = strings.TrimSpace(override.Model)
	}
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = strings.TrimSpace(override.BaseURL)
	}
	if override.TimeoutSec != nil && *override.TimeoutSec > 0 {
		base.TimeoutSec = *override.TimeoutSec
	}
	if override.ReserveTokens != nil && *override.ReserveTokens > 0 {
		base.ReserveTokens = *override.ReserveTokens
	}
	if override.MaxRetries != nil && *override.MaxRetries >= 0 {
		base.MaxRetries = *override.MaxRetries
	}
	if strings.TrimSpace(override.PromptVersion) != "" {
		base.PromptVersion = strings.TrimSpace(override.PromptVersion)
	}
	return base
}

func applyDirectoryOverrides(base DirectoryConfig, override directoryFileConfig) DirectoryConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = strings.TrimRight(strings.TrimSpace(override.BaseURL), "/")
	}
	if override.TimeoutSec != nil && *override.TimeoutSec > 0 {
		base.TimeoutSec = *override.TimeoutSec
	}
	if override.DefaultConsent != nil {
		base.DefaultConsent = *override.DefaultConsent
	}
	if override.DefaultAllocation != nil && *override.DefaultAllocation >= 0 {
		base.DefaultAllocation = *override.DefaultAllocation
	}
	return base
}

func applyFusionOverrides(base FusionConfig, override fusionFileConfig) FusionConfig {
	if override.LexicalWeight != nil && *override.LexicalWeight > 0 {
		base.LexicalWeight = *override.LexicalWeight
	}
	if override.SentimentWeight != nil && *override.SentimentWeight > 0 {
		base.SentimentWeight = *override.SentimentWeight
	}
	if override.BehavioralWeight != nil && *override.BehavioralWeight > 0 {
		base.BehavioralWeight = *override.BehavioralWeight
	}
	if override.ValidatorWeight != nil && *override.ValidatorWeight > 0 {
		base.ValidatorWeight = *override.ValidatorWeight
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return false
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func parseFloatEnv(key string) (float64, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	return val, true, err
}

// Now returns UTC time truncated to seconds for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
