package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/commrelay/commrelay/internal/models"
)

const (
	DefaultConfigPath = "config/config.yaml"

	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat    = "json"
	defaultLogMaxBytes  = 10 << 20
	defaultLogBackups   = 5
	defaultCron         = "*/10 * * * *"
	defaultAPIVersion   = "5.199"
	defaultPostsLimit   = 10
	defaultInitialLoad  = 5
	defaultCacheFile    = "data/cache.json"
	defaultSQLiteFile   = "data/state.db"
	defaultStateBackend = BackendJSON
	defaultConcurrency  = 1
	maxPostsLimit       = 100
)

// State backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Run modes.
const (
	RunModeScheduled = "scheduled"
	RunModeOnce      = "once"
)

// Config represents runtime configuration read from the YAML file and environment.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Server      ServerConfig      `yaml:"server"`
	VK          VKConfig          `yaml:"vk"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Communities []CommunityConfig `yaml:"communities"`

	Logging LoggingConfig `yaml:"-"`
	Path    string        `yaml:"-"`
}

// GeneralConfig holds scheduling, polling and state settings.
type GeneralConfig struct {
	Cron            string      `yaml:"cron"`
	RunOnStart      *bool       `yaml:"run_on_start"`
	RunMode         string      `yaml:"run_mode"`
	VKAPIVersion    string      `yaml:"vk_api_version"`
	PostsLimit      int         `yaml:"posts_limit"`
	InitialLoad     *int        `yaml:"initial_load"`
	StateBackend    string      `yaml:"state_backend"`
	CacheFile       string      `yaml:"cache_file"`
	DatabaseURL     string      `yaml:"database_url"`
	LogFile         string      `yaml:"log_file"`
	LogLevel        string      `yaml:"log_level"`
	LogFormat       string      `yaml:"log_format"`
	LogRotation     LogRotation `yaml:"log_rotation"`
	BlockedKeywords []string    `yaml:"blocked_keywords"`
	Concurrency     int         `yaml:"concurrency"`
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`
}

// LogRotation bounds the log file. A file reaching MaxBytes is rolled over and
// at most BackupCount old files are kept.
type LogRotation struct {
	MaxBytes    int64 `yaml:"max_bytes"`
	BackupCount int   `yaml:"backup_count"`
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level       slog.Level
	Format      string
	File        string
	MaxBytes    int64
	BackupCount int
}

// VKConfig holds upstream API credentials.
type VKConfig struct {
	Token string `yaml:"token"`
}

// TelegramConfig holds the bot credentials and target channel.
type TelegramConfig struct {
	BotToken   string `yaml:"bot_token"`
	ChannelID  Ref    `yaml:"channel_id"`
	ButtonText string `yaml:"button_text"`
}

// CommunityConfig is one entry of the communities list.
type CommunityConfig struct {
	ID              Ref                `yaml:"id"`
	Name            string             `yaml:"name"`
	Active          *bool              `yaml:"active"`
	InitialLoad     *int               `yaml:"initial_load"`
	BlockedKeywords []string           `yaml:"blocked_keywords"`
	ContentTypes    ContentTypesConfig `yaml:"content_types"`
}

// ContentTypesConfig toggles content kinds. Unset kinds are enabled.
type ContentTypesConfig struct {
	Text  *bool `yaml:"text"`
	Photo *bool `yaml:"photo"`
	Image *bool `yaml:"image"`
	Video *bool `yaml:"video"`
	Audio *bool `yaml:"audio"`
	Link  *bool `yaml:"link"`
}

// Ref is a scalar that may be written as a number or a string.
type Ref string

func (r *Ref) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	*r = Ref(strings.TrimSpace(value.Value))
	return nil
}

// Load reads the YAML file at path, applies defaults and environment overrides,
// and validates the result. An empty path falls back to CONFIG_PATH, then DefaultConfigPath.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = getEnv("CONFIG_PATH", DefaultConfigPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Path = path

	applyDefaults(&cfg)

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.Cron == "" {
		g.Cron = defaultCron
	}
	if g.RunMode == "" {
		g.RunMode = RunModeScheduled
	}
	if g.VKAPIVersion == "" {
		g.VKAPIVersion = defaultAPIVersion
	}
	if g.PostsLimit == 0 {
		g.PostsLimit = defaultPostsLimit
	}
	if g.InitialLoad == nil {
		n := defaultInitialLoad
		g.InitialLoad = &n
	}
	if g.StateBackend == "" {
		g.StateBackend = defaultStateBackend
	}
	if g.Concurrency == 0 {
		g.Concurrency = defaultConcurrency
	}
	if g.LogFormat == "" {
		g.LogFormat = defaultLogFormat
	}
	if g.LogRotation.MaxBytes == 0 {
		g.LogRotation.MaxBytes = defaultLogMaxBytes
	}
	if g.LogRotation.BackupCount == 0 {
		g.LogRotation.BackupCount = defaultLogBackups
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = defaultPort
	}
	cfg.Server.ReadTimeout = defaultReadTimeout
	cfg.Server.WriteTimeout = defaultWriteTimeout
	cfg.Server.ShutdownTimeout = defaultShutdownTimeout
}

// applyEnv lets the environment override file values and derives the logging settings.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("VK_API_TOKEN"); v != "" {
		cfg.VK.Token = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.General.DatabaseURL = v
	}
	if v := os.Getenv("STATE_BACKEND"); v != "" {
		cfg.General.StateBackend = v
	}
	if v := os.Getenv("RUN_MODE"); v != "" {
		cfg.General.RunMode = v
	}

	// PORT wins over SERVER_PORT, which wins over the file
	if v := getEnv("PORT", os.Getenv("SERVER_PORT")); v != "" {
		cfg.Server.Port = v
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	cfg.Logging = LoggingConfig{
		Level:       slog.LevelInfo,
		Format:      cfg.General.LogFormat,
		File:        cfg.General.LogFile,
		MaxBytes:    cfg.General.LogRotation.MaxBytes,
		BackupCount: cfg.General.LogRotation.BackupCount,
	}

	level := getEnv("LOG_LEVEL", cfg.General.LogLevel)
	if level != "" {
		parsed, err := parseLogLevel(level)
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = parsed
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
	}

	return nil
}

func validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.VK.Token) == "" {
		errs = append(errs, errors.New("vk.token is required (or set VK_API_TOKEN)"))
	}
	if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		errs = append(errs, errors.New("telegram.bot_token is required (or set TELEGRAM_BOT_TOKEN)"))
	}
	if cfg.Telegram.ChannelID == "" {
		errs = append(errs, errors.New("telegram.channel_id is required"))
	}

	g := cfg.General
	if _, err := cron.ParseStandard(g.Cron); err != nil {
		errs = append(errs, fmt.Errorf("general.cron: %w", err))
	}
	if g.PostsLimit < 1 || g.PostsLimit > maxPostsLimit {
		errs = append(errs, fmt.Errorf("general.posts_limit must be between 1 and %d", maxPostsLimit))
	}
	if *g.InitialLoad < 0 {
		errs = append(errs, errors.New("general.initial_load must not be negative"))
	}
	if g.Concurrency < 1 {
		errs = append(errs, errors.New("general.concurrency must be at least 1"))
	}
	if g.LogRotation.MaxBytes < 0 || g.LogRotation.BackupCount < 0 {
		errs = append(errs, errors.New("general.log_rotation values must not be negative"))
	}
	switch g.RunMode {
	case RunModeScheduled, RunModeOnce:
	default:
		errs = append(errs, fmt.Errorf("general.run_mode must be %q or %q", RunModeScheduled, RunModeOnce))
	}
	switch g.StateBackend {
	case BackendJSON, BackendSQLite:
	case BackendPostgres:
		if strings.TrimSpace(g.DatabaseURL) == "" {
			errs = append(errs, errors.New("general.database_url is required for the postgres backend (or set DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("general.state_backend must be one of %s, %s, %s", BackendJSON, BackendSQLite, BackendPostgres))
	}

	if len(cfg.Communities) == 0 {
		errs = append(errs, errors.New("communities: at least one community must be configured"))
	}
	seen := make(map[string]int)
	for i, c := range cfg.Communities {
		id := strings.ToLower(string(c.ID))
		if id == "" {
			errs = append(errs, fmt.Errorf("communities[%d].id is required", i))
			continue
		}
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("communities[%d].id %q duplicates communities[%d]", i, c.ID, prev))
		}
		seen[id] = i
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("communities[%d].name is required", i))
		}
		if c.InitialLoad != nil && *c.InitialLoad < 0 {
			errs = append(errs, fmt.Errorf("communities[%d].initial_load must not be negative", i))
		}
	}

	return errors.Join(errs...)
}

// StatePath returns the file used by the json or sqlite backend.
func (c *Config) StatePath() string {
	if c.General.CacheFile != "" {
		return c.General.CacheFile
	}
	if c.General.StateBackend == BackendSQLite {
		return defaultSQLiteFile
	}
	return defaultCacheFile
}

// RunOnStart reports whether the scheduler should tick immediately. Defaults to true.
func (c *Config) RunOnStart() bool {
	return c.General.RunOnStart == nil || *c.General.RunOnStart
}

// CommunityList converts the configured communities into domain values.
func (c *Config) CommunityList() []models.Community {
	out := make([]models.Community, 0, len(c.Communities))
	for _, cc := range c.Communities {
		community := models.Community{
			Ref:             string(cc.ID),
			DisplayName:     strings.TrimSpace(cc.Name),
			Active:          cc.Active == nil || *cc.Active,
			AllowedKinds:    cc.ContentTypes.Kinds(),
			InitialLoad:     *c.General.InitialLoad,
			BlockedKeywords: cc.BlockedKeywords,
		}
		if cc.InitialLoad != nil {
			community.InitialLoad = *cc.InitialLoad
		}
		out = append(out, community)
	}
	return out
}

// Kinds returns the enabled content kinds. image takes precedence over photo when both are set.
func (ct ContentTypesConfig) Kinds() models.ContentKinds {
	enabled := func(v *bool) bool { return v == nil || *v }

	image := enabled(ct.Photo)
	if ct.Image != nil {
		image = *ct.Image
	}

	kinds := models.NewContentKinds()
	kinds[models.KindText] = enabled(ct.Text)
	kinds[models.KindImage] = image
	kinds[models.KindVideo] = enabled(ct.Video)
	kinds[models.KindAudio] = enabled(ct.Audio)
	kinds[models.KindLink] = enabled(ct.Link)
	for k, on := range kinds {
		if !on {
			delete(kinds, k)
		}
	}
	return kinds
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
