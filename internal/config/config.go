package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "USERDIR"
	defaultHTTPAddress       = "0.0.0.0:8008"
	defaultDatabasePath      = "userdirectory.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "userdirectory"
	defaultTokenTTLMinutes   = 60
	defaultSearchLimit       = 10
	defaultMaxSearchLimit    = 50
	defaultBatchSize         = 100
	defaultBackgroundTick    = 100 * time.Millisecond
	minimumBackgroundTick    = time.Millisecond
	logFormatJSON            = "json"
	logFormatConsole         = "console"
	keyServerName            = "server.name"
	keyAuthSigningSecret     = "auth.signing_secret"
	keyDirectoryEnabled      = "user_directory.enabled"
	keyDirectorySearchAll    = "user_directory.search_all_users"
	keyDirectoryPreferLocal  = "user_directory.prefer_local_users"
	keyDirectoryDefaultLimit = "user_directory.default_limit"
	keyDirectoryMaxLimit     = "user_directory.max_limit"
)

// AppConfig captures runtime configuration for the directory service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	ServerName    string
	SigningSecret string
	AuthIssuer    string
	TokenTTL      time.Duration
	Directory     DirectoryConfig
	Background    BackgroundConfig
}

// DirectoryConfig holds the user directory toggles read by search and population.
type DirectoryConfig struct {
	Enabled          bool
	SearchAllUsers   bool
	PreferLocalUsers bool
	DefaultLimit     int
	MaxLimit         int
}

// BackgroundConfig controls the cooperative background update scheduler.
type BackgroundConfig struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault(keyDirectoryEnabled, true)
	configViper.SetDefault(keyDirectorySearchAll, false)
	configViper.SetDefault(keyDirectoryPreferLocal, false)
	configViper.SetDefault(keyDirectoryDefaultLimit, defaultSearchLimit)
	configViper.SetDefault(keyDirectoryMaxLimit, defaultMaxSearchLimit)
	configViper.SetDefault("background.enabled", true)
	configViper.SetDefault("background.batch_size", defaultBatchSize)
	configViper.SetDefault("background.interval", defaultBackgroundTick)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		ServerName:    strings.TrimSpace(configViper.GetString(keyServerName)),
		SigningSecret: configViper.GetString(keyAuthSigningSecret),
		AuthIssuer:    configViper.GetString("auth.issuer"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Directory: DirectoryConfig{
			Enabled:          configViper.GetBool(keyDirectoryEnabled),
			SearchAllUsers:   configViper.GetBool(keyDirectorySearchAll),
			PreferLocalUsers: configViper.GetBool(keyDirectoryPreferLocal),
			DefaultLimit:     configViper.GetInt(keyDirectoryDefaultLimit),
			MaxLimit:         configViper.GetInt(keyDirectoryMaxLimit),
		},
		Background: BackgroundConfig{
			Enabled:   configViper.GetBool("background.enabled"),
			BatchSize: configViper.GetInt("background.batch_size"),
			Interval:  configViper.GetDuration("background.interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ServerName == "" {
		return fmt.Errorf("%s is required", keyServerName)
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%s is required", keyAuthSigningSecret)
	}
	switch c.LogFormat {
	case logFormatJSON, logFormatConsole:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", logFormatJSON, logFormatConsole, c.LogFormat)
	}
	if c.Directory.DefaultLimit <= 0 {
		return fmt.Errorf("%s must be positive", keyDirectoryDefaultLimit)
	}
	if c.Directory.MaxLimit < c.Directory.DefaultLimit {
		return fmt.Errorf("%s must not be lower than %s", keyDirectoryMaxLimit, keyDirectoryDefaultLimit)
	}
	if c.Background.BatchSize <= 0 {
		return fmt.Errorf("background.batch_size must be positive")
	}
	if c.Background.Interval < minimumBackgroundTick {
		return fmt.Errorf("background.interval must be at least %s", minimumBackgroundTick)
	}
	return nil
}
