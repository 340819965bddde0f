package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// BRConfig holds the application configuration
type BRConfig struct {
	Database struct {
		Driver   string `mapstructure:"driver"` // postgres or sqlite
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		Path     string `mapstructure:"path"` // sqlite database file
	} `mapstructure:"database"`

	Server struct {
		Host        string   `mapstructure:"host"`
		Port        int      `mapstructure:"port"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"server"`

	Scheduler struct {
		ScanIntervalSec    int `mapstructure:"scan_interval_sec"`
		RefreshIntervalSec int `mapstructure:"refresh_interval_sec"`
		DispatchStaleSec   int `mapstructure:"dispatch_stale_sec"`
	} `mapstructure:"scheduler"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Lease struct {
		TimeoutSec           int `mapstructure:"timeout_sec"`
		HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec"`
	} `mapstructure:"lease"`

	Executor struct {
		ItemTimeoutSec int     `mapstructure:"item_timeout_sec"`
		ItemAttempts   int     `mapstructure:"item_attempts"`
		BackoffMs      int     `mapstructure:"backoff_ms"`
		RatePerSec     float64 `mapstructure:"rate_per_sec"` // 0 disables throttling
		Burst          int     `mapstructure:"burst"`
	} `mapstructure:"executor"`

	Run struct {
		MaxRetries int  `mapstructure:"max_retries"`
		TimeoutSec int  `mapstructure:"timeout_sec"`
		AutoResume bool `mapstructure:"auto_resume"`
	} `mapstructure:"run"`

	Worker struct {
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"worker"`

	Coordinator struct {
		MaxParallelRuns int `mapstructure:"max_parallel_runs"`
	} `mapstructure:"coordinator"`

	Providers struct {
		OpenAI struct {
			APIKey  string `mapstructure:"api_key"`
			BaseURL string `mapstructure:"base_url"`
		} `mapstructure:"openai"`
		Anthropic struct {
			APIKey  string `mapstructure:"api_key"`
			BaseURL string `mapstructure:"base_url"`
		} `mapstructure:"anthropic"`
		MaxTokens int64 `mapstructure:"max_tokens"`
	} `mapstructure:"providers"`

	Export struct {
		Bucket          string `mapstructure:"bucket"`
		Prefix          string `mapstructure:"prefix"`
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		ForcePathStyle  bool   `mapstructure:"force_path_style"`
	} `mapstructure:"export"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*BRConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("BR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no file anywhere, run on defaults and environment
		return unmarshal(v, cwd)
	}
	return config, nil
}

// newViper sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "benchrunner")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "benchrunner.db")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})

	// Scheduler defaults
	v.SetDefault("scheduler.scan_interval_sec", 30)
	v.SetDefault("scheduler.refresh_interval_sec", 15)
	v.SetDefault("scheduler.dispatch_stale_sec", 300)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Lease defaults, the heartbeat must come well within the timeout
	v.SetDefault("lease.timeout_sec", 180)
	v.SetDefault("lease.heartbeat_interval_sec", 30)

	// Executor defaults
	v.SetDefault("executor.item_timeout_sec", 120)
	v.SetDefault("executor.item_attempts", 3)
	v.SetDefault("executor.backoff_ms", 2000)
	v.SetDefault("executor.rate_per_sec", 5)
	v.SetDefault("executor.burst", 1)

	// Run defaults
	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.timeout_sec", 3600) // 1 hour
	v.SetDefault("run.auto_resume", false)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("coordinator.max_parallel_runs", 4)

	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.base_url", "")
	v.SetDefault("providers.max_tokens", 1024)

	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "results")
	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.access_key_id", "")
	v.SetDefault("export.secret_access_key", "")
	v.SetDefault("export.force_path_style", false)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("BR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*BRConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	return unmarshal(v, path)
}

func unmarshal(v *viper.Viper, path string) (*BRConfig, error) {
	var config BRConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *BRConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Level parses log_level, falling back to info
func (c *BRConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

func (c *BRConfig) LeaseTimeout() time.Duration {
	return seconds(c.Lease.TimeoutSec)
}

func (c *BRConfig) HeartbeatInterval() time.Duration {
	return seconds(c.Lease.HeartbeatIntervalSec)
}

func (c *BRConfig) ItemTimeout() time.Duration {
	return seconds(c.Executor.ItemTimeoutSec)
}

func (c *BRConfig) Backoff() time.Duration {
	return time.Duration(c.Executor.BackoffMs) * time.Millisecond
}

func (c *BRConfig) ScanInterval() time.Duration {
	return seconds(c.Scheduler.ScanIntervalSec)
}

func (c *BRConfig) RefreshInterval() time.Duration {
	return seconds(c.Scheduler.RefreshIntervalSec)
}

func (c *BRConfig) DispatchStale() time.Duration {
	return seconds(c.Scheduler.DispatchStaleSec)
}

func (c *BRConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate catches settings that would break lease safety or leave runs unprocessable
func (c *BRConfig) Validate() error {
	var errs []error
	if c.Lease.TimeoutSec <= 0 {
		errs = append(errs, errors.New("lease.timeout_sec must be positive"))
	}
	if c.Lease.HeartbeatIntervalSec <= 0 || c.Lease.HeartbeatIntervalSec >= c.Lease.TimeoutSec {
		errs = append(errs, errors.New("lease.heartbeat_interval_sec must be positive and below lease.timeout_sec"))
	}
	if c.Executor.ItemTimeoutSec >= c.Lease.TimeoutSec && c.Lease.TimeoutSec > 0 {
		errs = append(errs, errors.New("executor.item_timeout_sec must be below lease.timeout_sec"))
	}
	if c.Executor.ItemAttempts < 1 {
		errs = append(errs, errors.New("executor.item_attempts must be at least 1"))
	}
	switch c.Database.Driver {
	case "", "postgres", "pgx", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
