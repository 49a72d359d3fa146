package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/quantecon/aisfetch/internal/index"
)

// DefaultBaseURL is the Marine Cadastre AIS archive. {year} is replaced with
// the year being fetched.
const DefaultBaseURL = "https://coast.noaa.gov/htdata/CMSP/AISDataHandler/{year}/"

// DefaultPattern is applied case-insensitively to anchor texts.
const DefaultPattern = index.DefaultPattern

// Config defines configuration for the aisfetch CLI.
type Config struct {
	BaseURL                string        `yaml:"base_url"`
	IndexFile              string        `yaml:"index_file"`
	Pattern                string        `yaml:"pattern"`
	LinkJoin               string        `yaml:"link_join"`
	DataRoot               string        `yaml:"data_root"`
	Years                  []int         `yaml:"years"`
	Workers                int           `yaml:"workers"`
	Timeout                time.Duration `yaml:"timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	UserAgent              string        `yaml:"user_agent"`
	Progress               bool          `yaml:"progress"`
	HistoryPath            string        `yaml:"history_path"`
	Schedule               string        `yaml:"schedule"`
	Retry                  RetryConfig   `yaml:"retry"`
	Log                    LogConfig     `yaml:"log"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// Default returns a Config that mirrors 2025 and 2024 into ./data.
func Default() Config {
	return Config{
		BaseURL:                DefaultBaseURL,
		IndexFile:              "index.html",
		Pattern:                DefaultPattern,
		LinkJoin:               "concat",
		DataRoot:               "data",
		Years:                  []int{2025, 2024},
		Workers:                1,
		Timeout:                10 * time.Minute,
		MaxConsecutiveFailures: 10,
		UserAgent:              "aisfetch/1.0",
		Retry: RetryConfig{
			Attempts:   3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	BaseURL                string          `yaml:"base_url"`
	IndexFile              string          `yaml:"index_file"`
	Pattern                string          `yaml:"pattern"`
	LinkJoin               string          `yaml:"link_join"`
	DataRoot               string          `yaml:"data_root"`
	Years                  []int           `yaml:"years"`
	Workers                int             `yaml:"workers"`
	Timeout                string          `yaml:"timeout"`
	MaxConsecutiveFailures *int            `yaml:"max_consecutive_failures"`
	UserAgent              string          `yaml:"user_agent"`
	Progress               bool            `yaml:"progress"`
	HistoryPath            string          `yaml:"history_path"`
	Schedule               string          `yaml:"schedule"`
	Retry                  yamlRetryConfig `yaml:"retry"`
	Log                    LogConfig       `yaml:"log"`
}

type yamlRetryConfig struct {
	Attempts   *int   `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.BaseURL != "" {
		cfg.BaseURL = yc.BaseURL
	}
	if yc.IndexFile != "" {
		cfg.IndexFile = yc.IndexFile
	}
	if yc.Pattern != "" {
		cfg.Pattern = yc.Pattern
	}
	if yc.LinkJoin != "" {
		cfg.LinkJoin = yc.LinkJoin
	}
	if yc.DataRoot != "" {
		cfg.DataRoot = yc.DataRoot
	}
	if len(yc.Years) > 0 {
		cfg.Years = yc.Years
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.Timeout != "" {
		d, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if yc.MaxConsecutiveFailures != nil {
		cfg.MaxConsecutiveFailures = *yc.MaxConsecutiveFailures
	}
	if yc.UserAgent != "" {
		cfg.UserAgent = yc.UserAgent
	}
	cfg.Progress = yc.Progress
	if yc.HistoryPath != "" {
		cfg.HistoryPath = yc.HistoryPath
	}
	if yc.Schedule != "" {
		cfg.Schedule = yc.Schedule
	}
	if yc.Retry.Attempts != nil {
		cfg.Retry.Attempts = *yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	if yc.Log.Path != "" {
		cfg.Log.Path = yc.Log.Path
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// A missing file is not an error. Variables already set are left untouched.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the AISFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AISFETCH_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("AISFETCH_INDEX_FILE"); v != "" {
		c.IndexFile = v
	}
	if v := os.Getenv("AISFETCH_PATTERN"); v != "" {
		c.Pattern = v
	}
	if v := os.Getenv("AISFETCH_LINK_JOIN"); v != "" {
		c.LinkJoin = v
	}
	if v := os.Getenv("AISFETCH_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("AISFETCH_YEARS"); v != "" {
		years, err := ParseYears(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_YEARS: %w", err)
		}
		c.Years = years
	}
	if v := os.Getenv("AISFETCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("AISFETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("AISFETCH_MAX_CONSECUTIVE_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_MAX_CONSECUTIVE_FAILURES: %w", err)
		}
		c.MaxConsecutiveFailures = n
	}
	if v := os.Getenv("AISFETCH_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("AISFETCH_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("AISFETCH_HISTORY_PATH"); v != "" {
		c.HistoryPath = v
	}
	if v := os.Getenv("AISFETCH_SCHEDULE"); v != "" {
		c.Schedule = v
	}
	if v := os.Getenv("AISFETCH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("AISFETCH_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("AISFETCH_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse AISFETCH_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}
	if v := os.Getenv("AISFETCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AISFETCH_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("AISFETCH_LOG_PATH"); v != "" {
		c.Log.Path = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if !strings.Contains(c.BaseURL, "{year}") {
		return errors.New("config: base_url must contain {year}")
	}
	if c.IndexFile == "" {
		return errors.New("config: index_file is required")
	}
	if _, err := index.NewMatcher(c.Pattern); err != nil {
		return fmt.Errorf("config: invalid pattern %q", c.Pattern)
	}
	if _, err := index.ParseJoinMode(c.LinkJoin); c.LinkJoin == "" || err != nil {
		return fmt.Errorf("config: link_join must be concat or resolve, got %q", c.LinkJoin)
	}
	if c.DataRoot == "" {
		return errors.New("config: data_root is required")
	}
	if len(c.Years) == 0 {
		return errors.New("config: at least one year is required")
	}
	for _, y := range c.Years {
		if y <= 0 {
			return fmt.Errorf("config: year must be positive, got %d", y)
		}
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("config: timeout must not be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.New("config: max_consecutive_failures must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("config: retry.backoff must not be negative")
	}
	if c.Retry.MaxBackoff < 0 {
		return errors.New("config: retry.max_backoff must not be negative")
	}
	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// ParseYears parses a comma separated list of years, e.g. "2025,2023".
// Ranges are written from:to, e.g. "2025:2020", and expand inclusively in
// the direction given.
func ParseYears(s string) ([]int, error) {
	var years []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, ":"); ok {
			f, err := strconv.Atoi(strings.TrimSpace(from))
			if err != nil {
				return nil, fmt.Errorf("invalid year %q", from)
			}
			t, err := strconv.Atoi(strings.TrimSpace(to))
			if err != nil {
				return nil, fmt.Errorf("invalid year %q", to)
			}
			years = append(years, YearRange(f, t)...)
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", part)
		}
		years = append(years, y)
	}
	if len(years) == 0 {
		return nil, errors.New("no years given")
	}
	return years, nil
}

// YearRange returns the years from..to inclusive, stepping toward to.
// YearRange(2025, 2023) is [2025 2024 2023].
func YearRange(from, to int) []int {
	step := 1
	if to < from {
		step = -1
	}
	years := make([]int, 0, (to-from)*step+1)
	for y := from; ; y += step {
		years = append(years, y)
		if y == to {
			break
		}
	}
	return years
}
