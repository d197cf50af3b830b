// Package config loads the command-line configuration from flags, the
// environment, an optional .env file and an optional YAML config file.
// Flags win over the environment, which wins over the config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/mapbox-backup/pkg/backup"
	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/logging"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variable of every setting except the
// access token, e.g. MAPBOX_BACKUP_OUTPUT for --output.
const EnvPrefix = "MAPBOX_BACKUP"

// Cache modes.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// ErrHelp is returned when -h or --help was given.
var ErrHelp = pflag.ErrHelp

// UsageError is a command line the program cannot run with.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Config is the resolved configuration of one run.
type Config struct {
	AccessToken string

	// Output is the backup directory. Empty means the account username.
	Output string

	Scopes backup.Scopes

	AbortOnFailure bool
	Strict         bool

	LogLevel  logging.LogLevel
	LogPretty bool

	// MetricsAddr enables the /metrics and /health server when set.
	MetricsAddr string

	// RedisURL enables the shared request budget and the redis cache.
	RedisURL string
	Cache    string

	BaseURL   string
	PageLimit int

	// S3 is used instead of Output when S3.Bucket is set.
	S3 storage.S3Config
}

// UseS3 reports whether the backup goes to S3.
func (c *Config) UseS3() bool {
	return c.S3.Bucket != ""
}

// newFlagSet declares every flag.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("mapbox-backup", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("access-token", "", "Mapbox access token (env MAPBOX_ACCESS_TOKEN or MapboxAccessToken)")
	fs.StringP("output", "o", "", "backup directory (default: account username)")
	for _, scope := range backup.AllScopes() {
		fs.Bool(string(scope), false, "back up "+strings.ReplaceAll(string(scope), "-", " "))
	}
	fs.Bool("abort-on-failure", false, "stop after the first failed category listing")
	fs.Bool("strict", false, "fail the run when any artifact failed")
	fs.String("log-level", string(logging.LevelInfo), "log level (debug, info, warn, error)")
	fs.Bool("log-pretty", false, "human-readable logs")
	fs.String("metrics-addr", "", "serve /metrics and /health on this address")
	fs.String("redis-url", "", "Redis URL for a request budget shared between runs")
	fs.String("cache", CacheNone, "conditional request cache (none, memory, redis)")
	fs.String("base-url", client.DefaultBaseURL, "Mapbox API base URL")
	fs.Int("page-limit", 0, "items per listing page (0: API default)")
	fs.String("s3-bucket", "", "write the backup to this S3 bucket")
	fs.String("s3-prefix", "", "key prefix inside the S3 bucket")
	fs.String("s3-region", "", "S3 region")
	fs.String("s3-endpoint", "", "S3-compatible endpoint URL")
	fs.String("config", "", "YAML config file")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	return fs
}

// Usage writes the flag help to w.
func Usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: mapbox-backup [flags]\n\nWith no scope flag every scope is backed up.\n\nFlags:\n")
	fmt.Fprint(w, newFlagSet().FlagUsages())
}

// Load parses args (without the program name) and resolves the settings.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, &UsageError{Err: err}
	}
	if fs.NArg() > 0 {
		return nil, usageErrorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	envFile, _ := fs.GetString("env-file")
	if err := loadDotEnv(envFile, fs.Changed("env-file")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("access-token", "MAPBOX_ACCESS_TOKEN", "MapboxAccessToken"); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, usageErrorf("read config %s: %w", file, err)
		}
	}

	return resolve(v)
}

// loadDotEnv loads path into the environment without overriding variables
// already set. A missing default file is fine.
func loadDotEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return usageErrorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return usageErrorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolve(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AccessToken:    strings.TrimSpace(v.GetString("access-token")),
		Output:         v.GetString("output"),
		AbortOnFailure: v.GetBool("abort-on-failure"),
		Strict:         v.GetBool("strict"),
		LogPretty:      v.GetBool("log-pretty"),
		MetricsAddr:    v.GetString("metrics-addr"),
		RedisURL:       v.GetString("redis-url"),
		Cache:          strings.ToLower(v.GetString("cache")),
		BaseURL:        v.GetString("base-url"),
		PageLimit:      v.GetInt("page-limit"),
		S3: storage.S3Config{
			Bucket:      v.GetString("s3-bucket"),
			Prefix:      v.GetString("s3-prefix"),
			Region:      v.GetString("s3-region"),
			EndpointURL: v.GetString("s3-endpoint"),
		},
	}

	if cfg.AccessToken == "" {
		return nil, usageErrorf("missing access token: pass --access-token or set MAPBOX_ACCESS_TOKEN")
	}

	level, err := logging.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	cfg.LogLevel = level

	var selected []string
	for _, scope := range backup.AllScopes() {
		if v.GetBool(string(scope)) {
			selected = append(selected, string(scope))
		}
	}
	if cfg.Scopes, err = backup.ParseScopes(selected); err != nil {
		return nil, &UsageError{Err: err}
	}

	switch cfg.Cache {
	case "", CacheNone:
		cfg.Cache = CacheNone
	case CacheMemory:
	case CacheRedis:
		if cfg.RedisURL == "" {
			return nil, usageErrorf("--cache=redis needs --redis-url")
		}
	default:
		return nil, usageErrorf("unknown cache mode %q (want none, memory or redis)", cfg.Cache)
	}

	if cfg.PageLimit < 0 {
		return nil, usageErrorf("--page-limit must not be negative")
	}
	if cfg.Output != "" && cfg.UseS3() {
		return nil, usageErrorf("--output and --s3-bucket are mutually exclusive")
	}

	return cfg, nil
}
