package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// SchedulerConfig holds scheduling-loop settings.
type SchedulerConfig struct {
	CheckInterval         time.Duration
	StopTimeout           time.Duration
	ResumeFailedRecurring bool
}

// SFTPConfig holds the remote connection parameters.
type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Scheduler SchedulerConfig
	SFTP      SFTPConfig

	Mode          string // http, mcp or both
	StateDir      string
	HistoryKeep   int
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7171"
	defaultLogLevel      = "info"
	defaultMode          = "http"
	defaultHistoryKeep   = 50
	defaultCheckInterval = 10 * time.Second
	defaultStopTimeout   = 5 * time.Second
	defaultShutdownGrace = 5 * time.Second
	defaultSFTPPort      = 22
	defaultConnTimeout   = 15 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from args and the environment.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	// Load .env if present: current directory first, then the config dir.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "sftpsched", ".env"))
	}
	_ = godotenv.Load(envFiles...) // the file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("SFTPSCHED_ADDR", defaultAddr),
			AuthToken: getEnvString("SFTPSCHED_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level: getEnvString("SFTPSCHED_LOG_LEVEL", defaultLogLevel),
		},
		Scheduler: SchedulerConfig{
			CheckInterval:         getEnvDuration("SFTPSCHED_CHECK_INTERVAL", defaultCheckInterval),
			StopTimeout:           getEnvDuration("SFTPSCHED_STOP_TIMEOUT", defaultStopTimeout),
			ResumeFailedRecurring: getEnvBool("SFTPSCHED_RESUME_FAILED_RECURRING", false),
		},
		SFTP: SFTPConfig{
			Host:           getEnvString("SFTPSCHED_SFTP_HOST", ""),
			Port:           getEnvInt("SFTPSCHED_SFTP_PORT", defaultSFTPPort),
			Username:       getEnvString("SFTPSCHED_SFTP_USERNAME", ""),
			Password:       getEnvString("SFTPSCHED_SFTP_PASSWORD", ""),
			PrivateKeyPath: getEnvString("SFTPSCHED_SFTP_PRIVATE_KEY", ""),
			ConnectTimeout: getEnvDuration("SFTPSCHED_SFTP_CONNECT_TIMEOUT", defaultConnTimeout),
		},
		Mode:          getEnvString("SFTPSCHED_MODE", defaultMode),
		StateDir:      getEnvString("SFTPSCHED_STATE_DIR", ""),
		HistoryKeep:   getEnvInt("SFTPSCHED_HISTORY_KEEP", defaultHistoryKeep),
		ShutdownGrace: getEnvDuration("SFTPSCHED_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("sftpschedd", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address (overrides env)")
	mode := fs.String("mode", "", "Run mode: http, mcp or both")
	stateDir := fs.String("state-dir", "", "Directory for the task file and run history")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	checkInterval := fs.Duration("check-interval", 0, "Cadence of the due-task scan")
	historyKeep := fs.Int("history-keep", 0, "Number of recent runs to retain per task")
	shutdownGrace := fs.Duration("shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *checkInterval > 0 {
		cfg.Scheduler.CheckInterval = *checkInterval
	}
	if *historyKeep > 0 {
		cfg.HistoryKeep = *historyKeep
	}
	if *shutdownGrace > 0 {
		cfg.ShutdownGrace = *shutdownGrace
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q: must be http, mcp or both", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.HistoryKeep < 1 {
		cfg.HistoryKeep = defaultHistoryKeep
	}

	return cfg, nil
}

// TaskFilePath returns the location of the persisted task file.
func (c *Config) TaskFilePath() string {
	return filepath.Join(c.StateDir, "tasks.json")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "sftpsched")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
