// Package config builds the daemon configuration. Precedence is flag
// over FETCHD_* environment variable over default; a .env file loaded at
// startup counts as environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// Store backends.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Config holds the daemon configuration.
type Config struct {
	Addr         string
	DataDir      string
	DownloadDir  string
	MediaDir     string
	Store        string
	YtdlpPath    string
	PollInterval time.Duration
	MaxRetries   int
	LogLevel     string
	LogJSON      bool
	WebRoot      string
}

// DefaultDataDir returns the state root using XDG_DATA_HOME.
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "fetchd")
}

// DefaultMediaDir returns the default directory finished media lands in.
func DefaultMediaDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// BindFlags registers all flags on the command, wired to this Config.
func (c *Config) BindFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&c.Addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&c.DataDir, "data-dir", DefaultDataDir(), "state directory")
	fs.StringVar(&c.DownloadDir, "download-dir", "", "working directory for in-progress downloads (default <data-dir>/downloads)")
	fs.StringVar(&c.MediaDir, "media-dir", DefaultMediaDir(), "directory finished media is moved to")
	fs.StringVar(&c.Store, "store", StoreFS, "job store backend (fs or sqlite)")
	fs.StringVar(&c.YtdlpPath, "ytdlp", "yt-dlp", "downloader binary")
	fs.DurationVar(&c.PollInterval, "poll-interval", 5*time.Second, "worker poll interval")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "download attempts before a job fails for good")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level")
	fs.BoolVar(&c.LogJSON, "log-json", false, "log as JSON")
	fs.StringVar(&c.WebRoot, "web-root", "", "directory with a static web UI to serve")
}

// envOverrides maps flag names to their environment variable.
var envOverrides = map[string]string{
	"addr":          "FETCHD_ADDR",
	"data-dir":      "FETCHD_DATA_DIR",
	"download-dir":  "FETCHD_DOWNLOAD_DIR",
	"media-dir":     "FETCHD_MEDIA_DIR",
	"store":         "FETCHD_STORE",
	"ytdlp":         "FETCHD_YTDLP",
	"poll-interval": "FETCHD_POLL_INTERVAL",
	"max-retries":   "FETCHD_MAX_RETRIES",
	"log-level":     "FETCHD_LOG_LEVEL",
	"log-json":      "FETCHD_LOG_JSON",
	"web-root":      "FETCHD_WEB_ROOT",
}

// Finalize applies environment overrides to flags the user did not set,
// fills derived defaults and validates. Call after flag parsing.
func (c *Config) Finalize(cmd *cobra.Command) error {
	fs := cmd.Flags()
	for flag, env := range envOverrides {
		if fs.Changed(flag) {
			continue
		}
		value := os.Getenv(env)
		if value == "" {
			continue
		}
		if err := fs.Set(flag, value); err != nil {
			return fmt.Errorf("%s=%q: %w", env, value, err)
		}
	}

	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}

	if c.Store != StoreFS && c.Store != StoreSQLite {
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreFS, StoreSQLite)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max-retries must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}

// JobsDir is where the filesystem store keeps job records.
func (c *Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// DBPath is the sqlite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// SettingsPath is the TOML settings file location.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.toml")
}

// NotificationsPath is the notification feed location.
func (c *Config) NotificationsPath() string {
	return filepath.Join(c.DataDir, "notifications.json")
}
