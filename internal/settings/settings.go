// Package settings manages the user-tunable download preferences. They
// live in a TOML file next to the rest of the state and can be changed at
// runtime through the API; the worker and enricher read through the
// Manager, so changes apply from the next poll onwards.
package settings

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/cwygoda/fetchd/internal/fsutil"
)

// Settings are the user-tunable download preferences.
type Settings struct {
	Concurrency   int       `toml:"concurrency" json:"concurrency"`
	Quality       string    `toml:"quality" json:"quality"`
	RateLimitMBps float64   `toml:"rate_limit_mbps" json:"rateLimitMbps"`
	Subtitles     Subtitles `toml:"subtitles" json:"subtitles"`
	Enrich        Enrich    `toml:"enrich" json:"enrich"`
}

// Subtitles configures subtitle embedding.
type Subtitles struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Langs   string `toml:"langs" json:"langs"`
}

// Enrich configures the metadata backfill service.
type Enrich struct {
	Enabled         bool `toml:"enabled" json:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds" json:"intervalSeconds"`
	Concurrency     int  `toml:"concurrency" json:"concurrency"`
	TimeoutSeconds  int  `toml:"timeout_seconds" json:"timeoutSeconds"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		Concurrency:   2,
		Quality:       "1080",
		RateLimitMBps: 0,
		Subtitles:     Subtitles{Enabled: false, Langs: "en"},
		Enrich: Enrich{
			Enabled:         true,
			IntervalSeconds: 2,
			Concurrency:     2,
			TimeoutSeconds:  20,
		},
	}
}

// qualities maps accepted quality spellings onto their canonical value.
var qualities = map[string]string{
	"best": "best", "480": "480", "480p": "480",
	"720": "720", "720p": "720", "sd": "720",
	"1080": "1080", "1080p": "1080", "hd": "1080",
	"1440": "1440", "1440p": "1440",
	"2160": "2160", "2160p": "2160", "4k": "2160",
}

// Normalize clamps out-of-range values and canonicalizes the quality
// spelling, so everything downstream sees sane inputs.
func Normalize(s Settings) Settings {
	s.Concurrency = clamp(s.Concurrency, 1, 8, 2)
	if q, ok := qualities[strings.ToLower(strings.TrimSpace(s.Quality))]; ok {
		s.Quality = q
	} else {
		s.Quality = "best"
	}
	if s.RateLimitMBps < 0 {
		s.RateLimitMBps = 0
	}
	s.Subtitles.Langs = strings.TrimSpace(s.Subtitles.Langs)
	if s.Subtitles.Langs == "" {
		s.Subtitles.Langs = "en"
	}
	s.Enrich.IntervalSeconds = clamp(s.Enrich.IntervalSeconds, 1, 3600, 2)
	s.Enrich.Concurrency = clamp(s.Enrich.Concurrency, 1, 4, 2)
	s.Enrich.TimeoutSeconds = clamp(s.Enrich.TimeoutSeconds, 1, 600, 20)
	return s
}

func clamp(v, min, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Manager mediates concurrent access to the current settings.
type Manager struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

// Load reads the settings file, starting from defaults when it does not
// exist yet.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		m.cur = Defaults()
		return m, nil
	}

	var s Settings
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	m.cur = Normalize(s)
	return m, nil
}

// Get returns the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update normalizes, persists and applies new settings.
func (m *Manager) Update(s Settings) (Settings, error) {
	s = Normalize(s)

	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.path, buf.Bytes()); err != nil {
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	m.cur = s
	return s, nil
}
