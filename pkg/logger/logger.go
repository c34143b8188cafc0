package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DebugCategory names a chatty subsystem that can be unmuted individually
// without drowning the rest of the log in per-frame noise.
type DebugCategory string

const (
	DebugFrame DebugCategory = "frame"
	DebugIOCtl DebugCategory = "ioctl"
	DebugFIFO  DebugCategory = "fifo"
	DebugCloud DebugCategory = "cloud"
	DebugTUTK  DebugCategory = "tutk"
	DebugRTSP  DebugCategory = "rtsp"
	DebugAll   DebugCategory = "all"
)

var allCategories = []DebugCategory{DebugFrame, DebugIOCtl, DebugFIFO, DebugCloud, DebugTUTK, DebugRTSP}

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON    OutputFormat = "json"
	FormatConsole OutputFormat = "console"
)

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     OutputFormat
	OutputFile string
	Service    string

	mu         sync.RWMutex
	categories map[DebugCategory]bool
}

// NewConfig creates a logger configuration with defaults.
func NewConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     FormatConsole,
		Service:    "iotc-bridge",
		categories: make(map[DebugCategory]bool),
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch strings.ToLower(format) {
	case "json":
		return FormatJSON, nil
	case "console", "text":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or console)", format)
	}
}

// EnableCategory enables a debug category; "all" enables every category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.categories == nil {
		c.categories = make(map[DebugCategory]bool)
	}
	if category == DebugAll {
		for _, cat := range allCategories {
			c.categories[cat] = true
		}
		return
	}
	c.categories[category] = true
}

// IsCategoryEnabled reports whether a debug category is enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[category]
}

// IsDebugEnabled reports whether any debug category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.categories) > 0
}

var (
	configureOnce sync.Once
	base          zerolog.Logger
	active        *Config
)

// Configure initializes the process-wide logger exactly once. Later calls
// are no-ops so tests and libraries cannot re-route output mid-flight.
func Configure(cfg *Config) {
	configureOnce.Do(func() {
		level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		// Unmuting a category implies debug-level output overall.
		if cfg.IsDebugEnabled() && level > zerolog.DebugLevel {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		zerolog.DurationFieldUnit = time.Millisecond

		var out io.Writer = os.Stdout
		if cfg.OutputFile != "" {
			if f, ferr := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); ferr == nil {
				out = f
			}
		}
		if cfg.Format == FormatConsole {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}

		base = zerolog.New(out).With().
			Timestamp().
			Str("service", cfg.Service).
			Logger()
		active = cfg
	})
}

// Base returns the configured root logger. Configure is applied with
// defaults if the caller never did.
func Base() zerolog.Logger {
	Configure(NewConfig())
	return base
}

// WithComponent derives a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// Enabled reports whether a debug category was unmuted at configure time.
// Hot paths check this before assembling per-frame log events.
func Enabled(category DebugCategory) bool {
	if active == nil {
		return false
	}
	return active.IsCategoryEnabled(category)
}
