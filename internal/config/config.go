package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport names accepted by CDP_TRANSPORT.
const (
	TransportRaw      = "raw"
	TransportChromedp = "chromedp"
)

// Config holds all configuration for the observer.
type Config struct {
	// CDP connection settings
	CDPHost       string
	CDPPort       int
	CDPLocalOnly  bool
	Transport     string
	CallTimeoutMS int

	// Session defaults
	DefaultBufferSize int
	DefaultTTLSec     int
	GCIntervalSec     int
	MaxBodyBytes      int

	// HTTP surface
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	LogLevel string
	LogFile  string

	// Archive; empty ArchiveDir disables it
	ArchiveDir           string
	ArchiveMaxFileSizeMB int
	ArchiveBufferSize    int

	FilterProfilesFile string

	// Local browser
	BrowserProfileDir string
	BrowserStartURL   string
	BrowserHeadless   bool
}

// Load reads configuration from environment variables. envFile names a .env
// file that must exist; when empty, ./.env is loaded if present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPHost:              getEnvOrDefault("CDP_HOST", "127.0.0.1"),
		CDPPort:              getEnvIntOrDefault("CDP_PORT", 9222),
		CDPLocalOnly:         getEnvBoolOrDefault("CDP_SECURITY_LOCALONLY", true),
		Transport:            strings.ToLower(getEnvOrDefault("CDP_TRANSPORT", TransportRaw)),
		CallTimeoutMS:        getEnvIntOrDefault("CDP_CALL_TIMEOUT_MS", 10000),
		DefaultBufferSize:    getEnvIntOrDefault("DEFAULT_BUFFER_SIZE", 10000),
		DefaultTTLSec:        getEnvIntOrDefault("DEFAULT_TTL_SEC", 3600),
		GCIntervalSec:        getEnvIntOrDefault("GC_INTERVAL_SEC", 60),
		MaxBodyBytes:         getEnvIntOrDefault("MAX_BODY_BYTES", 64000),
		BindAddr:             getEnvOrDefault("OBSERVER_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:       splitList(getEnvOrDefault("OBSERVER_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		PortAutoFallback:     getEnvBoolOrDefault("OBSERVER_PORT_AUTO_FALLBACK", true),
		LogLevel:             strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFile:              getEnvOrDefault("LOG_FILE", "logs/cdp_observer.log"),
		ArchiveDir:           getEnvOrDefault("ARCHIVE_DIR", ""),
		ArchiveMaxFileSizeMB: getEnvIntOrDefault("ARCHIVE_MAX_FILE_SIZE_MB", 200),
		ArchiveBufferSize:    getEnvIntOrDefault("ARCHIVE_BUFFER_SIZE", 5000),
		FilterProfilesFile:   getEnvOrDefault("FILTER_PROFILES_FILE", ""),
		BrowserProfileDir:    getEnvOrDefault("BROWSER_PROFILE_DIR", "./browser_profile"),
		BrowserStartURL:      getEnvOrDefault("BROWSER_START_URL", "about:blank"),
		BrowserHeadless:      getEnvBoolOrDefault("BROWSER_HEADLESS", false),
	}
	if cfg.CallTimeoutMS < 1000 {
		cfg.CallTimeoutMS = 1000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportRaw, TransportChromedp:
	default:
		return fmt.Errorf("CDP_TRANSPORT must be %q or %q, got %q", TransportRaw, TransportChromedp, c.Transport)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("CDP_PORT out of range: %d", c.CDPPort)
	}
	if c.DefaultBufferSize <= 0 {
		return fmt.Errorf("DEFAULT_BUFFER_SIZE must be > 0")
	}
	if c.DefaultTTLSec <= 0 {
		return fmt.Errorf("DEFAULT_TTL_SEC must be > 0")
	}
	if c.GCIntervalSec <= 0 {
		return fmt.Errorf("GC_INTERVAL_SEC must be > 0")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be >= 0")
	}
	return nil
}

// CallTimeout returns the per-call CDP timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

// DefaultTTL returns the session idle TTL.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSec) * time.Second
}

// GCInterval returns the GC sweep period.
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSec) * time.Second
}

// CDPURL returns the browser's HTTP debugging endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPHost + ":" + strconv.Itoa(c.CDPPort)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
