// config.go assembles the immutable agent configuration from defaults,
// an optional YAML file and AIVORY_* environment variables.

package aivory

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultBackendURL is the collector endpoint used when none is configured.
const DefaultBackendURL = "wss://api.aivory.net/ws/agent"

// Environment variables read by DefaultConfig and LoadConfig.
const (
	EnvAPIKey            = "AIVORY_API_KEY"
	EnvBackendURL        = "AIVORY_BACKEND_URL"
	EnvEnvironment       = "AIVORY_ENVIRONMENT"
	EnvSamplingRate      = "AIVORY_SAMPLING_RATE"
	EnvMaxDepth          = "AIVORY_MAX_DEPTH"
	EnvMaxStringLength   = "AIVORY_MAX_STRING_LENGTH"
	EnvMaxCollectionSize = "AIVORY_MAX_COLLECTION_SIZE"
	EnvDebug             = "AIVORY_DEBUG"
)

var (
	// ErrMissingAPIKey is returned by Validate when no API key is configured.
	ErrMissingAPIKey = errors.New("aivory: API key is required")
)

// Config is the agent configuration. It is built once at startup and then
// passed by value; components never share a mutable Config.
type Config struct {
	// APIKey authenticates the agent with the collector.
	APIKey string `yaml:"api_key"`

	// BackendURL is the websocket endpoint of the collector.
	BackendURL string `yaml:"backend_url"`

	// Environment labels records (production, staging, ...).
	Environment string `yaml:"environment"`

	// SamplingRate is the fraction of failures that are reported, in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxCaptureDepth limits nesting of context values.
	MaxCaptureDepth int `yaml:"max_capture_depth"`

	// MaxStringLength limits the length of captured strings.
	MaxStringLength int `yaml:"max_string_length"`

	// MaxCollectionSize limits the number of entries of captured maps and slices.
	MaxCollectionSize int `yaml:"max_collection_size"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// Hostname identifies the machine.
	Hostname string `yaml:"hostname"`

	// AgentID identifies this agent instance.
	AgentID string `yaml:"agent_id"`
}

// DefaultConfig returns the built-in defaults with environment overrides applied.
func DefaultConfig() Config {
	cfg := baseConfig()
	cfg.applyEnv(os.Getenv)
	return cfg
}

// LoadConfig reads a YAML configuration file, layering it over the
// defaults, then applies environment overrides. An empty path behaves
// like DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := baseConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func baseConfig() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return Config{
		BackendURL:        DefaultBackendURL,
		Environment:       "production",
		SamplingRate:      1.0,
		MaxCaptureDepth:   10,
		MaxStringLength:   1000,
		MaxCollectionSize: 100,
		Hostname:          hostname,
		AgentID:           NewAgentID(time.Now()),
	}
}

// applyEnv overrides fields from the environment. Unparseable numeric
// values are ignored so a typo never disables the agent.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := getenv(EnvBackendURL); v != "" {
		c.BackendURL = v
	}
	if v := getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v, err := strconv.ParseFloat(getenv(EnvSamplingRate), 64); err == nil {
		c.SamplingRate = v
	}
	if v, err := strconv.Atoi(getenv(EnvMaxDepth)); err == nil {
		c.MaxCaptureDepth = v
	}
	if v, err := strconv.Atoi(getenv(EnvMaxStringLength)); err == nil {
		c.MaxStringLength = v
	}
	if v, err := strconv.Atoi(getenv(EnvMaxCollectionSize)); err == nil {
		c.MaxCollectionSize = v
	}
	if v := getenv(EnvDebug); v != "" {
		c.Debug = strings.EqualFold(v, "true")
	}
}

// Validate reports configuration errors that prevent the agent from starting.
// Only a missing credential is fatal; see ClampSamplingRate for the rate.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	return errors.Join(errs...)
}

// ClampSamplingRate returns c with SamplingRate moved into [0, 1] and
// reports whether it had to change. NaN falls back to 1.
func (c Config) ClampSamplingRate() (Config, bool) {
	switch {
	case math.IsNaN(c.SamplingRate):
		c.SamplingRate = 1
	case c.SamplingRate < 0:
		c.SamplingRate = 0
	case c.SamplingRate > 1:
		c.SamplingRate = 1
	default:
		return c, false
	}
	return c, true
}

// Clone returns an independent copy of c. Config holds only value fields.
func (c Config) Clone() Config {
	return c
}

// RuntimeInfo returns the runtime descriptor reported with every record.
func (c Config) RuntimeInfo() RuntimeInfo {
	return CurrentRuntimeInfo()
}

// NewAgentID returns an identifier of the form agent-<unix seconds hex>-<random>.
func NewAgentID(now time.Time) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.Unix()))
	return fmt.Sprintf("agent-%s-%s", hex.EncodeToString(ts[4:]), uuid.NewString()[:8])
}
