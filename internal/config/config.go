// Package config provides configuration parsing and validation for pingerd.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/pingerd/internal/admission"
	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/logging"
)

// DefaultSocketPath is where the daemon listens for requests.
const DefaultSocketPath = "/tmp/.pinger"

// Config represents the complete daemon configuration.
type Config struct {
	Socket  SocketConfig  `yaml:"socket"`
	Limits  LimitsConfig  `yaml:"limits"`
	Filters FiltersConfig `yaml:"filters"`
	Probe   ProbeConfig   `yaml:"probe"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// SocketConfig defines the control socket.
type SocketConfig struct {
	Path  string `yaml:"path"`  // unix datagram socket path
	Group string `yaml:"group"` // group allowed to connect, empty for owner only
}

// LimitsConfig defines admission limits.
type LimitsConfig struct {
	MaxTimeout time.Duration `yaml:"max_timeout"` // upper bound on a request's timeout
	Rate       string        `yaml:"rate"`        // COUNT/PERIOD[s|m|h]
}

// FiltersConfig holds IP[/MASK] target filters.
type FiltersConfig struct {
	Accept []string `yaml:"accept"`
	Reject []string `yaml:"reject"`
}

// ProbeConfig defines echo request settings.
type ProbeConfig struct {
	Size int `yaml:"size"` // bytes including the IPv4 header
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HTTPConfig defines the optional HTTP surface for /metrics and /latest.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: DefaultSocketPath,
		},
		Limits: LimitsConfig{
			MaxTimeout: 60 * time.Second,
			Rate:       "60/m",
		},
		Filters: FiltersConfig{
			Accept: []string{},
			Reject: []string{},
		},
		Probe: ProbeConfig{
			Size: 48,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1:9110",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Socket.Path == "" {
		errs = append(errs, "socket.path is required")
	}

	if c.Limits.MaxTimeout <= 0 {
		errs = append(errs, "limits.max_timeout must be positive")
	}
	if c.Limits.MaxTimeout.Microseconds() > int64(^uint32(0)>>1) {
		errs = append(errs, "limits.max_timeout must fit in 32-bit microseconds")
	}
	if _, err := ParseRate(c.Limits.Rate); err != nil {
		errs = append(errs, fmt.Sprintf("limits.rate: %v", err))
	}

	if len(c.Filters.Accept) > admission.MaxFilters {
		errs = append(errs, fmt.Sprintf("filters.accept: at most %d entries", admission.MaxFilters))
	}
	if len(c.Filters.Reject) > admission.MaxFilters {
		errs = append(errs, fmt.Sprintf("filters.reject: at most %d entries", admission.MaxFilters))
	}
	for i, f := range c.Filters.Accept {
		if _, err := icmp.ParseNetworkFilter(f); err != nil {
			errs = append(errs, fmt.Sprintf("filters.accept[%d]: %v", i, err))
		}
	}
	for i, f := range c.Filters.Reject {
		if _, err := icmp.ParseNetworkFilter(f); err != nil {
			errs = append(errs, fmt.Sprintf("filters.reject[%d]: %v", i, err))
		}
	}

	if c.Probe.Size < icmp.MinSize || c.Probe.Size > icmp.MaxSize {
		errs = append(errs, fmt.Sprintf("probe.size must be between %d and %d", icmp.MinSize, icmp.MaxSize))
	}

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			errs = append(errs, fmt.Sprintf("http.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Admission builds the admission policy described by the config.
func (c *Config) Admission() (admission.Config, error) {
	r, err := ParseRate(c.Limits.Rate)
	if err != nil {
		return admission.Config{}, err
	}
	filters, err := admission.ParseFilterSet(c.Filters.Accept, c.Filters.Reject)
	if err != nil {
		return admission.Config{}, err
	}
	return admission.Config{
		MaxTimeout: c.Limits.MaxTimeout,
		Filters:    filters,
		Rate:       r,
	}, nil
}

// ParseRate parses COUNT/PERIOD[UNIT].
//
// COUNT must be positive. PERIOD is a whole number that defaults to 1 when
// omitted and may not start with 0. UNIT is s, m or h, case-insensitive,
// and defaults to seconds. "60/m" is sixty per minute.
func ParseRate(s string) (admission.Rate, error) {
	count, period, ok := strings.Cut(s, "/")
	if !ok {
		return admission.Rate{}, fmt.Errorf("invalid rate %q: want COUNT/PERIOD", s)
	}

	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return admission.Rate{}, fmt.Errorf("invalid rate %q: bad count", s)
	}

	digits := strings.TrimRightFunc(period, func(r rune) bool { return r < '0' || r > '9' })
	unit := period[len(digits):]
	if strings.HasPrefix(digits, "0") {
		return admission.Rate{}, fmt.Errorf("invalid rate %q: bad period", s)
	}

	p := 1
	if digits != "" {
		if p, err = strconv.Atoi(digits); err != nil {
			return admission.Rate{}, fmt.Errorf("invalid rate %q: bad period", s)
		}
	}

	scale := time.Second
	switch strings.ToLower(unit) {
	case "", "s":
	case "m":
		scale = time.Minute
	case "h":
		scale = time.Hour
	default:
		return admission.Rate{}, fmt.Errorf("invalid rate %q: unknown period unit %q", s, unit)
	}

	return admission.Rate{Limit: n, Period: time.Duration(p) * scale}, nil
}

// String returns the YAML form of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
