package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jzx17/decodepool/pkg/retry"
	"github.com/jzx17/decodepool/pkg/types"
)

// File is the on-disk layout read by the command line tool
type File struct {
	Decoder Configuration `yaml:"decoder"`
	Pool    PoolSettings  `yaml:"pool"`
	Log     LogSettings   `yaml:"log"`
}

// PoolSettings tunes pool timing
type PoolSettings struct {
	StartupDelay      time.Duration `yaml:"startup_delay"`
	ReplaceDelay      time.Duration `yaml:"replace_delay"`
	SpawnAttempts     int           `yaml:"spawn_attempts"`
	TerminateInFlight *bool         `yaml:"terminate_fails_in_flight"`

	// SpawnBackoff names the spawn retry strategy: fixed, exponential or
	// decorrelated
	SpawnBackoff   string        `yaml:"spawn_backoff"`
	SpawnJitter    string        `yaml:"spawn_jitter"`
	SpawnBaseDelay time.Duration `yaml:"spawn_base_delay"`
	SpawnMaxDelay  time.Duration `yaml:"spawn_max_delay"`
}

// Spawn retry delays used when a strategy is named without them
const (
	DefaultSpawnBaseDelay = 15 * time.Millisecond
	DefaultSpawnMaxDelay  = time.Second
)

// SpawnStrategy builds the spawn retry strategy the settings describe. It
// returns nil when no spawn field is set.
func (s PoolSettings) SpawnStrategy() (retry.BackoffStrategy, error) {
	if s.SpawnBackoff == "" && s.SpawnJitter == "" && s.SpawnBaseDelay == 0 && s.SpawnMaxDelay == 0 {
		return nil, nil
	}

	jitter, err := retry.ParseJitter(s.SpawnJitter)
	if err != nil {
		return nil, fmt.Errorf("%w: spawn jitter: %w", types.ErrInvalidConfig, err)
	}
	base, maxDelay := s.SpawnBaseDelay, s.SpawnMaxDelay
	if base == 0 {
		base = DefaultSpawnBaseDelay
	}
	if maxDelay == 0 {
		maxDelay = DefaultSpawnMaxDelay
	}
	strategy, err := retry.NewStrategy(s.SpawnBackoff, base, maxDelay, jitter)
	if err != nil {
		return nil, fmt.Errorf("%w: spawn backoff: %w", types.ErrInvalidConfig, err)
	}
	return strategy, nil
}

// LogSettings configures the zap logger
type LogSettings struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// DefaultFile returns a File populated with defaults
func DefaultFile() File {
	return File{
		Decoder: Default(),
		Log: LogSettings{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load reads a YAML file on top of DefaultFile. ${VAR} references are
// replaced with environment values before parsing.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return File{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content on top of DefaultFile
func Parse(data []byte) (File, error) {
	f := DefaultFile()
	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return File{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	f.Decoder = f.Decoder.WithDefaults()
	if err := f.Decoder.Validate(); err != nil {
		return File{}, err
	}
	if _, err := f.Pool.SpawnStrategy(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Save writes f as YAML
func Save(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
