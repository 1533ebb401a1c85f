package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "90s" or "5m" in config files.
// Bare integers are read as seconds.
type Duration struct {
	time.Duration
}

// Seconds returns a Duration of n seconds.
func Seconds(n int) Duration { return Duration{time.Duration(n) * time.Second} }

// Minutes returns a Duration of n minutes.
func Minutes(n int) Duration { return Duration{time.Duration(n) * time.Minute} }

// UnmarshalYAML accepts duration strings and integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the canonical string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalText is used by the TOML decoder and viper string values.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText writes the canonical string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}
