package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("90s", "2m") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", asString, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var asSeconds int64
	if err := value.Decode(&asSeconds); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(asSeconds) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
