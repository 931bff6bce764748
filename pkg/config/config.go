package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies a configuration file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the encoding from the file extension. Anything that is not
// .json is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load decodes the file at path into target.
func Load(path string, target interface{}) error {
	// #nosec G304 -- path is chosen by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := Decode(data, FormatOf(path), target); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals data in the given format into target.
func Decode(data []byte, format Format, target interface{}) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, target)
	case FormatYAML, "":
		return yaml.Unmarshal(data, target)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

// LoadWithEnv loads path, then applies PREFIX_* environment overrides.
func LoadWithEnv(path, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return err
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// Save writes config to path in the format implied by its extension.
func Save(path string, config interface{}) error {
	var (
		data []byte
		err  error
	)
	if FormatOf(path) == FormatJSON {
		data, err = json.MarshalIndent(config, "", "  ")
	} else {
		data, err = yaml.Marshal(config)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// Configs may carry DSNs and signing secrets.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
