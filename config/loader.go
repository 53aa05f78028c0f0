package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/edup2p/meshwire/types/key"
	"gopkg.in/yaml.v3"
)

// Format is the file format of a configuration.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

var ErrUnknownFormat = errors.New("unknown configuration format")

// FormatOf picks the format by file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads and validates the configuration at path, on top of Default.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, format)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromReader parses and validates a configuration, on top of Default.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	cfg := Default()

	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, cfg)
	case FormatTOML:
		_, err = toml.Decode(string(data), cfg)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s configuration: %w", format, err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrCreate loads the configuration at path, writing a default one with a fresh identity first if
// there is none.
func LoadOrCreate(path string) (*Config, error) {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := WriteNew(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	return Load(path)
}

// WriteNew writes a default configuration with a fresh identity to path.
func WriteNew(path string) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}

	cfg := Default()
	cfg.PrivateKey = key.NewIdentity()

	var b []byte

	switch format {
	case FormatYAML:
		b, err = yaml.Marshal(cfg)
	case FormatTOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		b = buf.Bytes()
	case FormatJSON:
		b, err = json.MarshalIndent(cfg, "", "\t")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o600)
}
