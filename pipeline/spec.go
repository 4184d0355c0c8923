package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/internal/errs"
	"gopkg.in/yaml.v3"
)

// StepSpec names one transform and its parameters.
type StepSpec struct {
	Transform string         `json:"transform" yaml:"transform" toml:"transform"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
}

// Spec is the declarative form of a projection config.
type Spec struct {
	Name     string     `json:"name" yaml:"name" toml:"name"`
	Version  string     `json:"version" yaml:"version" toml:"version"`
	InputDim int        `json:"input_dim" yaml:"input_dim" toml:"input_dim"`
	Steps    []StepSpec `json:"steps" yaml:"steps" toml:"steps"`
}

// Format is a spec encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: unsupported spec file extension %q", errs.ErrInvalidArgument, filepath.Ext(path))
	}
}

// DecodeSpec parses a spec in the given format.
func DecodeSpec(data []byte, format Format) (Spec, error) {
	var s Spec
	switch format {
	case FormatJSON:
		if err := codec.Default.Unmarshal(data, &s); err != nil {
			return Spec{}, fmt.Errorf("%w: decode json spec: %w", errs.ErrInvalidArgument, err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return Spec{}, fmt.Errorf("%w: decode yaml spec: %w", errs.ErrInvalidArgument, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &s)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: decode toml spec: %w", errs.ErrInvalidArgument, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Spec{}, fmt.Errorf("%w: unknown toml keys %v", errs.ErrInvalidArgument, undecoded)
		}
	default:
		return Spec{}, fmt.Errorf("%w: unknown spec format %q", errs.ErrInvalidArgument, format)
	}
	return s, nil
}

// LoadSpecFile reads and decodes a spec file; the format follows the extension.
func LoadSpecFile(path string) (Spec, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Spec{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read spec %s: %w", path, err)
	}
	s, err := DecodeSpec(data, format)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
