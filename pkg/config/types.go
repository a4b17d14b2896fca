package config

import (
	"fmt"
	"strings"
	"time"
)

// Manifest declares a set of components and how each one is built.
type Manifest struct {
	// Name identifies the manifest; it is the default cache key.
	Name string `json:"name" yaml:"name" validate:"required,component_id"`

	// Version is a free-form manifest version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// MaxDepth overrides the dependency chain ceiling.
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty" validate:"omitempty,min=1"`

	// Variables are exposed to every component script as vars.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Cache configures persisted resolution order.
	Cache *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`

	// Components are the constructible units.
	Components []ComponentConfig `json:"components" yaml:"components" validate:"required,min=1,unique=ID,dive"`

	// Source is the file the manifest was loaded from.
	Source string `json:"-" yaml:"-"`
}

// CacheConfig configures persisted resolution order for a manifest.
type CacheConfig struct {
	// Enabled turns caching on. Defaults to true when the block is present.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Key overrides the cache key (default: manifest name).
	Key string `json:"key,omitempty" yaml:"key,omitempty" validate:"omitempty,component_id"`
}

// ComponentConfig describes one component.
type ComponentConfig struct {
	// ID is unique within the manifest.
	ID string `json:"id" yaml:"id" validate:"required,component_id"`

	// Name is the display name used in diagnostics (default: ID).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// DependsOn lists the IDs of direct dependencies in order.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"omitempty,unique,dive,component_id"`

	// Script is a Starlark program that assigns value. Leaving value unset
	// or None reports the component as not ready.
	Script string `json:"script,omitempty" yaml:"script,omitempty" validate:"required_without=Value"`

	// Value is a static instance used when there is no script.
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// Labels are exposed to policies.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (c ComponentConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// CacheEnabled reports whether the manifest asks for caching.
func (m *Manifest) CacheEnabled() bool {
	if m.Cache == nil {
		return false
	}
	return m.Cache.Enabled == nil || *m.Cache.Enabled
}

// CacheKey returns the configured cache key, or the manifest name.
func (m *Manifest) CacheKey() string {
	if m.Cache != nil && m.Cache.Key != "" {
		return m.Cache.Key
	}
	return m.Name
}

// Component returns the component with the given ID.
func (m *Manifest) Component(id string) (ComponentConfig, bool) {
	for _, c := range m.Components {
		if c.ID == id {
			return c, true
		}
	}
	return ComponentConfig{}, false
}

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return FormatYAML, nil
	case strings.HasSuffix(path, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(path, ".cue"):
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension: %s", path)
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "components[2].depends_on").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// ValidationErrors is a list of problems found in a manifest.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, v := range ve {
		msgs[i] = v.String()
	}
	return strings.Join(msgs, "; ")
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
