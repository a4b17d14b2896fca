package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/inittree/pkg/engine"
)

var componentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Loader parses and validates component manifests.
type Loader struct {
	registry *SchemaRegistry
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a loader with the built-in manifest schema.
func NewLoader(logger zerolog.Logger) *Loader {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("component_id", func(fl validator.FieldLevel) bool {
		return componentIDPattern.MatchString(fl.Field().String())
	})

	return &Loader{
		registry: NewSchemaRegistry(),
		validate: v,
		logger:   logger.With().Str("component", "manifest-loader").Logger(),
	}
}

// Registry returns the schema registry used for CUE validation.
func (l *Loader) Registry() *SchemaRegistry {
	return l.registry
}

// LoadFile reads, parses and validates the manifest at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, engine.NewPermanentError("cannot load manifest", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := l.Parse(ctx, data, format, path)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, m); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("manifest", m.Name).
		Str("file", path).
		Int("components", len(m.Components)).
		Msg("Manifest loaded")
	return m, nil
}

// Parse decodes a manifest without validating it. CUE input is unified with
// the #Manifest schema while decoding, so schema errors surface here with
// source positions.
func (l *Loader) Parse(ctx context.Context, data []byte, format Format, filename string) (*Manifest, error) {
	var m Manifest

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, parseError(filename, err)
		}
		m.Variables = normalizeYAML(m.Variables)
		for i := range m.Components {
			m.Components[i].Value = normalizeYAMLValue(m.Components[i].Value)
		}

	case FormatJSON:
		if err := decodeJSON(data, &m); err != nil {
			return nil, parseError(filename, err)
		}

	case FormatCUE:
		exported, err := l.exportCUE(data, filename)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(exported, &m); err != nil {
			return nil, parseError(filename, err)
		}

	default:
		return nil, parseError(filename, fmt.Errorf("unsupported format %q", format))
	}

	m.Source = filename
	return &m, nil
}

// exportCUE compiles a CUE manifest, closes it with #Manifest and exports it
// as JSON.
func (l *Loader) exportCUE(data []byte, filename string) ([]byte, error) {
	cctx := l.registry.Context()
	val := cctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, validationFailure(filename, convertCUEErrors(err))
	}

	schema, ok := l.registry.GetSchema("manifest")
	if !ok {
		return nil, fmt.Errorf("manifest schema not registered")
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, validationFailure(filename, convertCUEErrors(err))
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, validationFailure(filename, convertCUEErrors(err))
	}
	return out, nil
}

// Validate checks struct constraints, the CUE schema and cross-component
// references. Every problem found is reported in one ValidationErrors.
func (l *Loader) Validate(ctx context.Context, m *Manifest) error {
	var verrs ValidationErrors

	if err := l.validate.StructCtx(ctx, m); err != nil {
		verrs = append(verrs, l.convertValidatorErrors(m.Source, err)...)
	}

	// The schema repeats most struct constraints; only consult it when the
	// struct is clean so each problem is reported once.
	if len(verrs) == 0 {
		if err := l.registry.ValidateManifest(ctx, m); err != nil {
			verrs = append(verrs, convertCUEErrors(err)...)
		}
	}

	verrs = append(verrs, checkReferences(m)...)

	if len(verrs) > 0 {
		for i := range verrs {
			if verrs[i].File == "" {
				verrs[i].File = m.Source
			}
		}
		l.logger.Debug().Str("manifest", m.Name).Int("errors", len(verrs)).Msg("Manifest validation failed")
		return validationFailure(m.Name, verrs)
	}
	return nil
}

// checkReferences reports depends_on entries naming no component.
func checkReferences(m *Manifest) ValidationErrors {
	known := make(map[string]bool, len(m.Components))
	for _, c := range m.Components {
		known[c.ID] = true
	}

	var verrs ValidationErrors
	for i, c := range m.Components {
		for j, dep := range c.DependsOn {
			if !known[dep] {
				verrs = append(verrs, ValidationError{
					Path:     fmt.Sprintf("components[%d].depends_on[%d]", i, j),
					Message:  fmt.Sprintf("component %q depends on unknown component %q", c.ID, dep),
					Severity: "error",
				})
			}
		}
	}
	return verrs
}

func (l *Loader) convertValidatorErrors(file string, err error) ValidationErrors {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{File: file, Message: err.Error(), Severity: "error"}}
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed on '%s' validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on '%s=%s' validation", fe.Tag(), fe.Param())
		}
		verrs = append(verrs, ValidationError{
			File:     file,
			Path:     strings.TrimPrefix(fe.Namespace(), "Manifest."),
			Message:  msg,
			Severity: "error",
		})
	}
	return verrs
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var verrs ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		verrs = append(verrs, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return verrs
}

func validationFailure(resource string, verrs ValidationErrors) error {
	return engine.NewPermanentError("manifest validation failed", verrs).
		WithCode(engine.ErrCodeValidation).
		WithResource(resource)
}

func parseError(filename string, err error) error {
	return engine.NewPermanentError("cannot parse manifest", err).
		WithCode(engine.ErrCodeValidation).
		WithResource(filename)
}

// decodeJSON decodes strictly and keeps numbers exact.
func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// normalizeYAML rewrites map[interface{}]interface{} values (YAML mappings
// with non-string keys) into string-keyed maps.
func normalizeYAML(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = normalizeYAMLValue(v)
	}
	return m
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeYAML(val)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(item)
		}
		return out
	case []interface{}:
		for i := range val {
			val[i] = normalizeYAMLValue(val[i])
		}
		return val
	default:
		return v
	}
}
