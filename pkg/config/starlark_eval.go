package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultScriptTimeout bounds one script execution.
const DefaultScriptTimeout = 5 * time.Second

const defaultMaxSteps = 10_000_000

// Component scripts run at top level, so branching and reassigning globals
// must be allowed outside functions.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkEvaluator runs component scripts under a wall-clock timeout and an
// execution step budget. Scripts see the json, math and time modules and the
// struct builtin in addition to their inputs.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means
// DefaultScriptTimeout.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{timeout: timeout, maxSteps: defaultMaxSteps, logger: logger}
}

// WithMaxSteps returns a copy with a different step budget. Zero removes it.
func (se *StarlarkEvaluator) WithMaxSteps(n uint64) *StarlarkEvaluator {
	cp := *se
	cp.maxSteps = n
	return &cp
}

// Evaluate runs script with input bound as predeclared names and returns its
// data globals. Names starting with "_" and functions are not returned.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.EvaluateFile(ctx, "script.star", script, input)
}

// EvaluateFile is Evaluate with filename used in positions and log lines.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	res := &StarlarkResult{}

	globals, err := se.exec(ctx, filename, script, input)
	if err == nil {
		res.Output, err = exportGlobals(globals)
	}
	res.ExecutionTime = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

func (se *StarlarkEvaluator) exec(ctx context.Context, filename, script string, input map[string]interface{}) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
		"time":   starlarktime.Module,
	}
	for name, v := range input {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", name, err)
		}
		predeclared[name] = sv
	}

	logger := se.logger.With().Str("script", filename).Logger()
	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, msg string) { logger.Debug().Msg(msg) },
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	runCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
			return
		}
		thread.Cancel(runCtx.Err().Error())
	})
	defer stop()

	globals, err := starlark.ExecFileOptions(scriptOptions, thread, filename, script, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	return globals, nil
}

func exportGlobals(globals starlark.StringDict) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		out[name] = gv
	}
	return out, nil
}

// toStarlark converts a Go value built from manifest data. Maps must have
// string keys and are inserted in key order so scripts iterate them
// deterministically.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return starlark.Float(f), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return starlark.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return starlark.MakeUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(rv.Float()), nil
	case reflect.String:
		return starlark.String(rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return starlark.None, nil
		}
		return toStarlark(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		elems := make([]starlark.Value, rv.Len())
		for i := range elems {
			e, err := toStarlark(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return starlark.NewList(elems), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type: %s", rv.Type().Key())
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, func(a, b reflect.Value) int { return strings.Compare(a.String(), b.String()) })
		dict := starlark.NewDict(len(keys))
		for _, k := range keys {
			e, err := toStarlark(rv.MapIndex(k).Interface())
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k.String()), e); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// fromStarlark converts a script value to plain Go data: nil, bool, int64,
// float64, string, []interface{} or map[string]interface{}. Structs become
// maps of their fields.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", x)
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return string(x), nil
	case starlark.IterableMapping:
		out := make(map[string]interface{})
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			e, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil
	case starlark.Iterable:
		var out []interface{}
		iter := x.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			e, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		if out == nil {
			out = []interface{}{}
		}
		return out, nil
	case starlark.HasAttrs:
		out := make(map[string]interface{})
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil || attr == nil {
				continue
			}
			if _, ok := attr.(starlark.Callable); ok {
				continue
			}
			e, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
