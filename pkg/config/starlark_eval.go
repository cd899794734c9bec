package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs the Starlark scripts behind scripted blueprint types.
// Scripts are hermetic: no load(), no file or network access.
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger.With().Str("component", "starlark").Logger(),
	}
}

// Evaluate executes a script with the given globals and returns its public globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.run(ctx, name, func(thread *starlark.Thread) (map[string]interface{}, error) {
		globals, err := se.exec(thread, name, script, input)
		if err != nil {
			return nil, err
		}

		output := make(map[string]interface{})
		for key, val := range globals {
			if len(key) > 0 && key[0] == '_' {
				continue
			}
			if _, ok := val.(starlark.Callable); ok {
				continue
			}
			goVal, err := fromStarlarkValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert output %s: %w", key, err)
			}
			output[key] = goVal
		}
		return output, nil
	})
}

// Call executes a script and invokes one of its top-level functions with a
// single dict argument. The function must return a dict or None.
func (se *StarlarkEvaluator) Call(ctx context.Context, name, script, function string, arg map[string]interface{}) (*StarlarkResult, error) {
	return se.run(ctx, name, func(thread *starlark.Thread) (map[string]interface{}, error) {
		globals, err := se.exec(thread, name, script, nil)
		if err != nil {
			return nil, err
		}

		fn, ok := globals[function].(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("function %s is not defined in %s", function, name)
		}

		starlarkArg, err := toStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument: %w", err)
		}

		ret, err := starlark.Call(thread, fn, starlark.Tuple{starlarkArg}, nil)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", function, err)
		}

		switch ret.(type) {
		case starlark.NoneType:
			return map[string]interface{}{}, nil
		case *starlark.Dict, *starlarkstruct.Struct:
		default:
			return nil, fmt.Errorf("%s returned %s, want dict", function, ret.Type())
		}

		goVal, err := fromStarlarkValue(ret)
		if err != nil {
			return nil, fmt.Errorf("failed to convert result of %s: %w", function, err)
		}
		return goVal.(map[string]interface{}), nil
	})
}

// Functions lists the top-level functions a script defines.
func (se *StarlarkEvaluator) Functions(name, script string) ([]string, error) {
	thread := se.thread(name)
	globals, err := se.exec(thread, name, script, nil)
	if err != nil {
		return nil, err
	}

	var names []string
	for key, val := range globals {
		if _, ok := val.(*starlark.Function); ok && key[0] != '_' {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names, nil
}

// run executes fn on a fresh thread bounded by the evaluator timeout and ctx.
func (se *StarlarkEvaluator) run(ctx context.Context, name string, fn func(*starlark.Thread) (map[string]interface{}, error)) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := se.thread(name)

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := fn(thread)
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		err := fmt.Errorf("starlark execution of %s timed out after %v", name, se.timeout)
		if ctx.Err() != nil {
			err = fmt.Errorf("starlark execution of %s cancelled: %w", name, ctx.Err())
		}
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	case res := <-done:
		result := &StarlarkResult{
			Output:        res.output,
			ExecutionTime: time.Since(startTime),
		}
		if res.err != nil {
			result.Error = res.err.Error()
			return result, res.err
		}
		return result, nil
	}
}

func (se *StarlarkEvaluator) thread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: "blueprintd/" + name,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", name).Msg(msg)
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not allowed", module)
		},
	}
}

func (se *StarlarkEvaluator) exec(thread *starlark.Thread, name, script string, input map[string]interface{}) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	return globals, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// JSON numbers decode as float64; keep whole numbers as ints.
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
