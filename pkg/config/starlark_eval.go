package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/autoflow/autoflow/pkg/integration"
	"github.com/autoflow/autoflow/pkg/recovery"
)

// DefaultEvalTimeout bounds the evaluation of one definition file.
const DefaultEvalTimeout = 30 * time.Second

// DefinitionLoader evaluates Starlark workflow definitions.
//
// A definition file declares its steps with step() and exactly one workflow():
//
//	common = {"AGENT_VERSION": version}
//
//	fetch = step("fetch", "scripts/fetch.sh", retries=2, retry_delay="5s", env=common)
//	install = step("install", "scripts/install.sh", after=["fetch"], backend="docker",
//	               timeout="10m", least_privilege=True)
//	verify = step("verify", "scripts/verify.sh", after=["install"], optional=True)
//
//	workflow("agent", [fetch, install, verify], operation="install")
//
// Variables passed to Load are predeclared globals. Script paths are resolved
// relative to the definition file.
type DefinitionLoader struct {
	timeout time.Duration
}

// NewDefinitionLoader creates a loader. A zero timeout uses DefaultEvalTimeout.
func NewDefinitionLoader(timeout time.Duration) *DefinitionLoader {
	if timeout == 0 {
		timeout = DefaultEvalTimeout
	}
	return &DefinitionLoader{timeout: timeout}
}

// LoadFile reads and evaluates the definition at path.
func (dl *DefinitionLoader) LoadFile(ctx context.Context, path string, vars map[string]interface{}) (*integration.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve definition path: %w", err)
	}

	def, err := dl.Load(ctx, abs, string(src), vars)
	if err != nil {
		return nil, err
	}
	def.Source = abs
	return def, nil
}

// Load evaluates src as the definition file filename.
func (dl *DefinitionLoader) Load(ctx context.Context, filename, src string, vars map[string]interface{}) (*integration.Definition, error) {
	evalCtx, cancel := context.WithTimeout(ctx, dl.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "autoflow",
		Print: func(_ *starlark.Thread, msg string) {
			// print is discarded
		},
	}

	type outcome struct {
		def *integration.Definition
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		def, err := dl.evaluate(thread, filename, src, vars)
		done <- outcome{def, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("evaluation timeout")
		return nil, fmt.Errorf("starlark execution timeout after %v: %w", dl.timeout, evalCtx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.def, nil
	}
}

// collector gathers the workflow() declaration of one evaluation.
type collector struct {
	baseDir string
	defs    []*integration.Definition
}

func (dl *DefinitionLoader) evaluate(thread *starlark.Thread, filename, src string, vars map[string]interface{}) (*integration.Definition, error) {
	c := &collector{baseDir: filepath.Dir(filename)}

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"step":     starlark.NewBuiltin("step", builtinStep),
		"workflow": starlark.NewBuiltin("workflow", c.builtinWorkflow),
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, reserved := predeclared[name]; reserved {
			return nil, fmt.Errorf("variable %s shadows a builtin", name)
		}
		v, err := toStarlarkValue(vars[name])
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", name, err)
		}
		predeclared[name] = v
	}

	if _, err := starlark.ExecFile(thread, filename, src, predeclared); err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	switch len(c.defs) {
	case 0:
		return nil, fmt.Errorf("%s does not declare a workflow", filename)
	case 1:
	default:
		return nil, fmt.Errorf("%s declares %d workflows, expected one", filename, len(c.defs))
	}

	def := c.defs[0]
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// builtinStep implements step(). It returns a struct that workflow() accepts.
func builtinStep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, script, backend, onFailure string
		timeout, retryDelay               starlark.Value = starlark.None, starlark.None
		retries                           int
		optional, leastPrivilege          bool
		after                             *starlark.List
		env                               *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"script", &script,
		"backend?", &backend,
		"timeout?", &timeout,
		"retries?", &retries,
		"retry_delay?", &retryDelay,
		"optional?", &optional,
		"after?", &after,
		"least_privilege?", &leastPrivilege,
		"env?", &env,
		"on_failure?", &onFailure,
	); err != nil {
		return nil, err
	}

	if _, err := toDuration(timeout); err != nil {
		return nil, fmt.Errorf("%s: timeout: %w", b.Name(), err)
	}
	if _, err := toDuration(retryDelay); err != nil {
		return nil, fmt.Errorf("%s: retry_delay: %w", b.Name(), err)
	}
	if onFailure != "" && !recovery.Strategy(onFailure).Valid() {
		return nil, fmt.Errorf("%s: unknown on_failure strategy %q", b.Name(), onFailure)
	}

	if after == nil {
		after = starlark.NewList(nil)
	}
	if env == nil {
		env = starlark.NewDict(0)
	}

	return starlarkstruct.FromStringDict(starlark.String("step"), starlark.StringDict{
		"name":            starlark.String(name),
		"script":          starlark.String(script),
		"backend":         starlark.String(backend),
		"timeout":         timeout,
		"retries":         starlark.MakeInt(retries),
		"retry_delay":     retryDelay,
		"optional":        starlark.Bool(optional),
		"after":           after,
		"least_privilege": starlark.Bool(leastPrivilege),
		"env":             env,
		"on_failure":      starlark.String(onFailure),
	}), nil
}

// builtinWorkflow implements workflow(name, steps, operation="custom").
func (c *collector) builtinWorkflow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name      string
		steps     *starlark.List
		operation = string(integration.OperationCustom)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "steps", &steps, "operation?", &operation); err != nil {
		return nil, err
	}

	def := &integration.Definition{
		Name:      name,
		Operation: integration.Operation(operation),
		Steps:     make([]integration.Step, 0, steps.Len()),
	}
	for i := 0; i < steps.Len(); i++ {
		s, ok := steps.Index(i).(*starlarkstruct.Struct)
		if !ok || s.Constructor() != starlark.String("step") {
			return nil, fmt.Errorf("%s: steps[%d] is %s, want a step()", b.Name(), i, steps.Index(i).Type())
		}
		raw, err := fromStarlarkValue(s)
		if err != nil {
			return nil, fmt.Errorf("%s: steps[%d]: %w", b.Name(), i, err)
		}
		step, err := c.decodeStep(raw.(map[string]interface{}))
		if err != nil {
			return nil, fmt.Errorf("%s: steps[%d]: %w", b.Name(), i, err)
		}
		def.Steps = append(def.Steps, step)
	}

	c.defs = append(c.defs, def)
	return starlark.None, nil
}

func (c *collector) decodeStep(m map[string]interface{}) (integration.Step, error) {
	step := integration.Step{
		Name:           m["name"].(string),
		Script:         m["script"].(string),
		Backend:        m["backend"].(string),
		Optional:       m["optional"].(bool),
		LeastPrivilege: m["least_privilege"].(bool),
		OnFailure:      recovery.Strategy(m["on_failure"].(string)),
	}

	if step.Script != "" && !filepath.IsAbs(step.Script) {
		step.Script = filepath.Join(c.baseDir, step.Script)
	}
	if n, ok := m["retries"].(int64); ok {
		step.Retries = int(n)
	}

	var err error
	if step.Timeout, err = goDuration(m["timeout"]); err != nil {
		return step, fmt.Errorf("timeout: %w", err)
	}
	if step.RetryDelay, err = goDuration(m["retry_delay"]); err != nil {
		return step, fmt.Errorf("retry_delay: %w", err)
	}

	if list, ok := m["after"].([]interface{}); ok {
		for _, v := range list {
			dep, ok := v.(string)
			if !ok {
				return step, fmt.Errorf("after entries must be strings, got %T", v)
			}
			step.After = append(step.After, dep)
		}
	}
	if dict, ok := m["env"].(map[string]interface{}); ok && len(dict) > 0 {
		step.Env = make(map[string]string, len(dict))
		for k, v := range dict {
			step.Env[k] = fmt.Sprint(v)
		}
	}
	return step, nil
}

// toDuration accepts None, a number of seconds or a Go duration string.
func toDuration(v starlark.Value) (time.Duration, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return 0, err
	}
	return goDuration(goVal)
}

func goDuration(v interface{}) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		return time.ParseDuration(val)
	default:
		return 0, fmt.Errorf("expected seconds or a duration string, got %T", v)
	}
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
		for k, v := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
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
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
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
