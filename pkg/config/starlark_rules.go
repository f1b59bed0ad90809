package config

import (
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// ruleEntryPoint is the function every rule script must define.
const ruleEntryPoint = "configure"

// StarlarkEvaluator compiles configure rule scripts.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator. timeout bounds a
// single rule invocation.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// RuleScript is a compiled rule body. Its globals are frozen, so one script
// may run concurrently for different entities.
type RuleScript struct {
	name    string
	fn      *starlark.Function
	timeout time.Duration
}

// Compile executes script once and extracts configure(conf, target, entity).
func (se *StarlarkEvaluator) Compile(name, script string) (*RuleScript, error) {
	thread := &starlark.Thread{
		Name:  "compile:" + name,
		Print: func(*starlark.Thread, string) {},
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	val, ok := globals[ruleEntryPoint]
	if !ok {
		return nil, fmt.Errorf("script %s does not define %s()", name, ruleEntryPoint)
	}

	fn, ok := val.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s in script %s is a %s, not a function", ruleEntryPoint, name, val.Type())
	}

	if fn.NumParams() != 3 {
		return nil, fmt.Errorf("%s in script %s must take (conf, target, entity), got %d parameters", ruleEntryPoint, name, fn.NumParams())
	}

	return &RuleScript{name: name, fn: fn, timeout: se.timeout}, nil
}

// Name returns the script name, usually Type.Rule.
func (rs *RuleScript) Name() string {
	return rs.name
}

// Body adapts the script to an engine rule body.
func (rs *RuleScript) Body() engine.RuleFunc {
	return func(entity *engine.Configurable, conf *engine.Configuration, target engine.Target) error {
		thread := &starlark.Thread{
			Name:  rs.name,
			Print: func(*starlark.Thread, string) {},
		}

		timer := time.AfterFunc(rs.timeout, func() {
			thread.Cancel(fmt.Sprintf("execution timeout after %v", rs.timeout))
		})
		defer timer.Stop()

		args := starlark.Tuple{
			newConfValue(conf),
			newTargetValue(entity.Schema().Registry(), target),
			newEntityValue(entity),
		}

		if _, err := starlark.Call(thread, rs.fn, args, nil); err != nil {
			return fmt.Errorf("rule script %s: %w", rs.name, err)
		}
		return nil
	}
}

// newConfValue exposes a Configuration as conf.set/append/get/depend.
func newConfValue(conf *engine.Configuration) starlark.Value {
	set := starlark.NewBuiltin("set", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var value starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &key, &value); err != nil {
			return nil, err
		}
		goVal, err := fromStarlarkValue(value)
		if err != nil {
			return nil, err
		}
		return starlark.None, conf.Set(key, goVal)
	})

	appendFn := starlark.NewBuiltin("append", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("%s: want key and at least one value", b.Name())
		}
		key, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: key must be a string, got %s", b.Name(), args[0].Type())
		}
		values := make([]string, 0, len(args)-1)
		for _, v := range args[1:] {
			s, ok := starlark.AsString(v)
			if !ok {
				return nil, fmt.Errorf("%s: values must be strings, got %s", b.Name(), v.Type())
			}
			values = append(values, s)
		}
		return starlark.None, conf.Append(key, values...)
	})

	get := starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
			return nil, err
		}
		v, ok := conf.Get(key)
		if !ok {
			return def, nil
		}
		return toStarlarkValue(v)
	})

	depend := starlark.NewBuiltin("depend", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		depType := string(engine.DependencyPrivate)
		settings := "default"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "entity", &name, "type?", &depType, "settings?", &settings); err != nil {
			return nil, err
		}
		parsed, err := engine.ParseDependencySetting(settings)
		if err != nil {
			return nil, err
		}
		return starlark.None, conf.AddDependency(engine.Dependency{
			Entity:   name,
			Type:     engine.DependencyType(depType),
			Settings: parsed,
		})
	})

	return starlarkstruct.FromStringDict(starlark.String("conf"), starlark.StringDict{
		"set":    set,
		"append": appendFn,
		"get":    get,
		"depend": depend,
		"entity": starlark.String(conf.Entity()),
	})
}

// newTargetValue exposes a Target as target.name, target.get(dim) and
// target.has("dim.a|b").
func newTargetValue(registry *engine.FragmentRegistry, target engine.Target) starlark.Value {
	get := starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var dim string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &dim); err != nil {
			return nil, err
		}
		if _, ok := target.Value(dim); !ok {
			return nil, fmt.Errorf("%s: target has no dimension %q", b.Name(), dim)
		}
		return starlark.String(target.Get(dim)), nil
	})

	has := starlark.NewBuiltin("has", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var expr string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &expr); err != nil {
			return nil, err
		}
		v, err := registry.ParseValue(expr)
		if err != nil {
			return nil, err
		}
		return starlark.Bool(target.AndMask(v)), nil
	})

	return starlarkstruct.FromStringDict(starlark.String("target"), starlark.StringDict{
		"name": starlark.String(target.String()),
		"get":  get,
		"has":  has,
	})
}

// newEntityValue exposes the entity's identity. set_identity fails while the
// entity is being resolved.
func newEntityValue(entity *engine.Configurable) starlark.Value {
	setIdentity := starlark.NewBuiltin("set_identity", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prop string
		var value starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &prop, &value); err != nil {
			return nil, err
		}
		goVal, err := fromStarlarkValue(value)
		if err != nil {
			return nil, err
		}
		return starlark.None, entity.SetIdentityAt(prop, goVal, thread.CallFrame(1).Pos.String())
	})

	identity := starlark.NewBuiltin("identity", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prop string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &prop); err != nil {
			return nil, err
		}
		v, ok := entity.Identity(prop)
		if !ok {
			return starlark.None, nil
		}
		return toStarlarkValue(v)
	})

	return starlarkstruct.FromStringDict(starlark.String("entity"), starlark.StringDict{
		"name":         starlark.String(entity.Name()),
		"type":         starlark.String(entity.Type().Name()),
		"set_identity": setIdentity,
		"identity":     identity,
	})
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
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
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
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
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

// fromStarlarkValue converts a Starlark value to a Go value. Lists of strings
// become []string so conf.append can extend them.
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
		return fromStarlarkSequence(val)
	case starlark.Tuple:
		return fromStarlarkSequence(val)
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

func fromStarlarkSequence(seq starlark.Indexable) (interface{}, error) {
	items := make([]interface{}, seq.Len())
	allStrings := true
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		if _, ok := item.(string); !ok {
			allStrings = false
		}
		items[i] = item
	}

	if allStrings {
		strs := make([]string, len(items))
		for i, item := range items {
			strs[i] = item.(string)
		}
		return strs, nil
	}
	return items, nil
}
