// Package server implements the server half of peer-rpc: the control-port
// listener, the per-peer acceptor with its ephemeral data socket, and the
// executors that run invocations.
package server

import (
	"fmt"
	"reflect"
	"sync"
	"unicode"
)

// ModuleSet is the local function-dispatch table. Receiver structs register
// under module names; their exported methods become remotely callable by
// function name.
type ModuleSet struct {
	mu      sync.RWMutex
	modules map[string]*module
}

type module struct {
	name string
	rcvr reflect.Value
	typ  reflect.Type
}

func NewModuleSet() *ModuleSet {
	return &ModuleSet{modules: make(map[string]*module)}
}

// Register exposes rcvr's exported methods under the given module name.
// rcvr must be a pointer to a struct.
func (ms *ModuleSet) Register(name string, rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: module %q receiver must be a pointer to a struct", name)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, dup := ms.modules[name]; dup {
		return fmt.Errorf("rpc: module %q already registered", name)
	}
	ms.modules[name] = &module{name: name, rcvr: reflect.ValueOf(rcvr), typ: typ}
	return nil
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Invoke calls module:function(args...) and returns the result value.
// Function names are matched exactly first, then with the first rune
// upper-cased, so wire-level "add" reaches the exported method Add.
//
// Supported method shapes: any parameter list fillable from args, returning
// (), (error), (T), or (T, error).
func (ms *ModuleSet) Invoke(moduleName, function string, args []any) (any, error) {
	ms.mu.RLock()
	mod, ok := ms.modules[moduleName]
	ms.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: module %q not registered", moduleName)
	}

	method := mod.rcvr.MethodByName(function)
	if !method.IsValid() {
		method = mod.rcvr.MethodByName(exported(function))
	}
	if !method.IsValid() {
		return nil, fmt.Errorf("rpc: function %s:%s not found", moduleName, function)
	}

	mt := method.Type()
	if mt.IsVariadic() || mt.NumIn() != len(args) {
		return nil, fmt.Errorf("rpc: %s:%s takes %d arguments, got %d",
			moduleName, function, mt.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := convertArg(mt.In(i), arg)
		if err != nil {
			return nil, fmt.Errorf("rpc: %s:%s argument %d: %w", moduleName, function, i, err)
		}
		in[i] = v
	}

	out := method.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if mt.Out(0) == errType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if mt.Out(1) != errType {
			return nil, fmt.Errorf("rpc: %s:%s has unsupported return shape", moduleName, function)
		}
		return out[0].Interface(), asError(out[1])
	default:
		return nil, fmt.Errorf("rpc: %s:%s has unsupported return shape", moduleName, function)
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// convertArg adapts a decoded term to a method parameter type. Decoded
// integers arrive as int64 and narrow to any signed integer parameter when
// the value fits; strings and binaries convert to each other. Sequences
// (List, Tuple) are passed only to parameters they are assignable or
// convertible to; their elements are not converted.
func convertArg(t reflect.Type, arg any) (reflect.Value, error) {
	if arg == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil not assignable to %s", t)
	}
	av := reflect.ValueOf(arg)
	if av.Type().AssignableTo(t) {
		return av, nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := arg.(int64); ok {
			v := reflect.New(t).Elem()
			if v.OverflowInt(n) {
				return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
			}
			v.SetInt(n)
			return v, nil
		}
	case reflect.String:
		if b, ok := arg.([]byte); ok {
			return reflect.ValueOf(string(b)).Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if s, ok := arg.(string); ok {
				return reflect.ValueOf([]byte(s)).Convert(t), nil
			}
		}
	}
	if av.Type().ConvertibleTo(t) && av.Kind() == t.Kind() {
		return av.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("%T not assignable to %s", arg, t)
}

func exported(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Modules returns the registered module names, for logging and health.
func (ms *ModuleSet) Modules() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	names := make([]string, 0, len(ms.modules))
	for name := range ms.modules {
		names = append(names, name)
	}
	return names
}
