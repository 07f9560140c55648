package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// LookupFunc resolves a read-only value for scripts, e.g. an organisation
// unit by code. Missing values return found=false.
type LookupFunc func(ctx context.Context, key string) (value interface{}, found bool, err error)

// Failure is thrown by the fail() builtin. It aborts the request as a data
// error.
type Failure struct {
	Message string
}

var errTimeout = errors.New("script execution timed out")

// Result is the output of a transform script.
type Result struct {
	Output resource.Resource
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds a single script execution.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the logger used by utils.log.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithLookup registers a read-only lookup reachable as utils.lookup(kind, key).
func WithLookup(kind string, fn LookupFunc) Option {
	return func(e *Executor) { e.lookups[kind] = fn }
}

// Executor compiles and runs scripts. Compiled programs are shared; every
// execution gets a fresh runtime.
type Executor struct {
	timeout time.Duration
	logger  zerolog.Logger
	lookups map[string]LookupFunc

	mu       sync.RWMutex
	programs map[string]*goja.Program
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		timeout:  5 * time.Second,
		logger:   zerolog.Nop(),
		lookups:  make(map[string]LookupFunc),
		programs: make(map[string]*goja.Program),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunApplicability evaluates an applicability script. A nil script always
// applies; otherwise only a returned true does.
func (e *Executor) RunApplicability(ctx context.Context, s *Script, vars Variables) (bool, error) {
	if s == nil {
		return true, nil
	}
	v, _, err := e.run(ctx, s, vars)
	if err != nil {
		return false, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false, nil
	}
	b, ok := v.Export().(bool)
	return ok && b, nil
}

// RunTransform executes a transform script. The script mutates the bound
// output or returns a new object; returning false skips the rule and yields
// a nil Result.
func (e *Executor) RunTransform(ctx context.Context, s *Script, vars Variables) (*Result, error) {
	if s == nil {
		return nil, syncerr.Fatalf("rule has no transform script")
	}
	v, rt, err := e.run(ctx, s, vars)
	if err != nil {
		return nil, err
	}
	if b, ok := v.Export().(bool); ok && !b {
		return nil, nil
	}

	out := v
	if _, isObj := v.(*goja.Object); !isObj {
		out = rt.Get(VarOutput)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, syncerr.Dataf("script %s produced no output", s.Name)
	}
	res, err := toResource(out.Export())
	if err != nil {
		return nil, syncerr.Fatal(err, "script "+s.Name)
	}
	return &Result{Output: res}, nil
}

// program returns the compiled form of s, compiling at most once per
// id and checksum.
func (e *Executor) program(s *Script) (*goja.Program, error) {
	key := s.CacheKey()
	e.mu.RLock()
	p, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := goja.Compile(s.Name, "(function() {\n"+s.Source+"\n})()", false)
	if err != nil {
		return nil, syncerr.Fatal(err, "compile script "+s.Name)
	}
	e.mu.Lock()
	e.programs[key] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Executor) run(ctx context.Context, s *Script, vars Variables) (goja.Value, *goja.Runtime, error) {
	prog, err := e.program(s)
	if err != nil {
		return nil, nil, err
	}

	rt := goja.New()
	var lookupErr error
	if err := e.bind(ctx, rt, s, vars, &lookupErr); err != nil {
		return nil, nil, syncerr.Fatal(err, "bind variables for script "+s.Name)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	if e.timeout > 0 {
		timer := time.AfterFunc(e.timeout, func() { rt.Interrupt(errTimeout) })
		defer timer.Stop()
	}

	start := time.Now()
	v, err := rt.RunProgram(prog)
	e.logger.Debug().
		Str("script", s.Name).
		Dur("elapsed", time.Since(start)).
		Msg("script executed")

	if lookupErr != nil {
		return nil, nil, syncerr.Technical(lookupErr, "lookup in script "+s.Name)
	}
	if err != nil {
		return nil, nil, classify(s, err)
	}
	return v, rt, nil
}

func classify(s *Script, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && cause != errTimeout {
			return fmt.Errorf("script %s: %w", s.Name, cause)
		}
		return syncerr.Fatalf("script %s: %v", s.Name, errTimeout)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if f, ok := ex.Value().Export().(*Failure); ok {
			return syncerr.Dataf("script %s failed: %s", s.Name, f.Message)
		}
	}
	return syncerr.Fatal(err, "script "+s.Name)
}

// bind installs the variables, fail() and the read-only utils object.
// Data values enter the runtime through JSON so scripts only ever see
// private native copies.
func (e *Executor) bind(ctx context.Context, rt *goja.Runtime, s *Script, vars Variables, lookupErr *error) error {
	parse, ok := goja.AssertFunction(rt.Get("JSON").ToObject(rt).Get("parse"))
	if !ok {
		return fmt.Errorf("JSON.parse unavailable")
	}
	toJS := func(v interface{}) (goja.Value, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return parse(goja.Undefined(), rt.ToValue(string(raw)))
	}

	for _, name := range vars.Names() {
		v, _ := vars.Get(name)
		jv, err := toJS(v)
		if err != nil {
			return fmt.Errorf("variable %s: %w", name, err)
		}
		if err := rt.Set(name, jv); err != nil {
			return err
		}
	}

	if err := rt.Set("fail", func(msg string) {
		panic(rt.ToValue(&Failure{Message: msg}))
	}); err != nil {
		return err
	}

	utils := rt.NewObject()
	utils.Set("identifier", func(r map[string]interface{}, system string) string {
		return resource.Resource(r).Identifier(system)
	})
	utils.Set("code", func(r map[string]interface{}, system string) string {
		return resource.Resource(r).Code(system)
	})
	utils.Set("reference", func(r map[string]interface{}, field string) interface{} {
		ref, ok := resource.Resource(r).Reference(field)
		if !ok {
			return nil
		}
		return map[string]interface{}{"type": ref.Type, "id": ref.ID}
	})
	utils.Set("adapterIdentifier", func(typ, id string) string {
		return resource.AdapterIdentifier(resource.Ref{Type: typ, ID: id})
	})
	utils.Set("lookup", func(kind, key string) goja.Value {
		fn, ok := e.lookups[kind]
		if !ok {
			panic(rt.NewTypeError("unknown lookup %q", kind))
		}
		v, found, err := fn(ctx, key)
		if err != nil {
			*lookupErr = err
			panic(rt.NewGoError(err))
		}
		if !found {
			return goja.Null()
		}
		jv, err := toJS(v)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return jv
	})
	utils.Set("log", func(msg string) {
		e.logger.Debug().Str("script", s.Name).Msg(msg)
	})
	return rt.Set("utils", utils)
}

func toResource(v interface{}) (resource.Resource, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return resource.Resource(t), nil
	case resource.Resource:
		return t, nil
	}
	return nil, fmt.Errorf("output is %T, not an object", v)
}
