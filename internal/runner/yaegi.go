package runner

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// YaegiBackend interprets snippets in-process. Generated code can hang or
// misbehave, so every call gets a fresh interpreter and imports are
// whitelisted before evaluation.
type YaegiBackend struct {
	allowedImports map[string]bool
}

// NewYaegiBackend returns the in-process backend with the default safe
// import whitelist.
func NewYaegiBackend() *YaegiBackend {
	return &YaegiBackend{
		allowedImports: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,
			"unicode":         true,
			// blocked: os, os/exec, net, net/http, syscall, unsafe
		},
	}
}

func (b *YaegiBackend) Name() string { return "yaegi" }

func (b *YaegiBackend) Call(ctx context.Context, code, entry string, args []any, symbols map[string]map[string]reflect.Value) (any, error) {
	// Injected symbol packages are importable by the snippet. Symbol map
	// keys follow yaegi's "importPath/packageName" convention.
	extra := make(map[string]bool, len(symbols))
	for key := range symbols {
		if idx := strings.LastIndexByte(key, '/'); idx > 0 {
			extra[key[:idx]] = true
		}
	}
	if err := b.validateImports(code, extra); err != nil {
		return nil, fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if symbols != nil {
		if err := i.Use(symbols); err != nil {
			return nil, fmt.Errorf("failed to load injected symbols: %w", err)
		}
	}

	if _, err := i.Eval(wrapCode(code)); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	fn, err := i.Eval("main." + entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not resolvable after load", ErrMissingEntryPoint, entry)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not callable", entry)
	}

	in, err := buildCallArgs(fn.Type(), args)
	if err != nil {
		return nil, err
	}

	out := fn.Call(in)
	return extractResult(out)
}

// buildCallArgs converts the adapted argument list to the function's declared
// parameter kinds. A count mismatch is the missing-argument failure the
// adaptation rules deliberately let through.
func buildCallArgs(fnType reflect.Type, args []any) ([]reflect.Value, error) {
	if fnType.NumIn() != len(args) {
		return nil, fmt.Errorf("argument count mismatch: entry takes %d, got %d", fnType.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := convertArg(arg, fnType.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = v
	}
	return in, nil
}

// convertArg coerces decoded JSON values (float64, string, bool, maps,
// slices) to the declared parameter type.
func convertArg(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(target), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type() == target {
		return v, nil
	}
	if v.Type().ConvertibleTo(target) {
		// ConvertibleTo permits int<->string conversions that would mangle
		// the value; require both or neither side to be a string.
		if (v.Kind() == reflect.String) != (target.Kind() == reflect.String) {
			return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", arg, target)
		}
		return v.Convert(target), nil
	}
	if target.Kind() == reflect.Interface && v.Type().Implements(target) {
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot pass %T as %s", arg, target)
}

// extractResult maps the call's return values to (output, error): a trailing
// error return is surfaced as the error, the first remaining value is the
// output.
func extractResult(out []reflect.Value) (any, error) {
	var result any
	var callErr error
	for _, v := range out {
		if v.Type().Implements(errType) {
			if !v.IsNil() {
				callErr = v.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = v.Interface()
		}
	}
	return result, callErr
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// validateImports rejects snippets importing outside the whitelist plus any
// injected packages.
func (b *YaegiBackend) validateImports(code string, extra map[string]bool) error {
	allowed := func(pkg string) bool {
		return b.allowedImports[pkg] || extra[pkg]
	}
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !allowed(pkg) {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !allowed(pkg) {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func importPath(s string) string {
	s = strings.TrimSpace(s)
	// drop an import alias
	if idx := strings.IndexByte(s, '"'); idx > 0 {
		s = s[idx:]
	}
	return strings.Trim(s, `"`)
}
