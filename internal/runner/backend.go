package runner

import (
	"context"
	"reflect"
)

// Backend executes a loaded snippet's entry point. Backends honor the same
// invocation contract: the in-process interpreter is fast but shares the
// process; the subprocess backend trades speed for OS isolation.
type Backend interface {
	Name() string
	// Call loads code, locates main.<entry> and invokes it with args.
	// Symbols, when non-nil, are extra packages exposed to the snippet.
	Call(ctx context.Context, code, entry string, args []any, symbols map[string]map[string]reflect.Value) (any, error)
}
