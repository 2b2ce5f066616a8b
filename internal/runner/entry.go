package runner

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"forge/internal/types"
)

// ErrMissingEntryPoint reports a snippet that declares no runnable entry.
var ErrMissingEntryPoint = errors.New("missing entry point")

// EntryPoint is a discovered entry function in a code snippet.
type EntryPoint struct {
	Name   string
	Params []string
}

// wrapCode ensures the snippet has a package clause so it parses and loads
// as a self-contained unit.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// findEntry parses the snippet and returns the first declared function whose
// name starts with the entry prefix or equals the main name. Reflection
// cannot recover parameter names, so they are read from the AST here; the
// adaptation rules are keyed on them.
func findEntry(code, entryPrefix, mainName string) (*EntryPoint, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", wrapCode(code), 0)
	if err != nil {
		return nil, fmt.Errorf("parse snippet: %w", err)
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		name := fn.Name.Name
		if !strings.HasPrefix(name, entryPrefix) && name != mainName {
			continue
		}
		entry := &EntryPoint{Name: name}
		if fn.Type.Params != nil {
			for _, field := range fn.Type.Params.List {
				if len(field.Names) == 0 {
					entry.Params = append(entry.Params, "_")
					continue
				}
				for _, ident := range field.Names {
					entry.Params = append(entry.Params, ident.Name)
				}
			}
		}
		return entry, nil
	}
	return nil, fmt.Errorf("%w: no function named %s* or %s", ErrMissingEntryPoint, entryPrefix, mainName)
}

// adaptArgs maps the supplied inputs onto the entry point's parameters.
// The rule order is load-bearing:
//  1. single-key mapping onto a single parameter passes the value regardless
//     of name,
//  2. exact name-set match passes by name,
//  3. equal cardinality with differing names passes positionally in
//     insertion order,
//  4. differing cardinality zips by position, dropping excess values and
//     leaving unmatched parameters unbound (surfacing later as a
//     missing-argument failure),
//  5. non-mapping inputs become the sole positional argument.
func adaptArgs(entry *EntryPoint, in types.Inputs) []any {
	if !in.IsMapping() {
		return []any{in.Scalar()}
	}

	vals := in.Values()
	np := len(entry.Params)

	if in.Len() == 1 && np == 1 {
		return []any{vals[0]}
	}

	if sameNameSet(entry.Params, in.Names()) {
		out := make([]any, np)
		for i, p := range entry.Params {
			out[i], _ = in.Get(p)
		}
		return out
	}

	if in.Len() == np {
		return vals
	}

	if in.Len() > np {
		return vals[:np]
	}
	return vals
}

func sameNameSet(params, names []string) bool {
	if len(params) != len(names) {
		return false
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, p := range params {
		if !set[p] {
			return false
		}
	}
	return true
}
