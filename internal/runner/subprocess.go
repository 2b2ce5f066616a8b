package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
)

// resultMarker prefixes the wrapper's result line on stdout so snippet
// prints cannot be mistaken for the result.
const resultMarker = "__FORGE_RESULT__ "

// SubprocessBackend runs snippets through the yaegi CLI in a child process.
// A hung or crashing snippet takes the child down, not the pipeline. Injected
// symbols are not supported across the process boundary.
type SubprocessBackend struct {
	binary string
}

// NewSubprocessBackend returns a backend shelling out to the given yaegi
// binary ("yaegi" when empty).
func NewSubprocessBackend(binary string) *SubprocessBackend {
	if binary == "" {
		binary = "yaegi"
	}
	return &SubprocessBackend{binary: binary}
}

func (b *SubprocessBackend) Name() string { return "subprocess" }

func (b *SubprocessBackend) Call(ctx context.Context, code, entry string, args []any, symbols map[string]map[string]reflect.Value) (any, error) {
	if symbols != nil {
		return nil, fmt.Errorf("subprocess backend cannot inject symbols; use the in-process backend for system tests")
	}

	src, err := buildWrapper(code, entry, args)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "forge-run-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snippet.go")
	if err := os.WriteFile(path, []byte(src), 0600); err != nil {
		return nil, fmt.Errorf("write snippet: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.binary, "run", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("subprocess failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseWrapperOutput(stdout.String())
}

type wrapperResult struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

func parseWrapperOutput(out string) (any, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, resultMarker) {
			continue
		}
		var res wrapperResult
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, resultMarker)), &res); err != nil {
			return nil, fmt.Errorf("decode subprocess result: %w", err)
		}
		if res.Error != "" {
			return res.Output, fmt.Errorf("%s", res.Error)
		}
		return res.Output, nil
	}
	return nil, fmt.Errorf("subprocess produced no result line")
}

// buildWrapper generates a self-contained program that decodes the adapted
// arguments, invokes the entry via reflection, and prints a marked JSON
// result line. The wrapper mirrors the in-process backend's invocation
// contract exactly.
func buildWrapper(code, entry string, args []any) (string, error) {
	argJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	// The snippet body is embedded without its package clause; the wrapper
	// supplies its own.
	body := strings.TrimSpace(strings.Replace(code, "package main", "", 1))

	var sb strings.Builder
	sb.WriteString("package main\n\n")
	sb.WriteString("import (\n\t__fmt \"fmt\"\n\t__json \"encoding/json\"\n\t__reflect \"reflect\"\n)\n\n")
	sb.WriteString(body)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "var __args = %s\n\n", "`"+strings.ReplaceAll(string(argJSON), "`", "` + \"`\" + `")+"`")
	fmt.Fprintf(&sb, `func main() {
	var args []interface{}
	if err := __json.Unmarshal([]byte(__args), &args); err != nil {
		__emit(nil, "decode args: "+err.Error())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			__emit(nil, __fmt.Sprintf("runtime fault: %%v", r))
		}
	}()
	fn := __reflect.ValueOf(%s)
	t := fn.Type()
	if t.NumIn() != len(args) {
		__emit(nil, __fmt.Sprintf("argument count mismatch: entry takes %%d, got %%d", t.NumIn(), len(args)))
		return
	}
	in := make([]__reflect.Value, len(args))
	for i := range args {
		v, err := __convert(args[i], t.In(i))
		if err != nil {
			__emit(nil, __fmt.Sprintf("argument %%d: %%v", i, err))
			return
		}
		in[i] = v
	}
	out := fn.Call(in)
	var result interface{}
	errMsg := ""
	for _, v := range out {
		if e, ok := v.Interface().(error); ok {
			if e != nil {
				errMsg = e.Error()
			}
			continue
		}
		if result == nil {
			result = v.Interface()
		}
	}
	__emit(result, errMsg)
}

func __convert(arg interface{}, target __reflect.Type) (__reflect.Value, error) {
	if arg == nil {
		return __reflect.Zero(target), nil
	}
	v := __reflect.ValueOf(arg)
	if v.Type() == target {
		return v, nil
	}
	if v.Type().ConvertibleTo(target) {
		if (v.Kind() == __reflect.String) != (target.Kind() == __reflect.String) {
			return __reflect.Value{}, __fmt.Errorf("cannot pass %%T as %%s", arg, target)
		}
		return v.Convert(target), nil
	}
	if target.Kind() == __reflect.Interface && v.Type().Implements(target) {
		return v, nil
	}
	return __reflect.Value{}, __fmt.Errorf("cannot pass %%T as %%s", arg, target)
}

func __emit(output interface{}, errMsg string) {
	payload, _ := __json.Marshal(map[string]interface{}{"output": output, "error": errMsg})
	__fmt.Println("%s" + string(payload))
}
`, entry, resultMarker)

	return sb.String(), nil
}
