package repl

import (
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// installBuiltins populates the namespace with the safe builtin set: the
// interpreter's own universe covers most of it, the rest is supplemented
// here, and the blocked names are bound to None so user code sees them as
// disabled rather than undefined.
func (e *Env) installBuiltins() {
	g := e.globals

	g["sum"] = starlark.NewBuiltin("sum", builtinSum)
	g["round"] = starlark.NewBuiltin("round", builtinRound)
	g["map"] = starlark.NewBuiltin("map", builtinMap)
	g["filter"] = starlark.NewBuiltin("filter", builtinFilter)
	g["chr"] = starlark.NewBuiltin("chr", builtinChr)
	g["ord"] = starlark.NewBuiltin("ord", builtinOrd)
	g["hex"] = starlark.NewBuiltin("hex", baseConverter("hex", 16, "0x"))
	g["oct"] = starlark.NewBuiltin("oct", baseConverter("oct", 8, "0o"))
	g["bin"] = starlark.NewBuiltin("bin", baseConverter("bin", 2, "0b"))
	g["pow"] = starlark.NewBuiltin("pow", builtinPow)
	g["divmod"] = starlark.NewBuiltin("divmod", builtinDivmod)
	g["isinstance"] = starlark.NewBuiltin("isinstance", builtinIsinstance)
	g["format"] = starlark.NewBuiltin("format", builtinFormat)
	g["iter"] = starlark.NewBuiltin("iter", builtinIter)
	g["next"] = starlark.NewBuiltin("next", builtinNext)
	g["callable"] = starlark.NewBuiltin("callable", builtinCallable)
	g["id"] = starlark.NewBuiltin("id", builtinID)
	g["open"] = starlark.NewBuiltin("open", e.builtinOpen)

	for _, name := range exceptionNames {
		g[name] = starlark.NewBuiltin(name, raiseBuiltin(name))
	}

	// Explicitly disabled: reflection and interactive input have no place
	// inside the sandbox.
	for _, name := range []string{"input", "eval", "exec", "compile", "globals", "locals"} {
		g[name] = starlark.None
	}
}

// exceptionNames are callable stand-ins for the exception hierarchy: calling
// one aborts the execution with that exception's message.
var exceptionNames = []string{
	"BaseException", "Exception", "ValueError", "TypeError", "KeyError",
	"IndexError", "AttributeError", "FileNotFoundError", "OSError", "IOError",
	"RuntimeError", "NameError", "ImportError", "StopIteration",
	"ArithmeticError", "LookupError", "AssertionError", "NotImplementedError",
	"TimeoutError", "PermissionError", "Warning", "UserWarning",
	"DeprecationWarning", "RuntimeWarning",
}

func raiseBuiltin(name string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		parts := make([]string, 0, len(args))
		for _, arg := range args {
			parts = append(parts, valueStr(arg))
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("%s", name)
		}
		return nil, fmt.Errorf("%s: %s", name, strings.Join(parts, ", "))
	}
}

func builtinSum(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Value
	start := starlark.Value(starlark.MakeInt(0))
	if err := starlark.UnpackPositionalArgs("sum", args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}
	items, err := sequenceValues(iterable)
	if err != nil {
		return nil, err
	}
	total := start
	for _, item := range items {
		next, err := starlark.Binary(syntax.PLUS, total, item)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

func builtinRound(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	ndigits := 0
	if err := starlark.UnpackPositionalArgs("round", args, kwargs, 1, &x, &ndigits); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok && ndigits >= 0 {
		return i, nil
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("round: expected a number, got %s", x.Type())
	}
	shift := 1.0
	for i := 0; i < ndigits; i++ {
		shift *= 10
	}
	for i := 0; i > ndigits; i-- {
		shift /= 10
	}
	rounded := float64(int64(f*shift+copySign(0.5, f))) / shift
	if ndigits <= 0 {
		return starlark.MakeInt64(int64(rounded)), nil
	}
	return starlark.Float(rounded), nil
}

func copySign(mag, sign float64) float64 {
	if sign < 0 {
		return -mag
	}
	return mag
}

func builtinMap(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Value
	if err := starlark.UnpackPositionalArgs("map", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	items, err := sequenceValues(iterable)
	if err != nil {
		return nil, err
	}
	out := make([]starlark.Value, 0, len(items))
	for _, item := range items {
		mapped, err := starlark.Call(thread, fn, starlark.Tuple{item}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return starlark.NewList(out), nil
}

func builtinFilter(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Value
	if err := starlark.UnpackPositionalArgs("filter", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	items, err := sequenceValues(iterable)
	if err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, item := range items {
		keep := false
		if fn == starlark.None {
			keep = bool(item.Truth())
		} else {
			callable, ok := fn.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("filter: %s is not callable", fn.Type())
			}
			result, err := starlark.Call(thread, callable, starlark.Tuple{item}, nil)
			if err != nil {
				return nil, err
			}
			keep = bool(result.Truth())
		}
		if keep {
			out = append(out, item)
		}
	}
	return starlark.NewList(out), nil
}

func builtinChr(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code int
	if err := starlark.UnpackPositionalArgs("chr", args, kwargs, 1, &code); err != nil {
		return nil, err
	}
	return starlark.String(string(rune(code))), nil
}

func builtinOrd(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs("ord", args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	runes := []rune(s)
	if len(runes) != 1 {
		return nil, fmt.Errorf("ord: expected a character, got string of length %d", len(runes))
	}
	return starlark.MakeInt(int(runes[0])), nil
}

func baseConverter(name string, base int, prefix string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x int64
		if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		sign := ""
		if x < 0 {
			sign = "-"
			x = -x
		}
		return starlark.String(sign + prefix + strconv.FormatInt(x, base)), nil
	}
}

func builtinPow(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	var mod starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs("pow", args, kwargs, 2, &x, &y, &mod); err != nil {
		return nil, err
	}
	xi, xok := x.(starlark.Int)
	yi, yok := y.(starlark.Int)
	if xok && yok {
		yv, _ := yi.Int64()
		if yv >= 0 {
			result := starlark.MakeInt(1)
			base := xi
			for i := int64(0); i < yv; i++ {
				result = result.Mul(base)
			}
			if mod != starlark.None {
				mi, ok := mod.(starlark.Int)
				if !ok {
					return nil, fmt.Errorf("pow: modulus must be an int")
				}
				return result.Mod(mi), nil
			}
			return result, nil
		}
	}
	xf, ok1 := starlark.AsFloat(x)
	yf, ok2 := starlark.AsFloat(y)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("pow: expected numbers")
	}
	return starlark.Float(math.Pow(xf, yf)), nil
}

func builtinDivmod(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, b int64
	if err := starlark.UnpackPositionalArgs("divmod", args, kwargs, 2, &a, &b); err != nil {
		return nil, err
	}
	if b == 0 {
		return nil, fmt.Errorf("divmod: integer division by zero")
	}
	q := a / b
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		q--
		r += b
	}
	return starlark.Tuple{starlark.MakeInt64(q), starlark.MakeInt64(r)}, nil
}

// typeNameOf maps constructor builtins to interpreter type names so
// isinstance(x, str) works with the constructors in scope.
func typeNameOf(v starlark.Value) (string, bool) {
	switch t := v.(type) {
	case starlark.String:
		return string(t), true
	case *starlark.Builtin:
		switch t.Name() {
		case "str":
			return "string", true
		case "int":
			return "int", true
		case "float":
			return "float", true
		case "bool":
			return "bool", true
		case "list":
			return "list", true
		case "dict":
			return "dict", true
		case "set":
			return "set", true
		case "tuple":
			return "tuple", true
		case "bytes":
			return "bytes", true
		}
	}
	return "", false
}

func builtinIsinstance(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, classinfo starlark.Value
	if err := starlark.UnpackPositionalArgs("isinstance", args, kwargs, 2, &x, &classinfo); err != nil {
		return nil, err
	}
	candidates := starlark.Tuple{classinfo}
	if t, ok := classinfo.(starlark.Tuple); ok {
		candidates = t
	}
	for _, candidate := range candidates {
		name, ok := typeNameOf(candidate)
		if !ok {
			return nil, fmt.Errorf("isinstance: unsupported type spec %s", candidate.Type())
		}
		if x.Type() == name {
			return starlark.True, nil
		}
	}
	return starlark.False, nil
}

func builtinFormat(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	spec := ""
	if err := starlark.UnpackPositionalArgs("format", args, kwargs, 1, &x, &spec); err != nil {
		return nil, err
	}
	if spec == "" {
		return starlark.String(valueStr(x)), nil
	}
	if f, ok := starlark.AsFloat(x); ok && strings.HasSuffix(spec, "f") {
		precision := 6
		if trimmed := strings.TrimSuffix(strings.TrimPrefix(spec, "."), "f"); trimmed != "" {
			if p, err := strconv.Atoi(trimmed); err == nil {
				precision = p
			}
		}
		return starlark.String(strconv.FormatFloat(f, 'f', precision, 64)), nil
	}
	return starlark.String(valueStr(x)), nil
}

// iterValue is the value returned by iter(): a cursor the next() builtin
// advances.
type iterValue struct {
	items []starlark.Value
	pos   int
}

func (i *iterValue) String() string        { return fmt.Sprintf("<iterator at %d/%d>", i.pos, len(i.items)) }
func (i *iterValue) Type() string          { return "iterator" }
func (i *iterValue) Freeze()               {}
func (i *iterValue) Truth() starlark.Bool  { return starlark.True }
func (i *iterValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: iterator") }

func builtinIter(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Value
	if err := starlark.UnpackPositionalArgs("iter", args, kwargs, 1, &iterable); err != nil {
		return nil, err
	}
	items, err := sequenceValues(iterable)
	if err != nil {
		return nil, err
	}
	return &iterValue{items: items}, nil
}

func builtinNext(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var it starlark.Value
	var fallback starlark.Value
	if err := starlark.UnpackPositionalArgs("next", args, kwargs, 1, &it, &fallback); err != nil {
		return nil, err
	}
	cursor, ok := it.(*iterValue)
	if !ok {
		return nil, fmt.Errorf("next: expected an iterator, got %s", it.Type())
	}
	if cursor.pos >= len(cursor.items) {
		if fallback != nil {
			return fallback, nil
		}
		return nil, fmt.Errorf("StopIteration")
	}
	value := cursor.items[cursor.pos]
	cursor.pos++
	return value, nil
}

func builtinCallable(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs("callable", args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	_, ok := x.(starlark.Callable)
	return starlark.Bool(ok), nil
}

func builtinID(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs("id", args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return starlark.MakeInt64(int64(rv.Pointer())), nil
	}
	if h, err := x.Hash(); err == nil {
		return starlark.MakeInt64(int64(h)), nil
	}
	return starlark.MakeInt(0), nil
}

// builtinOpen is the jailed open(): every path resolves against the session
// temp dir, and escapes raise a PermissionError.
func (e *Env) builtinOpen(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, mode string
	mode = "r"
	if err := starlark.UnpackPositionalArgs("open", args, kwargs, 1, &path, &mode); err != nil {
		return nil, err
	}
	resolved, err := e.jailPath(path)
	if err != nil {
		return nil, err
	}
	return openJailedFile(resolved, mode)
}

// fileValue is the object returned by open().
type fileValue struct {
	path   string
	mode   string
	data   []byte
	pos    int
	writer *os.File
	closed bool
}

func openJailedFile(path, mode string) (*fileValue, error) {
	f := &fileValue{path: path, mode: mode}
	switch {
	case strings.ContainsAny(mode, "wa"):
		flags := os.O_CREATE | os.O_WRONLY
		if strings.Contains(mode, "a") {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		writer, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("OSError: %v", err)
		}
		f.writer = writer
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("FileNotFoundError: no such file: %s", path)
			}
			return nil, fmt.Errorf("OSError: %v", err)
		}
		f.data = data
	}
	return f, nil
}

func (f *fileValue) String() string        { return fmt.Sprintf("<file %s mode=%s>", f.path, f.mode) }
func (f *fileValue) Type() string          { return "file" }
func (f *fileValue) Freeze()               {}
func (f *fileValue) Truth() starlark.Bool  { return starlark.True }
func (f *fileValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: file") }

func (f *fileValue) AttrNames() []string {
	return []string{"close", "read", "readlines", "write"}
}

func (f *fileValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "read":
		return starlark.NewBuiltin("read", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n := -1
			if err := starlark.UnpackPositionalArgs("read", args, kwargs, 0, &n); err != nil {
				return nil, err
			}
			if f.closed {
				return nil, fmt.Errorf("ValueError: I/O operation on closed file")
			}
			remaining := f.data[f.pos:]
			if n >= 0 && n < len(remaining) {
				remaining = remaining[:n]
			}
			f.pos += len(remaining)
			return starlark.String(remaining), nil
		}), nil
	case "readlines":
		return starlark.NewBuiltin("readlines", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			if f.closed {
				return nil, fmt.Errorf("ValueError: I/O operation on closed file")
			}
			text := string(f.data[f.pos:])
			f.pos = len(f.data)
			var lines []starlark.Value
			for _, line := range strings.SplitAfter(text, "\n") {
				if line != "" {
					lines = append(lines, starlark.String(line))
				}
			}
			return starlark.NewList(lines), nil
		}), nil
	case "write":
		return starlark.NewBuiltin("write", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			if f.writer == nil || f.closed {
				return nil, fmt.Errorf("ValueError: file not open for writing")
			}
			n, err := io.WriteString(f.writer, s)
			if err != nil {
				return nil, fmt.Errorf("OSError: %v", err)
			}
			return starlark.MakeInt(n), nil
		}), nil
	case "close":
		return starlark.NewBuiltin("close", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			if f.writer != nil && !f.closed {
				f.writer.Close()
			}
			f.closed = true
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}
