package repl

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// The import allowlist is served by these module constructors. json, math
// and friends mirror the subset of their namesakes that REPL code actually
// reaches for; the goal is familiar names, not a full standard library.

func builtin(name string, fn func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, fn)
}

// --- json ---

func (e *Env) jsonModule() *starlarkstruct.Module {
	dumps := builtin("dumps", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var obj starlark.Value
		var indent starlark.Value = starlark.None
		var dflt starlark.Value = starlark.None
		if err := starlark.UnpackArgs("dumps", args, kwargs, "obj", &obj, "indent?", &indent, "default?", &dflt); err != nil {
			return nil, err
		}
		goValue := starlarkToGo(obj)
		var encoded []byte
		var err error
		if n, ok := indent.(starlark.Int); ok {
			width, _ := n.Int64()
			encoded, err = json.MarshalIndent(goValue, "", strings.Repeat(" ", int(width)))
		} else {
			encoded, err = json.Marshal(goValue)
		}
		if err != nil {
			return nil, fmt.Errorf("TypeError: %v", err)
		}
		return starlark.String(encoded), nil
	})
	loads := builtin("loads", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs("loads", args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("ValueError: invalid JSON: %v", err)
		}
		return goToStarlark(decoded)
	})
	return moduleValue("json", starlark.StringDict{
		"dumps": dumps,
		"loads": loads,
		"dump":  dumps,
		"load":  loads,
	})
}

// --- math ---

func mathModule() *starlarkstruct.Module {
	unary := func(name string, fn func(float64) float64) *starlark.Builtin {
		return builtin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x float64
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &x); err != nil {
				return nil, err
			}
			result := fn(x)
			if math.IsNaN(result) || math.IsInf(result, 0) {
				return nil, fmt.Errorf("ValueError: math domain error")
			}
			return starlark.Float(result), nil
		})
	}
	intUnary := func(name string, fn func(float64) float64) *starlark.Builtin {
		return builtin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x float64
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &x); err != nil {
				return nil, err
			}
			return starlark.MakeInt64(int64(fn(x))), nil
		})
	}
	log := builtin("log", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x float64
		base := math.E
		if err := starlark.UnpackPositionalArgs("log", args, kwargs, 1, &x, &base); err != nil {
			return nil, err
		}
		if x <= 0 {
			return nil, fmt.Errorf("ValueError: math domain error")
		}
		return starlark.Float(math.Log(x) / math.Log(base)), nil
	})
	powFn := builtin("pow", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y float64
		if err := starlark.UnpackPositionalArgs("pow", args, kwargs, 2, &x, &y); err != nil {
			return nil, err
		}
		return starlark.Float(math.Pow(x, y)), nil
	})
	return moduleValue("math", starlark.StringDict{
		"pi":    starlark.Float(math.Pi),
		"e":     starlark.Float(math.E),
		"inf":   starlark.Float(math.Inf(1)),
		"sqrt":  unary("sqrt", math.Sqrt),
		"exp":   unary("exp", math.Exp),
		"log":   log,
		"log2":  unary("log2", math.Log2),
		"log10": unary("log10", math.Log10),
		"sin":   unary("sin", math.Sin),
		"cos":   unary("cos", math.Cos),
		"tan":   unary("tan", math.Tan),
		"fabs":  unary("fabs", math.Abs),
		"floor": intUnary("floor", math.Floor),
		"ceil":  intUnary("ceil", math.Ceil),
		"trunc": intUnary("trunc", math.Trunc),
		"pow":   powFn,
	})
}

// --- statistics ---

func statisticsModule() *starlarkstruct.Module {
	reduceFn := func(name string, fn func([]float64) (float64, error)) *starlark.Builtin {
		return builtin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &data); err != nil {
				return nil, err
			}
			values, err := floatValues(data)
			if err != nil {
				return nil, err
			}
			if len(values) == 0 {
				return nil, fmt.Errorf("StatisticsError: %s requires at least one data point", name)
			}
			result, err := fn(values)
			if err != nil {
				return nil, err
			}
			return starlark.Float(result), nil
		})
	}
	mean := func(values []float64) (float64, error) {
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	}
	variance := func(values []float64, sample bool) (float64, error) {
		n := len(values)
		if sample && n < 2 {
			return 0, fmt.Errorf("StatisticsError: variance requires at least two data points")
		}
		m, _ := mean(values)
		total := 0.0
		for _, v := range values {
			total += (v - m) * (v - m)
		}
		if sample {
			return total / float64(n-1), nil
		}
		return total / float64(n), nil
	}
	return moduleValue("statistics", starlark.StringDict{
		"mean": reduceFn("mean", mean),
		"median": reduceFn("median", func(values []float64) (float64, error) {
			sorted := append([]float64(nil), values...)
			sort.Float64s(sorted)
			n := len(sorted)
			if n%2 == 1 {
				return sorted[n/2], nil
			}
			return (sorted[n/2-1] + sorted[n/2]) / 2, nil
		}),
		"variance": reduceFn("variance", func(values []float64) (float64, error) {
			return variance(values, true)
		}),
		"pvariance": reduceFn("pvariance", func(values []float64) (float64, error) {
			return variance(values, false)
		}),
		"stdev": reduceFn("stdev", func(values []float64) (float64, error) {
			v, err := variance(values, true)
			return math.Sqrt(v), err
		}),
		"pstdev": reduceFn("pstdev", func(values []float64) (float64, error) {
			v, err := variance(values, false)
			return math.Sqrt(v), err
		}),
	})
}

// --- random ---

func randomModule() *starlarkstruct.Module {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return moduleValue("random", starlark.StringDict{
		"seed": builtin("seed", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var n int64
			if err := starlark.UnpackPositionalArgs("seed", args, kwargs, 0, &n); err != nil {
				return nil, err
			}
			rng.Seed(n)
			return starlark.None, nil
		}),
		"random": builtin("random", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("random", args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(rng.Float64()), nil
		}),
		"randint": builtin("randint", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a, b int64
			if err := starlark.UnpackPositionalArgs("randint", args, kwargs, 2, &a, &b); err != nil {
				return nil, err
			}
			if b < a {
				return nil, fmt.Errorf("ValueError: empty range for randint")
			}
			return starlark.MakeInt64(a + rng.Int63n(b-a+1)), nil
		}),
		"uniform": builtin("uniform", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a, b float64
			if err := starlark.UnpackPositionalArgs("uniform", args, kwargs, 2, &a, &b); err != nil {
				return nil, err
			}
			return starlark.Float(a + rng.Float64()*(b-a)), nil
		}),
		"choice": builtin("choice", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var seq starlark.Value
			if err := starlark.UnpackPositionalArgs("choice", args, kwargs, 1, &seq); err != nil {
				return nil, err
			}
			items, err := sequenceValues(seq)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return nil, fmt.Errorf("IndexError: cannot choose from an empty sequence")
			}
			return items[rng.Intn(len(items))], nil
		}),
		"shuffle": builtin("shuffle", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var list *starlark.List
			if err := starlark.UnpackPositionalArgs("shuffle", args, kwargs, 1, &list); err != nil {
				return nil, err
			}
			n := list.Len()
			for i := n - 1; i > 0; i-- {
				j := rng.Intn(i + 1)
				a, b := list.Index(i), list.Index(j)
				list.SetIndex(i, b)
				list.SetIndex(j, a)
			}
			return starlark.None, nil
		}),
		"sample": builtin("sample", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var seq starlark.Value
			var k int
			if err := starlark.UnpackPositionalArgs("sample", args, kwargs, 2, &seq, &k); err != nil {
				return nil, err
			}
			items, err := sequenceValues(seq)
			if err != nil {
				return nil, err
			}
			if k < 0 || k > len(items) {
				return nil, fmt.Errorf("ValueError: sample larger than population")
			}
			perm := rng.Perm(len(items))
			out := make([]starlark.Value, 0, k)
			for i := 0; i < k; i++ {
				out = append(out, items[perm[i]])
			}
			return starlark.NewList(out), nil
		}),
	})
}

// --- re ---

// compilePattern compiles the pattern as-is with Go regexp (RE2) syntax,
// memoizing nothing: REPL fragments are small and rerun rarely.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.error: %v", err)
	}
	return re, nil
}

// matchValue is the object returned by re.search/re.match.
type matchValue struct {
	groups []string
	spans  [][2]int
}

func (m *matchValue) String() string        { return fmt.Sprintf("<match %q>", m.groups[0]) }
func (m *matchValue) Type() string          { return "match" }
func (m *matchValue) Freeze()               {}
func (m *matchValue) Truth() starlark.Bool  { return starlark.True }
func (m *matchValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: match") }

func (m *matchValue) AttrNames() []string { return []string{"end", "group", "groups", "span", "start"} }

func (m *matchValue) Attr(name string) (starlark.Value, error) {
	groupIdx := func(args starlark.Tuple, kwargs []starlark.Tuple) (int, error) {
		n := 0
		if err := starlark.UnpackPositionalArgs(name, args, kwargs, 0, &n); err != nil {
			return 0, err
		}
		if n < 0 || n >= len(m.groups) {
			return 0, fmt.Errorf("IndexError: no such group")
		}
		return n, nil
	}
	switch name {
	case "group":
		return builtin("group", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n, err := groupIdx(args, kwargs)
			if err != nil {
				return nil, err
			}
			return starlark.String(m.groups[n]), nil
		}), nil
	case "groups":
		return builtin("groups", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			out := make(starlark.Tuple, 0, len(m.groups)-1)
			for _, g := range m.groups[1:] {
				out = append(out, starlark.String(g))
			}
			return out, nil
		}), nil
	case "start":
		return builtin("start", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n, err := groupIdx(args, kwargs)
			if err != nil {
				return nil, err
			}
			return starlark.MakeInt(m.spans[n][0]), nil
		}), nil
	case "end":
		return builtin("end", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n, err := groupIdx(args, kwargs)
			if err != nil {
				return nil, err
			}
			return starlark.MakeInt(m.spans[n][1]), nil
		}), nil
	case "span":
		return builtin("span", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n, err := groupIdx(args, kwargs)
			if err != nil {
				return nil, err
			}
			return starlark.Tuple{starlark.MakeInt(m.spans[n][0]), starlark.MakeInt(m.spans[n][1])}, nil
		}), nil
	}
	return nil, nil
}

func newMatchValue(s string, loc []int) *matchValue {
	n := len(loc) / 2
	m := &matchValue{groups: make([]string, n), spans: make([][2]int, n)}
	for i := 0; i < n; i++ {
		start, end := loc[2*i], loc[2*i+1]
		m.spans[i] = [2]int{start, end}
		if start >= 0 {
			m.groups[i] = s[start:end]
		}
	}
	return m
}

func reModule() *starlarkstruct.Module {
	search := func(name string, anchored bool) *starlark.Builtin {
		return builtin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 2, &pattern, &s); err != nil {
				return nil, err
			}
			if anchored && !strings.HasPrefix(pattern, "^") {
				pattern = "^(?:" + pattern + ")"
			}
			re, err := compilePattern(pattern)
			if err != nil {
				return nil, err
			}
			loc := re.FindStringSubmatchIndex(s)
			if loc == nil {
				return starlark.None, nil
			}
			return newMatchValue(s, loc), nil
		})
	}
	return moduleValue("re", starlark.StringDict{
		"search": search("search", false),
		"match":  search("match", true),
		"findall": builtin("findall", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			if err := starlark.UnpackPositionalArgs("findall", args, kwargs, 2, &pattern, &s); err != nil {
				return nil, err
			}
			re, err := compilePattern(pattern)
			if err != nil {
				return nil, err
			}
			matches := re.FindAllStringSubmatch(s, -1)
			out := make([]starlark.Value, 0, len(matches))
			for _, m := range matches {
				switch len(m) {
				case 1:
					out = append(out, starlark.String(m[0]))
				case 2:
					out = append(out, starlark.String(m[1]))
				default:
					groups := make(starlark.Tuple, 0, len(m)-1)
					for _, g := range m[1:] {
						groups = append(groups, starlark.String(g))
					}
					out = append(out, groups)
				}
			}
			return starlark.NewList(out), nil
		}),
		"split": builtin("split", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			maxsplit := 0
			if err := starlark.UnpackPositionalArgs("split", args, kwargs, 2, &pattern, &s, &maxsplit); err != nil {
				return nil, err
			}
			re, err := compilePattern(pattern)
			if err != nil {
				return nil, err
			}
			n := -1
			if maxsplit > 0 {
				n = maxsplit + 1
			}
			// Capturing groups interleave into the result, matching the
			// stdlib contract the system prompt's example depends on.
			if re.NumSubexp() > 0 {
				var out []starlark.Value
				last := 0
				count := 0
				for _, loc := range re.FindAllStringSubmatchIndex(s, -1) {
					if maxsplit > 0 && count >= maxsplit {
						break
					}
					out = append(out, starlark.String(s[last:loc[0]]))
					for g := 1; g < len(loc)/2; g++ {
						start, end := loc[2*g], loc[2*g+1]
						if start >= 0 {
							out = append(out, starlark.String(s[start:end]))
						} else {
							out = append(out, starlark.None)
						}
					}
					last = loc[1]
					count++
				}
				out = append(out, starlark.String(s[last:]))
				return starlark.NewList(out), nil
			}
			parts := re.Split(s, n)
			out := make([]starlark.Value, 0, len(parts))
			for _, part := range parts {
				out = append(out, starlark.String(part))
			}
			return starlark.NewList(out), nil
		}),
		"sub": builtin("sub", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, repl, s string
			if err := starlark.UnpackPositionalArgs("sub", args, kwargs, 3, &pattern, &repl, &s); err != nil {
				return nil, err
			}
			re, err := compilePattern(pattern)
			if err != nil {
				return nil, err
			}
			// Translate \1-style backreferences to Go's $1 syntax.
			goRepl := regexp.MustCompile(`\\(\d+)`).ReplaceAllString(repl, `$$$1`)
			return starlark.String(re.ReplaceAllString(s, goRepl)), nil
		}),
		"escape": builtin("escape", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs("escape", args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return starlark.String(regexp.QuoteMeta(s)), nil
		}),
	})
}

// --- itertools ---

func itertoolsModule() *starlarkstruct.Module {
	return moduleValue("itertools", starlark.StringDict{
		"chain": builtin("chain", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			var out []starlark.Value
			for _, arg := range args {
				items, err := sequenceValues(arg)
				if err != nil {
					return nil, err
				}
				out = append(out, items...)
			}
			return starlark.NewList(out), nil
		}),
		"islice": builtin("islice", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var iterable starlark.Value
			var a int
			b, step := -1, 1
			if err := starlark.UnpackPositionalArgs("islice", args, kwargs, 2, &iterable, &a, &b, &step); err != nil {
				return nil, err
			}
			items, err := sequenceValues(iterable)
			if err != nil {
				return nil, err
			}
			start, stop := 0, a
			if len(args) >= 3 {
				start, stop = a, b
			}
			if stop < 0 || stop > len(items) {
				stop = len(items)
			}
			if step <= 0 {
				return nil, fmt.Errorf("ValueError: step must be positive")
			}
			var out []starlark.Value
			for i := start; i < stop; i += step {
				out = append(out, items[i])
			}
			return starlark.NewList(out), nil
		}),
		"repeat": builtin("repeat", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var elem starlark.Value
			var times int
			if err := starlark.UnpackPositionalArgs("repeat", args, kwargs, 2, &elem, &times); err != nil {
				return nil, err
			}
			out := make([]starlark.Value, 0, times)
			for i := 0; i < times; i++ {
				out = append(out, elem)
			}
			return starlark.NewList(out), nil
		}),
		"product": builtin("product", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			pools := make([][]starlark.Value, 0, len(args))
			for _, arg := range args {
				items, err := sequenceValues(arg)
				if err != nil {
					return nil, err
				}
				pools = append(pools, items)
			}
			result := [][]starlark.Value{{}}
			for _, pool := range pools {
				var next [][]starlark.Value
				for _, prefix := range result {
					for _, item := range pool {
						combined := append(append([]starlark.Value(nil), prefix...), item)
						next = append(next, combined)
					}
				}
				result = next
			}
			out := make([]starlark.Value, 0, len(result))
			for _, combo := range result {
				out = append(out, starlark.Tuple(combo))
			}
			return starlark.NewList(out), nil
		}),
		"combinations": builtin("combinations", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var iterable starlark.Value
			var r int
			if err := starlark.UnpackPositionalArgs("combinations", args, kwargs, 2, &iterable, &r); err != nil {
				return nil, err
			}
			items, err := sequenceValues(iterable)
			if err != nil {
				return nil, err
			}
			var out []starlark.Value
			var build func(start int, current []starlark.Value)
			build = func(start int, current []starlark.Value) {
				if len(current) == r {
					out = append(out, starlark.Tuple(append([]starlark.Value(nil), current...)))
					return
				}
				for i := start; i < len(items); i++ {
					build(i+1, append(current, items[i]))
				}
			}
			if r >= 0 {
				build(0, nil)
			}
			return starlark.NewList(out), nil
		}),
	})
}

// --- functools ---

func functoolsModule() *starlarkstruct.Module {
	return moduleValue("functools", starlark.StringDict{
		"reduce": builtin("reduce", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var fn starlark.Callable
			var iterable starlark.Value
			var initial starlark.Value
			if err := starlark.UnpackPositionalArgs("reduce", args, kwargs, 2, &fn, &iterable, &initial); err != nil {
				return nil, err
			}
			items, err := sequenceValues(iterable)
			if err != nil {
				return nil, err
			}
			acc := initial
			if acc == nil {
				if len(items) == 0 {
					return nil, fmt.Errorf("TypeError: reduce of empty sequence with no initial value")
				}
				acc = items[0]
				items = items[1:]
			}
			for _, item := range items {
				acc, err = starlark.Call(thread, fn, starlark.Tuple{acc, item}, nil)
				if err != nil {
					return nil, err
				}
			}
			return acc, nil
		}),
		"partial": builtin("partial", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("TypeError: partial expected at least 1 argument")
			}
			fn, ok := args[0].(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("TypeError: the first argument must be callable")
			}
			bound := append(starlark.Tuple(nil), args[1:]...)
			boundKw := append([]starlark.Tuple(nil), kwargs...)
			return builtin("partial", func(thread *starlark.Thread, _ *starlark.Builtin, callArgs starlark.Tuple, callKwargs []starlark.Tuple) (starlark.Value, error) {
				merged := append(append(starlark.Tuple(nil), bound...), callArgs...)
				mergedKw := append(append([]starlark.Tuple(nil), boundKw...), callKwargs...)
				return starlark.Call(thread, fn, merged, mergedKw)
			}), nil
		}),
	})
}

// --- collections ---

func collectionsModule() *starlarkstruct.Module {
	return moduleValue("collections", starlark.StringDict{
		"Counter": builtin("Counter", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var iterable starlark.Value = starlark.None
			if err := starlark.UnpackPositionalArgs("Counter", args, kwargs, 0, &iterable); err != nil {
				return nil, err
			}
			counter := &counterValue{counts: starlark.NewDict(16)}
			if iterable == starlark.None {
				return counter, nil
			}
			if s, ok := iterable.(starlark.String); ok {
				for _, r := range string(s) {
					if err := counter.add(starlark.String(string(r))); err != nil {
						return nil, err
					}
				}
				return counter, nil
			}
			items, err := sequenceValues(iterable)
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				if err := counter.add(item); err != nil {
					return nil, err
				}
			}
			return counter, nil
		}),
		"OrderedDict": builtin("OrderedDict", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pairs starlark.Value = starlark.None
			if err := starlark.UnpackPositionalArgs("OrderedDict", args, kwargs, 0, &pairs); err != nil {
				return nil, err
			}
			dict := starlark.NewDict(16)
			if pairs != starlark.None {
				items, err := sequenceValues(pairs)
				if err != nil {
					return nil, err
				}
				for _, item := range items {
					pair, err := sequenceValues(item)
					if err != nil || len(pair) != 2 {
						return nil, fmt.Errorf("ValueError: expected (key, value) pairs")
					}
					if err := dict.SetKey(pair[0], pair[1]); err != nil {
						return nil, err
					}
				}
			}
			for _, kv := range kwargs {
				if err := dict.SetKey(kv[0], kv[1]); err != nil {
					return nil, err
				}
			}
			return dict, nil
		}),
	})
}

// counterValue is a Counter: a mapping from items to counts with
// most_common support.
type counterValue struct {
	counts *starlark.Dict
}

func (c *counterValue) add(item starlark.Value) error {
	current, found, err := c.counts.Get(item)
	if err != nil {
		return err
	}
	count := int64(0)
	if found {
		count, _ = current.(starlark.Int).Int64()
	}
	return c.counts.SetKey(item, starlark.MakeInt64(count+1))
}

func (c *counterValue) String() string        { return "Counter(" + c.counts.String() + ")" }
func (c *counterValue) Type() string          { return "Counter" }
func (c *counterValue) Freeze()               { c.counts.Freeze() }
func (c *counterValue) Truth() starlark.Bool  { return c.counts.Truth() }
func (c *counterValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: Counter") }
func (c *counterValue) Len() int              { return c.counts.Len() }

func (c *counterValue) Get(key starlark.Value) (starlark.Value, bool, error) {
	value, found, err := c.counts.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return starlark.MakeInt(0), true, nil
	}
	return value, true, nil
}

func (c *counterValue) Iterate() starlark.Iterator { return c.counts.Iterate() }

func (c *counterValue) AttrNames() []string {
	return []string{"get", "items", "keys", "most_common", "values"}
}

func (c *counterValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "most_common":
		return builtin("most_common", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n := -1
			if err := starlark.UnpackPositionalArgs("most_common", args, kwargs, 0, &n); err != nil {
				return nil, err
			}
			items := c.counts.Items()
			sort.SliceStable(items, func(i, j int) bool {
				a, _ := items[i][1].(starlark.Int).Int64()
				b, _ := items[j][1].(starlark.Int).Int64()
				return a > b
			})
			if n >= 0 && n < len(items) {
				items = items[:n]
			}
			out := make([]starlark.Value, 0, len(items))
			for _, item := range items {
				out = append(out, starlark.Tuple{item[0], item[1]})
			}
			return starlark.NewList(out), nil
		}), nil
	case "items", "keys", "values", "get":
		return c.counts.Attr(name)
	}
	return nil, nil
}

// --- datetime ---

func datetimeModule() *starlarkstruct.Module {
	ctor := moduleValue("datetime", starlark.StringDict{
		"now": builtin("now", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return newDatetime(time.Now()), nil
		}),
		"utcnow": builtin("utcnow", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return newDatetime(time.Now().UTC()), nil
		}),
		"fromtimestamp": builtin("fromtimestamp", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var ts float64
			if err := starlark.UnpackPositionalArgs("fromtimestamp", args, kwargs, 1, &ts); err != nil {
				return nil, err
			}
			sec := int64(ts)
			nsec := int64((ts - float64(sec)) * 1e9)
			return newDatetime(time.Unix(sec, nsec)), nil
		}),
	})
	return moduleValue("datetime", starlark.StringDict{"datetime": ctor})
}

type datetimeValue struct {
	t time.Time
}

func newDatetime(t time.Time) *datetimeValue { return &datetimeValue{t: t} }

func (d *datetimeValue) String() string        { return d.t.Format("2006-01-02 15:04:05") }
func (d *datetimeValue) Type() string          { return "datetime" }
func (d *datetimeValue) Freeze()               {}
func (d *datetimeValue) Truth() starlark.Bool  { return starlark.True }
func (d *datetimeValue) Hash() (uint32, error) { return uint32(d.t.UnixNano()), nil }

func (d *datetimeValue) AttrNames() []string {
	return []string{"day", "hour", "isoformat", "minute", "month", "second", "timestamp", "year"}
}

func (d *datetimeValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "year":
		return starlark.MakeInt(d.t.Year()), nil
	case "month":
		return starlark.MakeInt(int(d.t.Month())), nil
	case "day":
		return starlark.MakeInt(d.t.Day()), nil
	case "hour":
		return starlark.MakeInt(d.t.Hour()), nil
	case "minute":
		return starlark.MakeInt(d.t.Minute()), nil
	case "second":
		return starlark.MakeInt(d.t.Second()), nil
	case "isoformat":
		return builtin("isoformat", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(d.t.Format("2006-01-02T15:04:05")), nil
		}), nil
	case "timestamp":
		return builtin("timestamp", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Float(float64(d.t.UnixNano()) / 1e9), nil
		}), nil
	}
	return nil, nil
}

// --- decimal / fractions ---

// Decimal maps onto the interpreter's numbers, not arbitrary precision: an
// integer string becomes an int, any other string or number a float.
func decimalModule() *starlarkstruct.Module {
	return moduleValue("decimal", starlark.StringDict{
		"Decimal": builtin("Decimal", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x starlark.Value
			if err := starlark.UnpackPositionalArgs("Decimal", args, kwargs, 1, &x); err != nil {
				return nil, err
			}
			if s, ok := starlark.AsString(x); ok {
				trimmed := strings.TrimSpace(s)
				if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
					return starlark.MakeInt64(i), nil
				}
				f, err := strconv.ParseFloat(trimmed, 64)
				if err != nil {
					return nil, fmt.Errorf("InvalidOperation: invalid decimal literal %q", s)
				}
				return starlark.Float(f), nil
			}
			if f, ok := starlark.AsFloat(x); ok {
				return starlark.Float(f), nil
			}
			return nil, fmt.Errorf("TypeError: cannot convert %s to Decimal", x.Type())
		}),
	})
}

func fractionsModule() *starlarkstruct.Module {
	return moduleValue("fractions", starlark.StringDict{
		"Fraction": builtin("Fraction", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a int64
			b := int64(1)
			if err := starlark.UnpackPositionalArgs("Fraction", args, kwargs, 1, &a, &b); err != nil {
				return nil, err
			}
			if b == 0 {
				return nil, fmt.Errorf("ZeroDivisionError: Fraction(%d, 0)", a)
			}
			g := gcd(abs64(a), abs64(b))
			if b < 0 {
				a, b = -a, -b
			}
			return starlark.Tuple{starlark.MakeInt64(a / g), starlark.MakeInt64(b / g)}, nil
		}),
	})
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// --- io ---

func ioModule() *starlarkstruct.Module {
	return moduleValue("io", starlark.StringDict{
		"StringIO": builtin("StringIO", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			initial := ""
			if err := starlark.UnpackPositionalArgs("StringIO", args, kwargs, 0, &initial); err != nil {
				return nil, err
			}
			return &stringIOValue{buf: []byte(initial)}, nil
		}),
	})
}

type stringIOValue struct {
	buf []byte
	pos int
}

func (s *stringIOValue) String() string        { return "<StringIO>" }
func (s *stringIOValue) Type() string          { return "StringIO" }
func (s *stringIOValue) Freeze()               {}
func (s *stringIOValue) Truth() starlark.Bool  { return starlark.True }
func (s *stringIOValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: StringIO") }

func (s *stringIOValue) AttrNames() []string { return []string{"getvalue", "read", "write"} }

func (s *stringIOValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "write":
		return builtin("write", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var text string
			if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &text); err != nil {
				return nil, err
			}
			s.buf = append(s.buf, text...)
			return starlark.MakeInt(len(text)), nil
		}), nil
	case "getvalue":
		return builtin("getvalue", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(s.buf), nil
		}), nil
	case "read":
		return builtin("read", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			out := starlark.String(s.buf[s.pos:])
			s.pos = len(s.buf)
			return out, nil
		}), nil
	}
	return nil, nil
}

// --- sys / time ---

// streamValue routes sys.stdout / sys.stderr writes into the capture
// buffers of the in-flight execution.
type streamValue struct {
	name string
	env  *Env
}

func (s *streamValue) String() string        { return "<" + s.name + ">" }
func (s *streamValue) Type() string          { return "stream" }
func (s *streamValue) Freeze()               {}
func (s *streamValue) Truth() starlark.Bool  { return starlark.True }
func (s *streamValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: stream") }

func (s *streamValue) AttrNames() []string { return []string{"write"} }

func (s *streamValue) Attr(name string) (starlark.Value, error) {
	if name != "write" {
		return nil, nil
	}
	return builtin("write", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		if state := s.env.cur; state != nil {
			if s.name == "stderr" {
				state.stderr.WriteString(text)
			} else {
				state.stdout.WriteString(text)
			}
		}
		return starlark.MakeInt(len(text)), nil
	}), nil
}

func (e *Env) sysModule() *starlarkstruct.Module {
	return moduleValue("sys", starlark.StringDict{
		"version":  starlark.String("rlm-sandbox"),
		"platform": starlark.String("sandbox"),
		"maxsize":  starlark.MakeInt64(math.MaxInt64),
		"stdout":   &streamValue{name: "stdout", env: e},
		"stderr":   &streamValue{name: "stderr", env: e},
	})
}

func (e *Env) timeModule() *starlarkstruct.Module {
	return moduleValue("time", starlark.StringDict{
		"time": builtin("time", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
		}),
		"monotonic": builtin("monotonic", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
		}),
		"sleep": builtin("sleep", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var secs float64
			if err := starlark.UnpackPositionalArgs("sleep", args, kwargs, 1, &secs); err != nil {
				return nil, err
			}
			// Sleep in slices so the execution deadline still fires.
			deadline := time.Now().Add(time.Duration(secs * float64(time.Second)))
			for time.Now().Before(deadline) {
				if state := e.cur; state != nil && state.watchdog.timedOut() {
					return nil, fmt.Errorf("TimeoutError: Execution time limit exceeded")
				}
				remaining := time.Until(deadline)
				slice := 50 * time.Millisecond
				if remaining < slice {
					slice = remaining
				}
				time.Sleep(slice)
			}
			return starlark.None, nil
		}),
	})
}
