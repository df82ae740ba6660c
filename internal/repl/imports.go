package repl

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// allowedModules is the import allowlist: only these root names resolve.
var allowedModules = map[string]bool{
	"json": true, "math": true, "statistics": true, "random": true,
	"re": true, "itertools": true, "functools": true, "collections": true,
	"datetime": true, "decimal": true, "fractions": true, "io": true,
	"sys": true, "time": true,
}

// importStmt is one parsed import line.
type importStmt struct {
	module string
	alias  string
	// from-import bindings as (name, alias) pairs; empty for plain imports.
	names [][2]string
}

// splitImports separates top-level import lines from the rest of a code
// fragment. Only unindented lines are considered, matching how fragments
// arrive from the model.
func splitImports(code string) ([]importStmt, string) {
	var imports []importStmt
	var rest []string
	for _, line := range strings.Split(code, "\n") {
		if strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ") {
			imports = append(imports, parseImportLine(line))
			continue
		}
		rest = append(rest, line)
	}
	return imports, strings.Join(rest, "\n")
}

func parseImportLine(line string) importStmt {
	fields := strings.Fields(line)
	if fields[0] == "from" && len(fields) >= 4 && fields[2] == "import" {
		stmt := importStmt{module: fields[1]}
		names := strings.Join(fields[3:], " ")
		for _, part := range strings.Split(names, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, alias := part, part
			if segs := strings.Fields(part); len(segs) == 3 && segs[1] == "as" {
				name, alias = segs[0], segs[2]
			}
			stmt.names = append(stmt.names, [2]string{name, alias})
		}
		return stmt
	}
	// import m [as n][, m2 ...] — only the first clause is honored; the
	// model emits one module per line in practice.
	stmt := importStmt{}
	if len(fields) >= 2 {
		clause := strings.TrimSuffix(fields[1], ",")
		stmt.module = clause
		stmt.alias = rootName(clause)
		if len(fields) >= 4 && fields[2] == "as" {
			stmt.alias = fields[3]
		}
	}
	return stmt
}

func rootName(module string) string {
	if idx := strings.Index(module, "."); idx >= 0 {
		return module[:idx]
	}
	return module
}

// applyImport resolves one import against the allowlist and binds the
// resulting names into the namespace.
func (e *Env) applyImport(stmt importStmt) error {
	if stmt.module == "" {
		return fmt.Errorf("ImportError: invalid import statement")
	}
	root := rootName(stmt.module)
	if !allowedModules[root] {
		return fmt.Errorf("ImportError: Import of '%s' is blocked", root)
	}
	module := e.loadModule(root)

	if len(stmt.names) == 0 {
		alias := stmt.alias
		if alias == "" {
			alias = root
		}
		e.globals[alias] = module
		e.baseNames[alias] = true
		return nil
	}

	for _, pair := range stmt.names {
		name, alias := pair[0], pair[1]
		if name == "*" {
			for _, attr := range module.AttrNames() {
				value, err := module.Attr(attr)
				if err != nil || value == nil {
					continue
				}
				e.globals[attr] = value
				e.baseNames[attr] = true
			}
			continue
		}
		value, err := module.Attr(name)
		if err != nil || value == nil {
			return fmt.Errorf("ImportError: cannot import name '%s' from '%s'", name, root)
		}
		e.globals[alias] = value
		e.baseNames[alias] = true
	}
	return nil
}

// loadModule returns the (memoized) module value for an allowlisted root.
func (e *Env) loadModule(root string) *starlarkstruct.Module {
	if e.modules == nil {
		e.modules = make(map[string]*starlarkstruct.Module)
	}
	if module, ok := e.modules[root]; ok {
		return module
	}
	var module *starlarkstruct.Module
	switch root {
	case "json":
		module = e.jsonModule()
	case "math":
		module = mathModule()
	case "statistics":
		module = statisticsModule()
	case "random":
		module = randomModule()
	case "re":
		module = reModule()
	case "itertools":
		module = itertoolsModule()
	case "functools":
		module = functoolsModule()
	case "collections":
		module = collectionsModule()
	case "datetime":
		module = datetimeModule()
	case "decimal":
		module = decimalModule()
	case "fractions":
		module = fractionsModule()
	case "io":
		module = ioModule()
	case "sys":
		module = e.sysModule()
	case "time":
		module = e.timeModule()
	}
	e.modules[root] = module
	return module
}

// moduleValue assembles a module from members.
func moduleValue(name string, members starlark.StringDict) *starlarkstruct.Module {
	return &starlarkstruct.Module{Name: name, Members: members}
}
