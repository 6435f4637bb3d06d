// Package testutil provides reusable testing helpers for enforcing package
// boundaries across the repository.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "patientcore"

// DirectImports parses the non-test .go files in dir and returns every import
// path mapped to the files that declare it. Build tags are not evaluated.
func DirectImports(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	imports := make(map[string][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path := strings.Trim(imp.Path.Value, "\"")
			imports[path] = append(imports[path], name)
		}
	}
	return imports, nil
}

// AssertNoDirectImports fails if any import of a non-test file in dir
// satisfies forbidden.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	imports, err := DirectImports(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var viols []string
	for path, files := range imports {
		if forbidden(path) {
			viols = append(viols, path+" (in "+strings.Join(files, ", ")+")")
		}
	}
	failIfViolations(t, reason, viols)
}

// AssertModuleImportsWithin fails if a non-test file in dir imports a package
// of this module other than the allowed ones. Stdlib and third-party imports
// are not checked.
func AssertModuleImportsWithin(t testing.TB, dir string, allowed ...string) {
	t.Helper()
	permitted := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		permitted[a] = struct{}{}
	}
	reason := "no packages of this module may be imported"
	if len(allowed) > 0 {
		reason = "only " + strings.Join(allowed, ", ") + " may be imported from this module"
	}
	AssertNoDirectImports(t, dir, func(path string) bool {
		if !IsModuleImport(path) {
			return false
		}
		_, ok := permitted[path]
		return !ok
	}, reason)
}

// IsModuleImport reports whether path belongs to this module.
func IsModuleImport(path string) bool {
	return path == ModulePath || strings.HasPrefix(path, ModulePath+"/")
}

// InternalImportForbidden matches any import path containing /internal/.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		sort.Strings(viols)
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
