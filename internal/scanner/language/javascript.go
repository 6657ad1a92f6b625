package language

import (
	"regexp"
	"strings"
)

// JavaScriptScanner extracts imports, calls, classes and function
// definitions from JavaScript and TypeScript sources with compiled
// regular expressions. Regex extraction misses exotic forms (multiline
// specifiers, computed module names); the records are a superset of
// what a simple line scan catches, which is all the graph needs.
type JavaScriptScanner struct {
	resolver *Resolver
}

var (
	// import defaultExport from 'mod'
	jsImportDefault = regexp.MustCompile(`import\s+([A-Za-z_$][\w$]*)\s*(?:,\s*\{([^}]*)\})?\s+from\s+['"]([^'"]+)['"]`)
	// import { a, b as c } from 'mod'
	jsImportNamed = regexp.MustCompile(`import\s+(?:type\s+)?\{([^}]*)\}\s*from\s+['"]([^'"]+)['"]`)
	// import * as ns from 'mod'
	jsImportNamespace = regexp.MustCompile(`import\s+\*\s+as\s+([A-Za-z_$][\w$]*)\s+from\s+['"]([^'"]+)['"]`)
	// import 'mod'
	jsImportSideEffect = regexp.MustCompile(`import\s+['"]([^'"]+)['"]`)
	// const x = require('mod')
	jsRequire = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	// import('mod')
	jsDynamicImport = regexp.MustCompile(`import\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	// export { a } from 'mod' / export * from 'mod'
	jsExportFrom = regexp.MustCompile(`export\s+(?:\{[^}]*\}|\*)\s*from\s+['"]([^'"]+)['"]`)

	jsClass = regexp.MustCompile(`class\s+([A-Za-z_$][\w$]*)(?:\s+extends\s+([A-Za-z_$][\w$.]*))?`)

	jsFunctionDecl = regexp.MustCompile(`(?:^|\s)function\s+([A-Za-z_$][\w$]*)\s*\(`)
	jsArrowAssign  = regexp.MustCompile(`(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`)

	jsCall = regexp.MustCompile(`(?:([A-Za-z_$][\w$]*)\.)?([A-Za-z_$][\w$]*)\s*\(`)
)

// jsKeywords are names a call regex matches that are not calls.
var jsKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "typeof": true, "new": true,
	"import": true, "require": true, "await": true, "async": true,
	"constructor": true, "super": true, "do": true, "else": true,
}

// NewJavaScriptScanner creates a JS/TS scanner backed by the resolver.
func NewJavaScriptScanner(resolver *Resolver) *JavaScriptScanner {
	return &JavaScriptScanner{resolver: resolver}
}

func (s *JavaScriptScanner) Language() string { return "javascript" }

func (s *JavaScriptScanner) Extensions() []string {
	return []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}
}

func (s *JavaScriptScanner) Scan(path string, content []byte) (*FileScan, error) {
	src := string(content)
	scan := &FileScan{Path: path, Language: s.Language()}

	add := func(module, name, alias string, kind ImportKind) {
		if strings.HasPrefix(module, ".") {
			kind = ImportRelative
		}
		scan.Imports = append(scan.Imports, Import{
			Module:       module,
			Name:         name,
			Alias:        alias,
			Kind:         kind,
			ResolvedPath: s.resolver.ResolveJSModule(path, module),
		})
	}

	// Spans already consumed by a richer import form must not match
	// again as a bare side-effect import.
	consumed := newSpanSet()

	for _, m := range jsImportNamespace.FindAllStringSubmatchIndex(src, -1) {
		consumed.add(m[0], m[1])
		add(src[m[4]:m[5]], "*", src[m[2]:m[3]], ImportNamed)
	}
	for _, m := range jsImportNamed.FindAllStringSubmatchIndex(src, -1) {
		consumed.add(m[0], m[1])
		module := src[m[4]:m[5]]
		for _, spec := range splitNamedSpecifiers(src[m[2]:m[3]]) {
			add(module, spec.name, spec.alias, ImportNamed)
		}
	}
	for _, m := range jsImportDefault.FindAllStringSubmatchIndex(src, -1) {
		if consumed.overlaps(m[0], m[1]) {
			continue
		}
		consumed.add(m[0], m[1])
		module := src[m[6]:m[7]]
		add(module, src[m[2]:m[3]], "", ImportDefault)
		if m[4] >= 0 {
			for _, spec := range splitNamedSpecifiers(src[m[4]:m[5]]) {
				add(module, spec.name, spec.alias, ImportNamed)
			}
		}
	}
	for _, m := range jsExportFrom.FindAllStringSubmatchIndex(src, -1) {
		consumed.add(m[0], m[1])
		add(src[m[2]:m[3]], "", "", ImportNamed)
	}
	for _, m := range jsDynamicImport.FindAllStringSubmatchIndex(src, -1) {
		consumed.add(m[0], m[1])
		add(src[m[2]:m[3]], "", "", ImportRequire)
	}
	for _, m := range jsRequire.FindAllStringSubmatchIndex(src, -1) {
		consumed.add(m[0], m[1])
		add(src[m[2]:m[3]], "", "", ImportRequire)
	}
	for _, m := range jsImportSideEffect.FindAllStringSubmatchIndex(src, -1) {
		if consumed.overlaps(m[0], m[1]) {
			continue
		}
		add(src[m[2]:m[3]], "", "", ImportSideEffect)
	}

	for _, m := range jsClass.FindAllStringSubmatch(src, -1) {
		class := Class{Name: m[1]}
		if m[2] != "" {
			class.Parents = []string{m[2]}
		}
		scan.Classes = append(scan.Classes, class)
	}

	seenFn := make(map[string]bool)
	for _, m := range jsFunctionDecl.FindAllStringSubmatch(src, -1) {
		if !seenFn[m[1]] {
			seenFn[m[1]] = true
			scan.Functions = append(scan.Functions, Function{Name: m[1]})
		}
	}
	for _, m := range jsArrowAssign.FindAllStringSubmatch(src, -1) {
		if !seenFn[m[1]] {
			seenFn[m[1]] = true
			scan.Functions = append(scan.Functions, Function{Name: m[1]})
		}
	}

	for _, m := range jsCall.FindAllStringSubmatch(src, -1) {
		object, name := m[1], m[2]
		if jsKeywords[name] || jsKeywords[object] {
			continue
		}
		if object != "" {
			scan.Calls = append(scan.Calls, Call{Name: name, Kind: CallMethod, Object: object})
		} else {
			scan.Calls = append(scan.Calls, Call{Name: name, Kind: CallFunction})
		}
	}

	return scan, nil
}

type namedSpecifier struct {
	name  string
	alias string
}

// splitNamedSpecifiers parses the inside of an import braces list:
// "a, b as c, default as d".
func splitNamedSpecifiers(list string) []namedSpecifier {
	var specs []namedSpecifier
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(part, "type ")
		if before, after, ok := strings.Cut(part, " as "); ok {
			specs = append(specs, namedSpecifier{name: strings.TrimSpace(before), alias: strings.TrimSpace(after)})
		} else {
			specs = append(specs, namedSpecifier{name: part})
		}
	}
	return specs
}

type spanSet struct {
	spans [][2]int
}

func newSpanSet() *spanSet { return &spanSet{} }

func (s *spanSet) add(start, end int) {
	s.spans = append(s.spans, [2]int{start, end})
}

func (s *spanSet) overlaps(start, end int) bool {
	for _, span := range s.spans {
		if start < span[1] && end > span[0] {
			return true
		}
	}
	return false
}
