package language

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonScanner extracts imports, calls, classes and function
// definitions from Python sources using a tree-sitter AST.
type PythonScanner struct {
	parser   *sitter.Parser
	resolver *Resolver
}

// NewPythonScanner creates a Python scanner backed by the resolver.
func NewPythonScanner(resolver *Resolver) *PythonScanner {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &PythonScanner{parser: parser, resolver: resolver}
}

func (s *PythonScanner) Language() string { return "python" }

func (s *PythonScanner) Extensions() []string { return []string{".py", ".pyw"} }

// Scan parses the file and walks the AST with an explicit stack, so
// pathologically deep sources cannot exhaust the goroutine stack.
func (s *PythonScanner) Scan(path string, content []byte) (*FileScan, error) {
	tree, err := s.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	scan := &FileScan{Path: path, Language: s.Language()}

	text := func(n *sitter.Node) string {
		if n == nil {
			return ""
		}
		return string(content[n.StartByte():n.EndByte()])
	}

	type frame struct {
		node  *sitter.Node
		class string
	}
	stack := []frame{{node: tree.RootNode()}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, class := f.node, f.class

		switch node.Type() {
		case "import_statement":
			s.collectImport(node, path, text, scan)
		case "import_from_statement":
			s.collectFromImport(node, path, text, scan)
		case "call":
			s.collectCall(node, text, scan)
		case "class_definition":
			name := text(node.ChildByFieldName("name"))
			if name != "" {
				scan.Classes = append(scan.Classes, Class{Name: name, Parents: s.superclasses(node, text)})
				class = name
			}
		case "function_definition":
			if name := text(node.ChildByFieldName("name")); name != "" {
				scan.Functions = append(scan.Functions, Function{Name: name, Class: class})
			}
		}

		// Children are pushed in reverse so the walk visits them in
		// source order.
		for i := int(node.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: node.NamedChild(i), class: class})
		}
	}
	return scan, nil
}

// collectImport handles `import a.b, c as d`.
func (s *PythonScanner) collectImport(node *sitter.Node, path string, text func(*sitter.Node) string, scan *FileScan) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			module := text(child)
			scan.Imports = append(scan.Imports, Import{
				Module:       module,
				Kind:         ImportAbsolute,
				ResolvedPath: s.resolver.ResolvePythonModule(path, module, ""),
			})
		case "aliased_import":
			module := text(child.ChildByFieldName("name"))
			scan.Imports = append(scan.Imports, Import{
				Module:       module,
				Alias:        text(child.ChildByFieldName("alias")),
				Kind:         ImportAbsolute,
				ResolvedPath: s.resolver.ResolvePythonModule(path, module, ""),
			})
		}
	}
}

// collectFromImport handles `from pkg import a as b, c` including
// relative forms like `from ..pkg import x`.
func (s *PythonScanner) collectFromImport(node *sitter.Node, path string, text func(*sitter.Node) string, scan *FileScan) {
	moduleNode := node.ChildByFieldName("module_name")
	module := text(moduleNode)
	kind := ImportFrom
	if strings.HasPrefix(module, ".") {
		kind = ImportRelative
	}

	addImport := func(name, alias string) {
		scan.Imports = append(scan.Imports, Import{
			Module:       module,
			Name:         name,
			Alias:        alias,
			Kind:         kind,
			ResolvedPath: s.resolver.ResolvePythonModule(path, module, name),
		})
	}

	found := false
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if moduleNode != nil && child.StartByte() == moduleNode.StartByte() && child.EndByte() == moduleNode.EndByte() {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			addImport(text(child), "")
			found = true
		case "aliased_import":
			addImport(text(child.ChildByFieldName("name")), text(child.ChildByFieldName("alias")))
			found = true
		case "wildcard_import":
			addImport("*", "")
			found = true
		}
	}
	if !found {
		addImport("", "")
	}
}

// collectCall records `f(...)` as a function call and `obj.m(...)` as a
// method call on obj.
func (s *PythonScanner) collectCall(node *sitter.Node, text func(*sitter.Node) string, scan *FileScan) {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return
	}
	switch fn.Type() {
	case "identifier":
		scan.Calls = append(scan.Calls, Call{Name: text(fn), Kind: CallFunction})
	case "attribute":
		name := text(fn.ChildByFieldName("attribute"))
		if name == "" {
			return
		}
		object := ""
		if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
			object = text(obj)
		}
		scan.Calls = append(scan.Calls, Call{Name: name, Kind: CallMethod, Object: object})
	}
}

// superclasses reads the argument list of a class definition, skipping
// keyword arguments such as metaclass=.
func (s *PythonScanner) superclasses(node *sitter.Node, text func(*sitter.Node) string) []string {
	args := node.ChildByFieldName("superclasses")
	if args == nil {
		return nil
	}
	var parents []string
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		switch arg.Type() {
		case "identifier", "attribute":
			parents = append(parents, text(arg))
		}
	}
	return parents
}
