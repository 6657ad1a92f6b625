package language

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// GoScanner extracts import paths from Go sources. Go imports name
// packages, not files, so records stay unresolved and feed the package
// layer of the graph.
type GoScanner struct{}

var (
	goImportSingle = regexp.MustCompile(`^import\s+(?:([A-Za-z_.][\w]*)\s+)?"([^"]+)"`)
	goImportLine   = regexp.MustCompile(`^(?:([A-Za-z_.][\w]*)\s+)?"([^"]+)"`)
	goFuncDecl     = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][\w]*)\s*[(\[]`)
)

// NewGoScanner creates a Go scanner.
func NewGoScanner() *GoScanner { return &GoScanner{} }

func (s *GoScanner) Language() string { return "go" }

func (s *GoScanner) Extensions() []string { return []string{".go"} }

func (s *GoScanner) Scan(path string, content []byte) (*FileScan, error) {
	scan := &FileScan{Path: path, Language: s.Language()}

	inBlock := false
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if inBlock {
			if line == ")" {
				inBlock = false
				continue
			}
			if m := goImportLine.FindStringSubmatch(line); m != nil {
				scan.Imports = append(scan.Imports, Import{Module: m[2], Alias: m[1], Kind: ImportAbsolute})
			}
			continue
		}

		switch {
		case line == "import (" || strings.HasPrefix(line, "import ("):
			inBlock = true
		case strings.HasPrefix(line, "import "):
			if m := goImportSingle.FindStringSubmatch(line); m != nil {
				scan.Imports = append(scan.Imports, Import{Module: m[2], Alias: m[1], Kind: ImportAbsolute})
			}
		case strings.HasPrefix(line, "func "):
			if m := goFuncDecl.FindStringSubmatch(line); m != nil {
				scan.Functions = append(scan.Functions, Function{Name: m[1]})
			}
		}
	}
	return scan, scanner.Err()
}
