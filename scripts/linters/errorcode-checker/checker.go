package main

import (
	"bufio"
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	pathpkg "path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

var ErrPatternInvalid = errors.MustNewCode("codecheck.pattern_invalid")

// CodeInfo describes one error code declared with MustNewCode
type CodeInfo struct {
	Var  string
	Code string
	// Dir is the slash separated package directory relative to the root
	Dir     string
	File    string
	Line    int
	UsedIn  []string
	Invalid error
}

func (i *CodeInfo) location() string {
	return fmt.Sprintf("%s:%d", i.File, i.Line)
}

// Violation is a finding that fails the check
type Violation struct {
	Kind     string
	Location string
	Message  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: [%s] %s", v.Location, v.Kind, v.Message)
}

type sourceFile struct {
	path string
	dir  string
	src  []byte
	file *ast.File
}

// ErrorCodeChecker collects error code declarations and their uses across
// a source tree. Test files are ignored, so a code used only by tests
// counts as unused.
type ErrorCodeChecker struct {
	fset    *token.FileSet
	verbose bool
	files   []*sourceFile
	codes   map[string]*CodeInfo
	byVar   map[string][]*CodeInfo
}

// NewErrorCodeChecker creates an empty checker
func NewErrorCodeChecker(verbose bool) *ErrorCodeChecker {
	return &ErrorCodeChecker{
		fset:    token.NewFileSet(),
		verbose: verbose,
		codes:   make(map[string]*CodeInfo),
		byVar:   make(map[string][]*CodeInfo),
	}
}

func (c *ErrorCodeChecker) debug(format string, args ...interface{}) {
	if c.verbose {
		fmt.Printf(format, args...)
	}
}

// CheckDirectory parses every Go file under root and records declarations
// and uses
func (c *ErrorCodeChecker) CheckDirectory(root string, excludePaths []string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel != "." && excluded(rel, excludePaths) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(rel, ".go") || strings.HasSuffix(rel, "_test.go") {
			return nil
		}
		return c.parseFile(path, rel)
	})
	if err != nil {
		if errors.IsPolycallError(err) {
			return err
		}
		return errors.New(ErrWalkFailed, "failed to walk source tree", err).AddContext("root", root)
	}

	for _, f := range c.files {
		c.collectDeclarations(f)
	}
	for _, f := range c.files {
		c.collectUses(f)
	}
	return nil
}

func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(rel+"/", p) {
			return true
		}
	}
	return false
}

func (c *ErrorCodeChecker) parseFile(path, rel string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.New(ErrParseFailed, "failed to read source file", err).AddContext("file", rel)
	}
	file, err := parser.ParseFile(c.fset, rel, src, parser.SkipObjectResolution)
	if err != nil {
		return errors.New(ErrParseFailed, "failed to parse source file", err).AddContext("file", rel)
	}
	c.debug("parsed %s\n", rel)
	c.files = append(c.files, &sourceFile{path: rel, dir: pathpkg.Dir(rel), src: src, file: file})
	return nil
}

func (c *ErrorCodeChecker) collectDeclarations(f *sourceFile) {
	for _, decl := range f.file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.VAR {
			continue
		}
		for _, spec := range gen.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for i, name := range vs.Names {
				if i >= len(vs.Values) {
					break
				}
				code, ok := codeLiteral(vs.Values[i])
				if !ok {
					continue
				}
				info := &CodeInfo{
					Var:  name.Name,
					Code: code,
					Dir:  f.dir,
					File: f.path,
					Line: c.fset.Position(name.Pos()).Line,
				}
				if _, err := errors.NewCode(code); err != nil {
					info.Invalid = err
				}
				c.codes[f.dir+"."+name.Name] = info
				c.byVar[name.Name] = append(c.byVar[name.Name], info)
			}
		}
	}
}

// codeLiteral matches MustNewCode("pkg.name") with or without a package
// qualifier
func codeLiteral(expr ast.Expr) (string, bool) {
	call, ok := expr.(*ast.CallExpr)
	if !ok || len(call.Args) != 1 {
		return "", false
	}
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		if fn.Name != "MustNewCode" {
			return "", false
		}
	case *ast.SelectorExpr:
		if fn.Sel.Name != "MustNewCode" {
			return "", false
		}
	default:
		return "", false
	}
	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	return s, err == nil
}

func (c *ErrorCodeChecker) collectUses(f *sourceFile) {
	imports := make(map[string]string, len(f.file.Imports))
	for _, imp := range f.file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := pathpkg.Base(path)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		imports[name] = path
	}

	ast.Inspect(f.file, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.SelectorExpr:
			pkg, ok := x.X.(*ast.Ident)
			if !ok {
				return true
			}
			path, ok := imports[pkg.Name]
			if !ok {
				return true
			}
			for _, info := range c.byVar[x.Sel.Name] {
				if path == info.Dir || strings.HasSuffix(path, "/"+info.Dir) {
					c.markUsed(info, f, x.Pos())
				}
			}
			return false
		case *ast.Ident:
			if info, ok := c.codes[f.dir+"."+x.Name]; ok {
				c.markUsed(info, f, x.Pos())
			}
		}
		return true
	})
}

func (c *ErrorCodeChecker) markUsed(info *CodeInfo, f *sourceFile, pos token.Pos) {
	line := c.fset.Position(pos).Line
	if f.path == info.File && line == info.Line {
		return
	}
	use := fmt.Sprintf("%s:%d", f.path, line)
	for _, u := range info.UsedIn {
		if u == use {
			return
		}
	}
	info.UsedIn = append(info.UsedIn, use)
}

// Codes returns every declaration ordered by code
func (c *ErrorCodeChecker) Codes() []*CodeInfo {
	out := make([]*CodeInfo, 0, len(c.codes))
	for _, info := range c.codes {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].location() < out[j].location()
	})
	return out
}

// Unused returns the declarations nothing outside the declaration refers to
func (c *ErrorCodeChecker) Unused() []*CodeInfo {
	var out []*CodeInfo
	for _, info := range c.Codes() {
		if len(info.UsedIn) == 0 {
			out = append(out, info)
		}
	}
	return out
}

// CheckCodes reports malformed codes, codes declared twice and prefixes
// claimed by more than one package
func (c *ErrorCodeChecker) CheckCodes() []Violation {
	var out []Violation
	seen := make(map[string]*CodeInfo)
	owners := make(map[string]string)

	for _, info := range c.Codes() {
		if info.Invalid != nil {
			out = append(out, Violation{Kind: "invalid", Location: info.location(), Message: info.Invalid.Error()})
			continue
		}
		if first, dup := seen[info.Code]; dup {
			out = append(out, Violation{
				Kind:     "duplicate",
				Location: info.location(),
				Message:  fmt.Sprintf("%s already declared at %s", info.Code, first.location()),
			})
			continue
		}
		seen[info.Code] = info

		prefix := info.Code[:strings.IndexByte(info.Code, '.')]
		if owner, ok := owners[prefix]; ok && owner != info.Dir {
			out = append(out, Violation{
				Kind:     "prefix",
				Location: info.location(),
				Message:  fmt.Sprintf("prefix %q belongs to %s", prefix, owner),
			})
			continue
		}
		owners[prefix] = info.Dir
	}
	return out
}

// CheckForbidden reports lines matching any of patterns outside the
// allowed paths. Comment lines are skipped.
func (c *ErrorCodeChecker) CheckForbidden(patterns, allowed []string) ([]Violation, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.New(ErrPatternInvalid, "invalid forbidden pattern", err).AddContext("pattern", p)
		}
		res = append(res, re)
	}

	var out []Violation
	for _, f := range c.files {
		if excluded(f.path, allowed) {
			continue
		}
		scanner := bufio.NewScanner(bytes.NewReader(f.src))
		for n := 1; scanner.Scan(); n++ {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "//") {
				continue
			}
			for _, re := range res {
				if re.MatchString(line) {
					out = append(out, Violation{
						Kind:     "forbidden",
						Location: fmt.Sprintf("%s:%d", f.path, n),
						Message:  fmt.Sprintf("matches %s, use a coded error from pkg/errors", re.String()),
					})
				}
			}
		}
	}
	return out, nil
}
