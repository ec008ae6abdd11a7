package expressify

import (
	"bytes"
	"embed"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"path"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/tools/go/ast/astutil"
)

const (
	injectedFilenamePrefix = "xx_expressify_"
	clientFileName         = injectedFilenamePrefix + "display_gen.go"
	// defaultIdentPrefix starts every identifier the display client declares.
	defaultIdentPrefix = "xxExpressify"
	displayHookSuffix  = "Show"
)

// Display sinks selectable in the injected client.
const (
	SinkStdout  = "stdout"
	SinkHTTP    = "http"
	SinkDiscard = "discard"
)

//go:embed displayclient.go
var tmplFS embed.FS

// clientOptions are the constants rendered into the display client.
type clientOptions struct {
	Port        int
	Sink        string
	ValueMaxLen int
}

// chooseIdentPrefix returns the first of xxExpressify, xxExpressify1, xxExpressify2... that no identifier in
// files extends with an exported style name. Only the hook identifier in the call position of an already wrapped
// statement is ignored, a declaration of the same name still forces the next prefix.
func chooseIdentPrefix(fset *token.FileSet, files []*ast.File) string {
	names := make(map[string]bool)
	for _, f := range files {
		hooks := make(map[*ast.Ident]bool)
		ast.Inspect(f, func(n ast.Node) bool {
			if call, ok := n.(*ast.CallExpr); ok && isDisplayCall(call) {
				hooks[call.Fun.(*ast.CallExpr).Fun.(*ast.Ident)] = true
			}
			return true
		})
		ast.Inspect(f, func(n ast.Node) bool {
			if id, ok := n.(*ast.Ident); ok && !hooks[id] {
				names[id.Name] = true
			}
			return true
		})
		for _, group := range astutil.Imports(fset, f) {
			for _, spec := range group {
				if spec.Name != nil {
					names[spec.Name.Name] = true
				} else if p, err := strconv.Unquote(spec.Path.Value); err == nil {
					names[path.Base(p)] = true
				}
			}
		}
	}

	collides := func(prefix string) bool {
		for name := range names {
			if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
				if r, _ := utf8.DecodeRuneInString(rest); unicode.IsUpper(r) {
					return true
				}
			}
		}
		return false
	}
	prefix := defaultIdentPrefix
	for i := 1; collides(prefix); i++ {
		prefix = defaultIdentPrefix + strconv.Itoa(i)
	}
	return prefix
}

// renderDisplayClient produces the display client source for package pkgName with every declared identifier
// moved under prefix.
func renderDisplayClient(pkgName, prefix string, opts clientOptions) ([]byte, error) {
	src, err := tmplFS.ReadFile("displayclient.go")
	if err != nil {
		return nil, fmt.Errorf("load embedded display client: %w", err)
	}
	replacements := map[string]string{}
	if opts.Port > 0 {
		replacements[defaultIdentPrefix+"ServerPort"] = strconv.Itoa(opts.Port)
	}
	if opts.Sink != "" {
		replacements[defaultIdentPrefix+"DefaultSink"] = strconv.Quote(opts.Sink)
	}
	if opts.ValueMaxLen > 0 {
		replacements[defaultIdentPrefix+"ValueMaxLen"] = strconv.Itoa(opts.ValueMaxLen)
	}
	var buf bytes.Buffer
	return rewriteClientTemplate(&buf, src, pkgName, prefix, replacements)
}

// rewriteClientTemplate sets the package name, identifier prefix and constant values of the client template.
func rewriteClientTemplate(buf *bytes.Buffer, src []byte, newPkg, prefix string,
	constantReplacements map[string]string) ([]byte, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	file.Name = ast.NewIdent(newPkg)
	updateConstLiterals(file, constantReplacements)
	if prefix != defaultIdentPrefix {
		ast.Inspect(file, func(n ast.Node) bool {
			if id, ok := n.(*ast.Ident); ok {
				if rest, found := strings.CutPrefix(id.Name, defaultIdentPrefix); found {
					id.Name = prefix + rest
				}
			}
			return true
		})
		for _, cg := range file.Comments {
			for _, c := range cg.List {
				c.Text = strings.ReplaceAll(c.Text, defaultIdentPrefix, prefix)
			}
		}
	}

	buf.Reset()
	if err := format.Node(buf, fset, file); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// updateConstLiterals replaces the value of each named const or var with the literal source in values.
// Quoted values become string literals, anything else an integer literal.
func updateConstLiterals(f *ast.File, values map[string]string) {
	if len(values) == 0 {
		return
	}
	for _, decl := range f.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || (genDecl.Tok != token.CONST && genDecl.Tok != token.VAR) {
			continue
		}
		for _, spec := range genDecl.Specs {
			vspec := spec.(*ast.ValueSpec)
			for i, ident := range vspec.Names {
				v, hasReplacement := values[ident.Name]
				if !hasReplacement {
					continue
				}
				lit := &ast.BasicLit{Kind: token.INT, Value: v}
				if strings.HasPrefix(v, `"`) {
					lit.Kind = token.STRING
				}
				for len(vspec.Values) <= i {
					vspec.Values = append(vspec.Values, nil)
				}
				vspec.Values[i] = lit
			}
		}
	}
}
