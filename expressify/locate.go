package expressify

import (
	"go/ast"
	"go/token"
	"go/types"
	"strings"
)

// funcCandidate is a function definition in a parsed file that may be the target of a transform.
type funcCandidate struct {
	// node is the *ast.FuncDecl or *ast.FuncLit defining the function.
	node     ast.Node
	name     string
	receiver string
	typ      *ast.FuncType
	recv     *ast.FieldList
	body     *ast.BlockStmt
	// line is the line of the func keyword.
	line           uint32
	directiveLines []uint32
}

// MakeFunctionIdent builds the qualified identifier for a function declared in pkg.
func MakeFunctionIdent(pkg, receiver, funcName string) string {
	if receiver != "" {
		return pkg + ":" + receiver + "." + funcName
	}
	return pkg + ":" + funcName
}

// receiverString renders a method receiver type without type parameters, ie "*List" for "*List[T]".
func receiverString(recv *ast.FieldList) string {
	if recv == nil || len(recv.List) == 0 {
		return ""
	}
	typ := recv.List[0].Type
	var star string
	if s, ok := typ.(*ast.StarExpr); ok {
		star = "*"
		typ = s.X
	}
	switch t := typ.(type) {
	case *ast.IndexExpr:
		typ = t.X
	case *ast.IndexListExpr:
		typ = t.X
	}
	return star + types.ExprString(typ)
}

// sameReceiver compares receivers ignoring pointer indirection, a spec of "T" selects a "*T" method.
func sameReceiver(a, b string) bool {
	return strings.TrimPrefix(a, "*") == strings.TrimPrefix(b, "*")
}

func lineOf(fset *token.FileSet, pos token.Pos) uint32 {
	return uint32(fset.Position(pos).Line)
}

// directiveLine returns the line of a display directive within the comment group.
func directiveLine(fset *token.FileSet, cg *ast.CommentGroup) (uint32, bool) {
	if cg == nil {
		return 0, false
	}
	for _, c := range cg.List {
		if c.Text == DisplayDirective || strings.HasPrefix(c.Text, DisplayDirective+" ") {
			return lineOf(fset, c.Slash), true
		}
	}
	return 0, false
}

// commentsByEndLine indexes the comment groups of a file by the line they end on.
func commentsByEndLine(fset *token.FileSet, f *ast.File) map[uint32]*ast.CommentGroup {
	m := make(map[uint32]*ast.CommentGroup, len(f.Comments))
	for _, cg := range f.Comments {
		m[lineOf(fset, cg.End())] = cg
	}
	return m
}

// boundFuncLit returns the function literal bound to a single name by an assignment or var spec.
func boundFuncLit(n ast.Node) (string, *ast.FuncLit) {
	switch s := n.(type) {
	case *ast.AssignStmt:
		if len(s.Lhs) == 1 && len(s.Rhs) == 1 {
			if id, ok := s.Lhs[0].(*ast.Ident); ok {
				if lit, ok := ast.Unparen(s.Rhs[0]).(*ast.FuncLit); ok {
					return id.Name, lit
				}
			}
		}
	case *ast.ValueSpec:
		if len(s.Names) == 1 && len(s.Values) == 1 {
			if lit, ok := ast.Unparen(s.Values[0]).(*ast.FuncLit); ok {
				return s.Names[0].Name, lit
			}
		}
	}
	return "", nil
}

// findCandidates returns every function definition in f named name with a matching receiver, in source order.
// Function literals bound to name are candidates as well, at any nesting depth.
func findCandidates(fset *token.FileSet, f *ast.File, name, receiver string) []*funcCandidate {
	comments := commentsByEndLine(fset, f)
	directives := func(n ast.Node, doc *ast.CommentGroup) []uint32 {
		var lines []uint32
		if l, ok := directiveLine(fset, doc); ok {
			lines = append(lines, l)
		} else if l, ok := directiveLine(fset, comments[lineOf(fset, n.Pos())-1]); ok {
			lines = append(lines, l)
		}
		return lines
	}

	var result []*funcCandidate
	ast.Inspect(f, func(n ast.Node) bool {
		switch d := n.(type) {
		case *ast.FuncDecl:
			if d.Name.Name == name && sameReceiver(receiverString(d.Recv), receiver) {
				result = append(result, &funcCandidate{
					node:           d,
					name:           d.Name.Name,
					receiver:       receiverString(d.Recv),
					typ:            d.Type,
					recv:           d.Recv,
					body:           d.Body,
					line:           lineOf(fset, d.Type.Func),
					directiveLines: directives(d, d.Doc),
				})
			}
		case *ast.AssignStmt, *ast.ValueSpec:
			if receiver != "" {
				break
			}
			bound, lit := boundFuncLit(d)
			if lit != nil && bound == name {
				var doc *ast.CommentGroup
				if vs, ok := d.(*ast.ValueSpec); ok {
					doc = vs.Doc
				}
				result = append(result, &funcCandidate{
					node:           lit,
					name:           bound,
					typ:            lit.Type,
					body:           lit.Body,
					line:           lineOf(fset, lit.Type.Func),
					directiveLines: directives(d, doc),
				})
			}
		}
		return true
	})
	return result
}

// annotatedCandidate returns the function defined by n when it carries the display directive. n is a
// *ast.FuncDecl, or an *ast.AssignStmt or *ast.ValueSpec binding a function literal.
func annotatedCandidate(fset *token.FileSet, n ast.Node, comments map[uint32]*ast.CommentGroup) *funcCandidate {
	switch d := n.(type) {
	case *ast.FuncDecl:
		if l, ok := directiveLine(fset, d.Doc); ok {
			return &funcCandidate{
				node:           d,
				name:           d.Name.Name,
				receiver:       receiverString(d.Recv),
				typ:            d.Type,
				recv:           d.Recv,
				body:           d.Body,
				line:           lineOf(fset, d.Type.Func),
				directiveLines: []uint32{l},
			}
		}
	case *ast.AssignStmt, *ast.ValueSpec:
		if name, lit := boundFuncLit(d); lit != nil {
			if l, ok := directiveLine(fset, comments[lineOf(fset, d.Pos())-1]); ok {
				return &funcCandidate{
					node:           lit,
					name:           name,
					typ:            lit.Type,
					body:           lit.Body,
					line:           lineOf(fset, lit.Type.Func),
					directiveLines: []uint32{l},
				}
			}
		}
	}
	return nil
}

// FindAnnotatedFunctions lists every function in f carrying the display directive.
func FindAnnotatedFunctions(fset *token.FileSet, f *ast.File, filePath, pkgPath string) []*TargetFunction {
	comments := commentsByEndLine(fset, f)
	var result []*TargetFunction
	ast.Inspect(f, func(n ast.Node) bool {
		if c := annotatedCandidate(fset, n, comments); c != nil {
			result = append(result, &TargetFunction{
				FilePath:       filePath,
				PackageName:    f.Name.Name,
				FunctionIdent:  MakeFunctionIdent(pkgPath, c.receiver, c.name),
				FunctionName:   c.name,
				Receiver:       c.receiver,
				DefLine:        c.line,
				DirectiveLines: c.directiveLines,
			})
		}
		return true
	})
	return result
}
