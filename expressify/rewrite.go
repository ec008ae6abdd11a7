package expressify

import (
	"go/ast"
	"go/token"
	"go/types"
	"regexp"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"
)

const maxPointExprLen = 120

// displayCallRe matches the hook identifier of an already wrapped statement.
var displayCallRe = regexp.MustCompile(`^` + defaultIdentPrefix + `\d*` + displayHookSuffix + `$`)

// bodyRewriter wraps each expression statement of a function body with a display hook call.
type bodyRewriter struct {
	fset  *token.FileSet
	info  *types.Info // nil when type information is unavailable
	src   []byte      // nil when only reporting
	alias string

	// dryRun classifies statements without modifying the tree.
	dryRun  bool
	onPoint func(stmt *ast.ExprStmt, point DisplayPoint)
	onSkip  func(stmt *ast.ExprStmt)

	edits   []Edit
	points  []DisplayPoint
	skipped int
}

// rewriteBody wraps every qualifying expression statement within body, in place, recording the matching
// source edits. Nested function literals are left untouched.
func (r *bodyRewriter) rewriteBody(body *ast.BlockStmt) {
	astutil.Apply(body, func(c *astutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *ast.FuncLit:
			return false
		case *ast.ExprStmt:
			// statement lists only, never If.Init, For.Post, or a select Comm
			switch c.Name() {
			case "List", "Body", "Stmt":
				r.wrapStmt(n)
			}
			return false
		}
		return true
	}, nil)
}

func (r *bodyRewriter) wrapStmt(stmt *ast.ExprStmt) {
	if isDisplayCall(stmt.X) {
		return
	}
	values, known := r.valueCount(stmt.X)
	if !known {
		r.skipped++
		if r.onSkip != nil {
			r.onSkip(stmt)
		}
		return
	} else if values == 0 {
		return // void call
	}

	ordinal := len(r.points) + 1
	pos := r.fset.Position(stmt.X.Pos())
	point := DisplayPoint{
		Ordinal: ordinal,
		Line:    uint32(pos.Line),
		Column:  uint32(pos.Column),
		Values:  values,
	}
	if r.src != nil {
		file := r.fset.File(stmt.X.Pos())
		start, end := file.Offset(stmt.X.Pos()), file.Offset(stmt.X.End())
		r.edits = append(r.edits, Edit{Start: start, End: end, Ordinal: ordinal})
		point.Expr = limitString(firstLine(string(r.src[start:end])), maxPointExprLen)
	} else {
		point.Expr = limitString(types.ExprString(stmt.X), maxPointExprLen)
	}
	r.points = append(r.points, point)
	if r.onPoint != nil {
		r.onPoint(stmt, point)
	}
	if !r.dryRun {
		stmt.X = makeDisplayCall(r.alias, ordinal, stmt.X)
	}
}

// valueCount reports how many values the expression statement yields, and false if that can not be determined.
func (r *bodyRewriter) valueCount(x ast.Expr) (int, bool) {
	switch e := ast.Unparen(x).(type) {
	case *ast.UnaryExpr:
		if e.Op == token.ARROW {
			return 1, true
		}
	case *ast.CallExpr:
		if r.info == nil {
			// without types only builtins with a known result can be classified
			if id, ok := ast.Unparen(e.Fun).(*ast.Ident); ok && (id.Name == "recover" || id.Name == "copy") {
				return 1, true
			}
			return 0, false
		}
		tv, ok := r.info.Types[e]
		if !ok || tv.Type == nil {
			return 0, false
		} else if tv.IsVoid() {
			return 0, true
		} else if tuple, ok := tv.Type.(*types.Tuple); ok {
			return tuple.Len(), true
		} else if basic, ok := tv.Type.(*types.Basic); ok && basic.Kind() == types.Invalid {
			return 0, false
		}
		return 1, true
	}
	return 0, false
}

// makeDisplayCall builds `alias(ordinal)(x)`, positioning the synthesized nodes on x.
func makeDisplayCall(alias string, ordinal int, x ast.Expr) *ast.CallExpr {
	pos := x.Pos()
	return &ast.CallExpr{
		Fun: &ast.CallExpr{
			Fun:    &ast.Ident{NamePos: pos, Name: alias},
			Lparen: pos,
			Args:   []ast.Expr{&ast.BasicLit{ValuePos: pos, Kind: token.INT, Value: strconv.Itoa(ordinal)}},
			Rparen: pos,
		},
		Lparen: pos,
		Args:   []ast.Expr{x},
		Rparen: x.End() - 1,
	}
}

// isDisplayCall reports whether x is already a display hook invocation.
func isDisplayCall(x ast.Expr) bool {
	outer, ok := ast.Unparen(x).(*ast.CallExpr)
	if !ok {
		return false
	}
	inner, ok := outer.Fun.(*ast.CallExpr)
	if !ok {
		return false
	}
	id, ok := inner.Fun.(*ast.Ident)
	return ok && displayCallRe.MatchString(id.Name)
}

// wrapText renders the replacement text for one edit.
func wrapText(alias string, id uint32, expr []byte) []byte {
	out := make([]byte, 0, len(alias)+len(expr)+16)
	out = append(out, alias...)
	out = append(out, '(')
	out = strconv.AppendUint(out, uint64(id), 10)
	out = append(out, ")("...)
	out = append(out, expr...)
	return append(out, ')')
}

// applyEdits splices the display wraps into src. Edits must be sorted and non-overlapping. idOf maps an
// edit to the point id written into the source.
func applyEdits(src []byte, alias string, edits []Edit, idOf func(Edit) uint32) []byte {
	out := make([]byte, 0, len(src)+len(edits)*(len(alias)+16))
	var last int
	for _, e := range edits {
		out = append(out, src[last:e.Start]...)
		out = append(out, wrapText(alias, idOf(e), src[e.Start:e.End])...)
		last = e.End
	}
	return append(out, src[last:]...)
}

func ordinalId(e Edit) uint32 {
	return uint32(e.Ordinal)
}
