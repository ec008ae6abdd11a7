package expressify

import (
	"go/ast"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

const analyzerDoc = `report the expression statements a display directive routes to the display sink

Functions annotated with //expressify:display have each expression statement that yields a value
wrapped by the expressify tool. This analyzer reports every statement that will be displayed, every
statement left alone because its value count could not be determined, and directives attached to
functions without a body.`

// Analyzer previews the rewrite of annotated functions without changing any source.
var Analyzer = &analysis.Analyzer{
	Name:     "expressify",
	Doc:      analyzerDoc,
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      runAnalyzer,
}

func runAnalyzer(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	nodeFilter := []ast.Node{
		(*ast.FuncDecl)(nil),
		(*ast.AssignStmt)(nil),
		(*ast.ValueSpec)(nil),
	}

	comments := make(map[*ast.File]map[uint32]*ast.CommentGroup)
	insp.WithStack(nodeFilter, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		file := stack[0].(*ast.File)
		fileComments, ok := comments[file]
		if !ok {
			fileComments = commentsByEndLine(pass.Fset, file)
			comments[file] = fileComments
		}
		cand := annotatedCandidate(pass.Fset, n, fileComments)
		if cand == nil {
			return true
		} else if cand.body == nil {
			pass.Reportf(cand.node.Pos(), "display directive on %s which has no body", cand.name)
			return true
		}

		rw := &bodyRewriter{
			fset:   pass.Fset,
			info:   pass.TypesInfo,
			dryRun: true,
			onPoint: func(stmt *ast.ExprStmt, point DisplayPoint) {
				if point.Values > 1 {
					pass.Reportf(stmt.Pos(), "displays %d values of %s", point.Values, point.Expr)
				} else {
					pass.Reportf(stmt.Pos(), "displays %s", point.Expr)
				}
			},
			onSkip: func(stmt *ast.ExprStmt) {
				pass.Reportf(stmt.Pos(), "value count of %s unknown, not displayed", types.ExprString(stmt.X))
			},
		}
		rw.rewriteBody(cand.body)
		return true
	})
	return nil, nil
}
