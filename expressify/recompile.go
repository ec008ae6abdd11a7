package expressify

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// compiledArtifact is the type checked package with the rewritten tree in place of the original file.
type compiledArtifact struct {
	fset *token.FileSet
	file *ast.File
	info *types.Info
	// serialized is the original file content with the display wraps spliced in, numbered by ordinal.
	serialized []byte
}

// recompile checks the whole package with the rewritten clone and the display client in place. Errors that
// the unmodified package already had are tolerated, any new error fails the transform.
func (t *Transformer) recompile(req *transformRequest, edits []Edit) (*compiledArtifact, error) {
	current, err := os.ReadFile(req.absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecompileFailure, err)
	} else if xxhash.Sum64(current) != req.srcDigest {
		return nil, fmt.Errorf("%w: %s changed during transform", ErrRecompileFailure, req.absPath)
	}

	serialized := applyEdits(req.src, req.alias(), edits, ordinalId)
	verify, err := parser.ParseFile(token.NewFileSet(), req.absPath, serialized, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("%w: rewritten source does not parse: %w", ErrRecompileFailure, err)
	} else if n := countDisplayCalls(verify); n < len(edits) {
		return nil, fmt.Errorf("%w: expected %d display calls in rewritten source, found %d",
			ErrRecompileFailure, len(edits), n)
	}

	clientSrc, err := renderDisplayClient(req.original.Name.Name, req.prefix, clientOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecompileFailure, err)
	}
	clientFile, err := parser.ParseFile(req.fset, filepath.Join(req.lp.dir, clientFileName), clientSrc,
		parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("%w: display client: %w", ErrRecompileFailure, err)
	}

	info := newTypesInfo()
	errs := req.lp.check(req.fset, slices.Concat(req.others, []*ast.File{req.clone, clientFile}), info)
	for _, e := range errs {
		if !req.baseline[errorKey(req.fset, e)] {
			return nil, fmt.Errorf("%w: %s", ErrRecompileFailure, e.Error())
		}
	}
	return &compiledArtifact{fset: req.fset, file: req.clone, info: info, serialized: serialized}, nil
}

func countDisplayCalls(f *ast.File) int {
	var count int
	ast.Inspect(f, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok && isDisplayCall(call) {
			count++
		}
		return true
	})
	return count
}
