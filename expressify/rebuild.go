package expressify

import (
	"path/filepath"
	"slices"
)

// rebuild assembles the result of a transform from the matched unit of the recompiled package. The handle is
// completed with what was resolved from the source so later commits need no lookup.
func rebuild(req *transformRequest, original, matched *funcCandidate, sig funcSignature,
	rw *bodyRewriter, artifact *compiledArtifact) *RebuiltFunction {
	target := *req.target
	target.FilePath = req.absPath
	target.PackageName = req.original.Name.Name
	target.Receiver = original.receiver
	target.DefLine = original.line
	target.DirectiveLines = slices.Clone(original.directiveLines)
	if target.FunctionIdent == "" {
		target.FunctionIdent = MakeFunctionIdent(req.lp.pkgPath, original.receiver, original.name)
	}

	file := artifact.fset.File(matched.node.Pos())
	start := file.Offset(matched.node.Pos())
	end := file.Offset(matched.node.End())
	source := artifact.serialized[shiftOffset(start, req.alias(), rw.edits):shiftOffset(end, req.alias(), rw.edits)]

	return &RebuiltFunction{
		Target:       target,
		IdentPrefix:  req.prefix,
		Signature:    sig.String(),
		PackageDir:   filepath.Dir(req.absPath),
		SourceDigest: req.srcDigest,
		Edits:        rw.edits,
		Points:       rw.points,
		Source:       string(source),
		Skipped:      rw.skipped,
	}
}

// shiftOffset maps an offset in the original source to the serialized source. An offset at the end of an
// edit maps past its closing paren.
func shiftOffset(offset int, alias string, edits []Edit) int {
	shifted := offset
	for _, e := range edits {
		if e.End <= offset {
			shifted += len(wrapText(alias, ordinalId(e), nil))
		}
	}
	return shifted
}
