package expressify

import (
	"fmt"
	"go/ast"
	"go/types"
	"slices"
)

// matchCandidate selects the single candidate equivalent to a function defined at defLine. When no candidate
// starts on defLine, one starting on a directive line is accepted. A zero defLine requires a sole candidate.
func matchCandidate(cands []*funcCandidate, defLine uint32, directiveLines []uint32) (*funcCandidate, error) {
	switch {
	case len(cands) == 0:
		return nil, fmt.Errorf("%w: no candidate found", ErrMatchFailure)
	case defLine == 0:
		if len(cands) > 1 {
			lines := make([]uint32, len(cands))
			for i, c := range cands {
				lines[i] = c.line
			}
			return nil, fmt.Errorf("%w: %d candidates named %s (lines %v) and no definition line",
				ErrMatchFailure, len(cands), cands[0].name, lines)
		}
		return cands[0], nil
	}

	for _, c := range cands {
		if c.line == defLine {
			return c, nil
		}
	}
	for _, c := range cands {
		if slices.Contains(directiveLines, c.line) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s defined at line %d", ErrMatchFailure, cands[0].name, defLine)
}

// funcSignature identifies a function signature both as written and as type checked.
type funcSignature struct {
	syntax string
	typed  string
}

func (s funcSignature) String() string {
	if s.typed != "" {
		return s.typed
	}
	return s.syntax
}

// signatureOf renders the signature of a candidate. The typed form is only set when info resolves it.
func signatureOf(c *funcCandidate, info *types.Info, pkgPath string) funcSignature {
	sig := funcSignature{syntax: types.ExprString(c.typ)}
	if c.recv != nil && len(c.recv.List) > 0 {
		sig.syntax = "(" + types.ExprString(c.recv.List[0].Type) + ") " + sig.syntax
	}
	if info == nil {
		return sig
	}

	qualifier := func(p *types.Package) string {
		if p.Path() == pkgPath {
			return ""
		}
		return p.Path()
	}
	var typ types.Type
	switch n := c.node.(type) {
	case *ast.FuncDecl:
		if fn, ok := info.Defs[n.Name].(*types.Func); ok {
			typ = fn.Type()
		}
	case *ast.FuncLit:
		typ = info.TypeOf(n)
	}
	if s, ok := typ.(*types.Signature); ok {
		sig.typed = types.TypeString(s, qualifier)
		if recv := s.Recv(); recv != nil {
			sig.typed = "(" + types.TypeString(recv.Type(), qualifier) + ") " + sig.typed
		}
	}
	return sig
}

// sameSignature compares syntactic forms and, when both sides were type checked, the typed forms.
func sameSignature(a, b funcSignature) bool {
	if a.syntax != b.syntax {
		return false
	}
	return a.typed == "" || b.typed == "" || a.typed == b.typed
}
