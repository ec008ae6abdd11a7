package expressify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/mtraver/base91"
)

// transformVersion is part of every fingerprint, bump when the rewrite output changes.
const transformVersion = "expressify.1"

const debugTransform = false

var (
	// ErrSourceUnavailable indicates the source file of the target can not be read or parsed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrTargetNotFound indicates no function with the target name exists in the source file.
	ErrTargetNotFound = errors.New("target not found")
	// ErrRecompileFailure indicates the rewritten package no longer compiles.
	ErrRecompileFailure = errors.New("recompile failure")
	// ErrMatchFailure indicates no unit of the recompiled package corresponds to the target.
	ErrMatchFailure = errors.New("match failure")
	// ErrNoFunctionBody indicates a function has no body (e.g., assembly-only or external).
	ErrNoFunctionBody = errors.New("function has no body (likely assembly or external implementation)")
	// ErrStaleSource indicates a file changed between transform and commit.
	ErrStaleSource = errors.New("source changed since transform")
)

// IsNormalTransformError returns true if the error should be skipped rather than failing.
func IsNormalTransformError(err error) bool {
	return errors.Is(err, ErrNoFunctionBody)
}

// TransformStats counts the work done by a Transformer.
type TransformStats struct {
	Requests   int64 `json:"requests"`
	CacheHits  int64 `json:"cacheHits"`
	Parses     int64 `json:"parses"`
	Rewrites   int64 `json:"rewrites"`
	Recompiles int64 `json:"recompiles"`
	Failures   int64 `json:"failures"`
}

// Transformer rewrites functions so every expression statement is routed to the display sink.
// It is safe for concurrent use.
type Transformer struct {
	loader *PackageLoader
	cache  *TransformCache

	requests, cacheHits, parses, rewrites, recompiles, failures atomic.Int64
}

// NewTransformer creates a Transformer loading packages through loader and memoizing results in cache.
func NewTransformer(loader *PackageLoader, cache *TransformCache) *Transformer {
	return &Transformer{loader: loader, cache: cache}
}

// Stats returns a snapshot of the transform counters.
func (t *Transformer) Stats() TransformStats {
	return TransformStats{
		Requests:   t.requests.Load(),
		CacheHits:  t.cacheHits.Load(),
		Parses:     t.parses.Load(),
		Rewrites:   t.rewrites.Load(),
		Recompiles: t.recompiles.Load(),
		Failures:   t.failures.Load(),
	}
}

// transformRequest carries the state of one uncached transform. It is discarded once the result is built.
type transformRequest struct {
	target    *TargetFunction
	absPath   string
	src       []byte
	srcDigest uint64
	pkgDigest uint64

	fset     *token.FileSet
	lp       *loadedPackage
	original *ast.File
	others   []*ast.File
	clone    *ast.File
	prefix   string
	baseline map[string]bool
}

func (r *transformRequest) alias() string {
	return r.prefix + displayHookSuffix
}

// Transform returns the rebuilt form of fn. Repeat calls for an unchanged function return the identical result
// without parsing the source again.
func (t *Transformer) Transform(fn *TargetFunction) (*RebuiltFunction, error) {
	t.requests.Add(1)
	rf, err := t.transform(fn)
	if err != nil {
		t.failures.Add(1)
	}
	return rf, err
}

func (t *Transformer) transform(fn *TargetFunction) (*RebuiltFunction, error) {
	if fn == nil || fn.FilePath == "" {
		return nil, fmt.Errorf("%w: no source file for %v", ErrSourceUnavailable, fn)
	}
	absPath, err := filepath.Abs(fn.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	src, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	pkgDigest, err := t.loader.Digest(filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	req := &transformRequest{
		target:    fn,
		absPath:   absPath,
		src:       src,
		srcDigest: xxhash.Sum64(src),
		pkgDigest: pkgDigest,
	}

	fingerprint := req.fingerprint()
	if rf, ok := t.cache.Get(fingerprint); ok {
		t.cacheHits.Add(1)
		return rf, nil
	}
	rf, err := t.transformUncached(req)
	if err != nil {
		return nil, err
	}
	rf.Fingerprint = fingerprint
	return t.cache.Publish(fingerprint, rf), nil
}

// fingerprint is the stable identity of the original function: its location and every byte it could depend on.
func (r *transformRequest) fingerprint() string {
	h := xxhash.New()
	for _, s := range []string{transformVersion, r.absPath, r.target.Receiver, r.target.FunctionName} {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	var num [8]byte
	for _, v := range []uint64{uint64(r.target.DefLine), r.pkgDigest, r.srcDigest} {
		binary.BigEndian.PutUint64(num[:], v)
		_, _ = h.Write(num[:])
	}
	binary.BigEndian.PutUint64(num[:], h.Sum64())
	return base91.StdEncoding.EncodeToString(num[:])
}

func (t *Transformer) transformUncached(req *transformRequest) (*RebuiltFunction, error) {
	fn := req.target
	req.fset = token.NewFileSet()
	t.parses.Add(1)
	original, err := parser.ParseFile(req.fset, req.absPath, req.src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	req.original = original

	cands := findCandidates(req.fset, original, fn.FunctionName, fn.Receiver)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrTargetNotFound, fn.ShortIdent(), req.absPath)
	}
	cand, err := matchCandidate(cands, fn.DefLine, fn.DirectiveLines)
	if err != nil {
		return nil, err
	} else if cand.body == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoFunctionBody, fn.ShortIdent(), req.absPath)
	}

	req.lp, err = t.loader.Load(filepath.Dir(req.absPath), req.pkgDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecompileFailure, err)
	}
	req.others, err = req.lp.parseFiles(req.fset, req.absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: package no longer parses: %w", ErrRecompileFailure, err)
	}
	tests, err := req.lp.parseTestFiles(req.fset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	// in-package test files share the namespace the client is injected into
	req.prefix = chooseIdentPrefix(req.fset, slices.Concat([]*ast.File{original}, req.others, tests))

	// the clone is the tree that gets rewritten, the original stays untouched for reference
	req.clone, err = parser.ParseFile(req.fset, req.absPath, req.src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	info := newTypesInfo()
	req.baseline = errorKeys(req.fset, req.lp.check(req.fset, append(req.others, req.clone), info))
	cloneCand, err := matchCandidate(findCandidates(req.fset, req.clone, fn.FunctionName, fn.Receiver), cand.line, nil)
	if err != nil {
		return nil, err
	}
	origSig := signatureOf(cloneCand, info, req.lp.pkgPath)

	t.rewrites.Add(1)
	rw := &bodyRewriter{fset: req.fset, info: info, src: req.src, alias: req.alias()}
	rw.rewriteBody(cloneCand.body)

	t.recompiles.Add(1)
	artifact, err := t.recompile(req, rw.edits)
	if err != nil {
		return nil, err
	}

	defLine := fn.DefLine
	if defLine == 0 {
		defLine = cand.line
	}
	matched, err := matchCandidate(findCandidates(artifact.fset, artifact.file, fn.FunctionName, fn.Receiver),
		defLine, cand.directiveLines)
	if err != nil {
		return nil, err
	}
	newSig := signatureOf(matched, artifact.info, req.lp.pkgPath)
	if !sameSignature(origSig, newSig) {
		return nil, fmt.Errorf("%w: signature changed from %s to %s", ErrMatchFailure, origSig, newSig)
	}
	if debugTransform {
		log.Printf("Rewrote %s with %d display points, %d skipped", fn, len(rw.points), rw.skipped)
	}
	return rebuild(req, cand, matched, origSig, rw, artifact), nil
}

// errorKeys indexes type errors by file, line, and message so errors unrelated to a rewrite can be ignored.
func errorKeys(fset *token.FileSet, errs []types.Error) map[string]bool {
	keys := make(map[string]bool, len(errs))
	for _, e := range errs {
		keys[errorKey(fset, e)] = true
	}
	return keys
}

func errorKey(fset *token.FileSet, e types.Error) string {
	pos := fset.Position(e.Pos)
	return fmt.Sprintf("%s:%d:%s", filepath.Base(pos.Filename), pos.Line, e.Msg)
}
