package expressify

import (
	"errors"
	"fmt"
	"go/ast"
	"go/build"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"io/fs"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
	"golang.org/x/tools/go/packages"
)

// MinGoVersion is the lowest module go version the injected display client compiles under (atomic.Pointer).
const MinGoVersion = "1.19"

// IsGoVersionBelowMinimum returns true if goVersion is below MinGoVersion.
func IsGoVersionBelowMinimum(goVersion string) bool {
	v := "v" + strings.TrimPrefix(goVersion, "go")
	if goVersion == "" || !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, "v"+MinGoVersion) < 0
}

// clientImports are the packages the injected display client depends on. They are loaded along with the
// target package so every type check shares a single universe of imported packages.
var clientImports = []string{"bytes", "encoding/json", "errors", "fmt", "net/http", "os", "strconv", "sync/atomic", "time"}

const loadMode = packages.NeedName | packages.NeedFiles | packages.NeedImports | packages.NeedDeps | packages.NeedTypes

// loadedPackage holds what is needed to type check a package directory without reloading dependencies.
type loadedPackage struct {
	dir        string
	pkgPath    string
	name       string
	modulePath string
	goVersion  string
	digest     uint64
	imports    map[string]*types.Package

	fallbackMu sync.Mutex
	fallback   types.Importer
}

// PackageLoader resolves package metadata and imported types, caching results by directory content.
type PackageLoader struct {
	env   []string
	cache *ristretto.Cache[string, *loadedPackage]
}

// NewPackageLoader creates a loader whose `go list` invocations use env. cacheMB bounds the loaded package cache.
func NewPackageLoader(env []string, cacheMB int) (*PackageLoader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *loadedPackage]{
		NumCounters: 10_000,
		MaxCost:     int64(max(cacheMB, 1)) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PackageLoader{env: env, cache: cache}, nil
}

// Close releases the package cache.
func (l *PackageLoader) Close() {
	l.cache.Close()
}

// packageFiles lists the buildable, non-test, non-injected go files of dir in sorted order.
func packageFiles(dir string) ([]string, error) {
	return listGoFiles(dir, makeFileFilter(dir))
}

// testFiles lists the buildable _test.go files of dir in sorted order, for both the package and its external
// test package.
func testFiles(dir string) ([]string, error) {
	return listGoFiles(dir, func(fi fs.FileInfo) bool {
		if !strings.HasSuffix(fi.Name(), "_test.go") {
			return false
		}
		match, err := build.Default.MatchFile(dir, fi.Name())
		return err == nil && match
	})
}

func listGoFiles(dir string, filter func(fs.FileInfo) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		} else if filter(info) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// Digest hashes the content of every package and test file in dir. It reads files but never parses them.
func (l *PackageLoader) Digest(dir string) (uint64, error) {
	files, err := packageFiles(dir)
	if err != nil {
		return 0, err
	}
	tests, err := testFiles(dir)
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	for _, f := range append(files, tests...) {
		data, err := os.ReadFile(f)
		if err != nil {
			return 0, err
		}
		_, _ = h.WriteString(filepath.Base(f))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(data)
	}
	return h.Sum64(), nil
}

// Load returns the package in dir, reusing a cached load when the digest is unchanged.
func (l *PackageLoader) Load(dir string, digest uint64) (*loadedPackage, error) {
	key := fmt.Sprintf("%s#%x", dir, digest)
	if lp, ok := l.cache.Get(key); ok {
		return lp, nil
	}

	lp := &loadedPackage{dir: dir, digest: digest}
	if goMod, ok := findGoMod(dir); ok {
		data, err := os.ReadFile(goMod)
		if err != nil {
			return nil, err
		}
		mf, err := modfile.ParseLax(goMod, data, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", goMod, err)
		}
		if mf.Module != nil {
			lp.modulePath = mf.Module.Mod.Path
			if rel, err := filepath.Rel(filepath.Dir(goMod), dir); err == nil && rel != "." {
				lp.pkgPath = lp.modulePath + "/" + filepath.ToSlash(rel)
			} else {
				lp.pkgPath = lp.modulePath
			}
		}
		if mf.Go != nil {
			lp.goVersion = mf.Go.Version
		}
	}
	if IsGoVersionBelowMinimum(lp.goVersion) {
		return nil, fmt.Errorf("go version %s in %s is below the minimum %s", lp.goVersion, dir, MinGoVersion)
	}

	if err := l.loadImports(lp); err != nil {
		// imports resolve through the default importer instead
		log.Printf("%sfalling back to default importer: %v", ErrorLogPrefix, err)
		lp.imports = make(map[string]*types.Package)
	}
	if lp.name == "" {
		name, err := detectPackageName(dir)
		if err != nil {
			return nil, err
		}
		lp.name = name
	}
	if lp.pkgPath == "" {
		lp.pkgPath = lp.name
	}

	l.cache.Set(key, lp, int64(len(lp.imports))*4096)
	return lp, nil
}

func (l *PackageLoader) loadImports(lp *loadedPackage) error {
	cfg := &packages.Config{
		Mode:  loadMode,
		Dir:   lp.dir,
		Env:   mergeSafeEnv(l.env),
		Tests: false,
	}
	pkgs, err := packages.Load(cfg, append([]string{"."}, clientImports...)...)
	if err != nil {
		return fmt.Errorf("load package %s: %w", lp.dir, err)
	}

	lp.imports = make(map[string]*types.Package)
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.Types != nil && p.PkgPath != "" {
			lp.imports[p.PkgPath] = p.Types
		}
	})
	for _, p := range pkgs {
		if p.Dir != "" && filepath.Clean(p.Dir) == filepath.Clean(lp.dir) {
			lp.name = p.Name
			if p.PkgPath != "" {
				lp.pkgPath = p.PkgPath
			}
			delete(lp.imports, p.PkgPath) // checked from source on every use
			break
		}
	}
	return nil
}

// Import resolves an import path against the loaded dependency types.
func (lp *loadedPackage) Import(path string) (*types.Package, error) {
	if pkg, ok := lp.imports[path]; ok && pkg.Complete() {
		return pkg, nil
	}
	lp.fallbackMu.Lock()
	defer lp.fallbackMu.Unlock()
	if lp.fallback == nil {
		lp.fallback = importer.Default()
	}
	return lp.fallback.Import(path)
}

// parseFiles parses the package files of the directory, skipping any file path present in exclude.
func (lp *loadedPackage) parseFiles(fset *token.FileSet, exclude ...string) ([]*ast.File, error) {
	paths, err := packageFiles(lp.dir)
	if err != nil {
		return nil, err
	}
	var files []*ast.File
	for _, p := range paths {
		if slices.Contains(exclude, p) {
			continue
		}
		f, err := parser.ParseFile(fset, p, nil, parser.ParseComments|parser.SkipObjectResolution)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// parseTestFiles parses the _test.go files of the directory that compile into the package itself under go test.
// External test packages and files that do not parse are left out, neither can declare a name in the package.
func (lp *loadedPackage) parseTestFiles(fset *token.FileSet) ([]*ast.File, error) {
	paths, err := testFiles(lp.dir)
	if err != nil {
		return nil, err
	}
	var files []*ast.File
	for _, p := range paths {
		f, err := parser.ParseFile(fset, p, nil, parser.SkipObjectResolution)
		if err == nil && f.Name.Name == lp.name {
			files = append(files, f)
		}
	}
	return files, nil
}

// check type checks files as the loaded package, returning the collected errors rather than stopping on the
// first one. A nil info is allowed when only errors are of interest.
func (lp *loadedPackage) check(fset *token.FileSet, files []*ast.File, info *types.Info) []types.Error {
	var errs []types.Error
	conf := types.Config{
		Importer:    lp,
		FakeImportC: true,
		Error: func(err error) {
			var terr types.Error
			if errors.As(err, &terr) {
				errs = append(errs, terr)
			}
		},
	}
	if lp.goVersion != "" {
		conf.GoVersion = "go" + lp.goVersion
	}
	_, _ = conf.Check(lp.pkgPath, fset, files, info)
	return errs
}

func newTypesInfo() *types.Info {
	return &types.Info{
		Types:      make(map[ast.Expr]types.TypeAndValue),
		Defs:       make(map[*ast.Ident]types.Object),
		Uses:       make(map[*ast.Ident]types.Object),
		Selections: make(map[*ast.SelectorExpr]*types.Selection),
	}
}

func makeFileFilter(dir string) func(fi fs.FileInfo) bool {
	return func(fi fs.FileInfo) bool {
		name := fi.Name()
		if strings.HasSuffix(name, "_test.go") || strings.HasPrefix(name, injectedFilenamePrefix) {
			return false
		}
		// drop any file that the default go/build would ignore
		match, err := build.Default.MatchFile(dir, name)
		return err == nil && match
	}
}

// detectPackageName returns the single non-test package defined in dir.
func detectPackageName(dir string) (string, error) {
	pkgs, err := parser.ParseDir(token.NewFileSet(), dir, makeFileFilter(dir), parser.PackageClauseOnly)
	if err != nil {
		return "", err
	} else if len(pkgs) == 0 {
		return "", fmt.Errorf("no non-test packages found in %s", dir)
	}
	pkgNames := slices.Collect(maps.Keys(pkgs))
	if len(pkgNames) > 1 {
		slices.Sort(pkgNames)
		return "", fmt.Errorf("multiple packages found in %s: %v", dir, pkgNames)
	}
	return pkgNames[0], nil
}
