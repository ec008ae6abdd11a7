package expressify

import (
	"errors"
	"fmt"
	"go/ast"
	"log"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
)

// IsGeneratedFile returns true if the filename follows known patterns for generated go files.
func IsGeneratedFile(filename string) bool {
	if strings.HasPrefix(filename, injectedFilenamePrefix) || strings.Contains(filename, "/"+injectedFilenamePrefix) {
		return true
	}
	suffixes := []string{".pb.go", ".pb.gw.go", "_grpc.pb.go", "_mock.go", "_gen.go", ".gen.go"}
	for _, s := range suffixes {
		if strings.HasSuffix(filename, s) {
			return true
		}
	}
	return false
}

// DiscoverTargets loads the packages matching patterns from projectDir and returns every function carrying
// the display directive, ordered by file and line.
func DiscoverTargets(projectDir string, env []string, patterns []string) ([]*TargetFunction, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	cfg := &packages.Config{
		Dir:  projectDir,
		Env:  mergeSafeEnv(env),
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, err
	} else if packages.PrintErrors(pkgs) > 0 {
		return nil, errors.New("project packages contain errors")
	}

	var result []*TargetFunction
	for _, pkg := range pkgs {
		for _, f := range pkg.Syntax {
			filename := pkg.Fset.File(f.Pos()).Name()
			if IsGeneratedFile(filename) || ast.IsGenerated(f) {
				continue
			}
			found := FindAnnotatedFunctions(pkg.Fset, f, filename, pkg.PkgPath)
			if debugTransform {
				for _, fn := range found {
					log.Printf("Discovered display function %s", fn)
				}
			}
			result = append(result, found...)
		}
	}
	slices.SortFunc(result, func(a, b *TargetFunction) int {
		if c := strings.Compare(a.FilePath, b.FilePath); c != 0 {
			return c
		}
		return int(a.DefLine) - int(b.DefLine)
	})
	return result, nil
}

// mergeTargets appends the explicit targets that were not already discovered.
func mergeTargets(discovered, explicit []*TargetFunction) []*TargetFunction {
	key := func(t *TargetFunction) string {
		return fmt.Sprintf("%s:%s.%s", t.FilePath, strings.TrimPrefix(t.Receiver, "*"), t.FunctionName)
	}
	seen := make(map[string]*TargetFunction, len(discovered))
	for _, t := range discovered {
		seen[key(t)] = t
	}
	result := slices.Clone(discovered)
	for _, t := range explicit {
		if prior, ok := seen[key(t)]; ok && (t.DefLine == 0 || t.DefLine == prior.DefLine) {
			continue
		}
		seen[key(t)] = t
		result = append(result, t)
	}
	return result
}
