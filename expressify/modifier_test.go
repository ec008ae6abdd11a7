package expressify

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modifierSrcA = `package demo

import "strings"

func A() {
	strings.ToUpper("a")
	strings.TrimSpace(" a ")
}

func B() {
	strings.ToLower("B")
}
`

const modifierSrcB = `package demo

import "fmt"

func C() {
	fmt.Sprint("c")
}
`

// rebuiltFor builds the result a transform would produce for name, wrapping each of exprs found in src.
func rebuiltFor(t *testing.T, path, src, name string, exprs ...string) *RebuiltFunction {
	t.Helper()
	rf := &RebuiltFunction{
		Target: TargetFunction{
			FilePath:      path,
			PackageName:   "demo",
			FunctionIdent: MakeFunctionIdent("example.com/demo", "", name),
			FunctionName:  name,
		},
		Fingerprint:  path + "#" + name,
		IdentPrefix:  defaultIdentPrefix,
		PackageDir:   filepath.Dir(path),
		SourceDigest: xxhash.Sum64String(src),
	}
	for i, expr := range exprs {
		start := strings.Index(src, expr)
		require.GreaterOrEqual(t, start, 0, expr)
		rf.Edits = append(rf.Edits, Edit{Start: start, End: start + len(expr), Ordinal: i + 1})
		rf.Points = append(rf.Points, DisplayPoint{
			Ordinal: i + 1,
			Line:    uint32(strings.Count(src[:start], "\n") + 1),
			Expr:    expr,
			Values:  1,
		})
	}
	return rf
}

func writeModifierFiles(t *testing.T) (string, []*RebuiltFunction) {
	t.Helper()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.go")
	pathB := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(pathA, []byte(modifierSrcA), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte(modifierSrcB), 0o644))
	return dir, []*RebuiltFunction{
		rebuiltFor(t, pathB, modifierSrcB, "C", `fmt.Sprint("c")`),
		rebuiltFor(t, pathA, modifierSrcA, "B", `strings.ToLower("B")`),
		rebuiltFor(t, pathA, modifierSrcA, "A", `strings.ToUpper("a")`, `strings.TrimSpace(" a ")`),
	}
}

func newLoadedModifier(t *testing.T, fns []*RebuiltFunction) *SourceModifier {
	t.Helper()
	m := NewSourceModifier(9100, SinkHTTP, 64)
	for _, rf := range fns {
		require.NoError(t, m.AddFunction(rf))
	}
	return m
}

func TestSourceModifierOverlay(t *testing.T) {
	t.Parallel()

	dir, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)
	overlayDir := filepath.Join(t.TempDir(), "overlay")

	overlayFile, err := m.CommitOverlay(overlayDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(overlayDir, overlayFileName), overlayFile)

	data, err := os.ReadFile(overlayFile)
	require.NoError(t, err)
	var overlay overlayJSON
	require.NoError(t, json.Unmarshal(data, &overlay))
	require.Len(t, overlay.Replace, 3)

	pathA := filepath.Join(dir, "a.go")
	rewrittenA, err := os.ReadFile(overlay.Replace[pathA])
	require.NoError(t, err)
	assert.Contains(t, string(rewrittenA), `xxExpressifyShow(1)(strings.ToUpper("a"))`)
	assert.Contains(t, string(rewrittenA), `xxExpressifyShow(2)(strings.TrimSpace(" a "))`)
	assert.Contains(t, string(rewrittenA), `xxExpressifyShow(3)(strings.ToLower("B"))`)

	rewrittenB, err := os.ReadFile(overlay.Replace[filepath.Join(dir, "b.go")])
	require.NoError(t, err)
	assert.Contains(t, string(rewrittenB), `xxExpressifyShow(4)(fmt.Sprint("c"))`)

	client, err := os.ReadFile(overlay.Replace[filepath.Join(dir, clientFileName)])
	require.NoError(t, err)
	assert.Contains(t, string(client), "package demo")
	assert.Contains(t, string(client), "= 9100")

	original, err := os.ReadFile(pathA)
	require.NoError(t, err)
	assert.Equal(t, modifierSrcA, string(original))
	assert.NoFileExists(t, filepath.Join(dir, clientFileName))

	points := m.Points()
	require.Len(t, points, 4)
	for i, p := range points {
		assert.Equal(t, uint32(i+1), p.ID)
	}
	assert.Equal(t, "example.com/demo:A", points[0].FunctionIdent)
	assert.Equal(t, uint32(6), points[0].Line)
	assert.Equal(t, "example.com/demo:B", points[2].FunctionIdent)
	assert.Equal(t, 4, m.MaxPointId())
	assert.Equal(t, 3, m.FunctionCount())
}

func TestSourceModifierRenderRepeatable(t *testing.T) {
	t.Parallel()

	_, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)

	first, err := m.Diff("")
	require.NoError(t, err)
	second, err := m.Diff("")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 4, m.MaxPointId())
}

func TestSourceModifierDiff(t *testing.T) {
	t.Parallel()

	dir, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)

	diff, err := m.Diff(dir)
	require.NoError(t, err)
	assert.Contains(t, diff, "--- a/a.go")
	assert.Contains(t, diff, "+++ b/a.go")
	assert.Contains(t, diff, "-\tstrings.ToUpper(\"a\")")
	assert.Contains(t, diff, "+\txxExpressifyShow(1)(strings.ToUpper(\"a\"))")
	assert.Contains(t, diff, "--- /dev/null")
	assert.Contains(t, diff, "+++ b/"+clientFileName)

	original, err := os.ReadFile(filepath.Join(dir, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, modifierSrcA, string(original))
}

func TestSourceModifierInPlace(t *testing.T) {
	t.Parallel()

	dir, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)
	require.NoError(t, m.CommitInPlace())

	pathA := filepath.Join(dir, "a.go")
	rewritten, err := os.ReadFile(pathA)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), `xxExpressifyShow(1)(strings.ToUpper("a"))`)
	assert.FileExists(t, pathA+".bkp")
	assert.FileExists(t, filepath.Join(dir, "b.go.bkp"))
	assert.FileExists(t, filepath.Join(dir, clientFileName))

	t.Run("restore_backups", func(t *testing.T) {
		restored, err := RestoreBackups(dir)
		require.NoError(t, err)
		assert.Equal(t, 3, restored)

		content, err := os.ReadFile(pathA)
		require.NoError(t, err)
		assert.Equal(t, modifierSrcA, string(content))
		assert.NoFileExists(t, pathA+".bkp")
		assert.NoFileExists(t, filepath.Join(dir, clientFileName))

		restored, err = RestoreBackups(dir)
		require.NoError(t, err)
		assert.Zero(t, restored)
	})
}

func TestSourceModifierRestore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping go cache clean in short mode")
	}
	t.Parallel()

	dir, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)
	require.NoError(t, m.CommitInPlace())

	errs := m.Restore([]string{"GOCACHE=" + t.TempDir()})
	assert.Empty(t, errs)
	content, err := os.ReadFile(filepath.Join(dir, "b.go"))
	require.NoError(t, err)
	assert.Equal(t, modifierSrcB, string(content))
	assert.NoFileExists(t, filepath.Join(dir, "b.go.bkp"))
	assert.NoFileExists(t, filepath.Join(dir, clientFileName))

	assert.Empty(t, m.Restore(nil))
}

func TestSourceModifierAddFunction(t *testing.T) {
	t.Parallel()

	dir, fns := writeModifierFiles(t)

	t.Run("duplicate", func(t *testing.T) {
		m := NewSourceModifier(0, SinkStdout, 0)
		require.NoError(t, m.AddFunction(fns[0]))
		require.NoError(t, m.AddFunction(fns[0]))
		assert.Equal(t, 1, m.FunctionCount())
	})

	t.Run("different_content", func(t *testing.T) {
		m := NewSourceModifier(0, SinkStdout, 0)
		require.NoError(t, m.AddFunction(fns[1]))
		stale := *fns[2]
		stale.SourceDigest++
		require.ErrorIs(t, m.AddFunction(&stale), ErrStaleSource)
	})

	t.Run("prefix_mismatch", func(t *testing.T) {
		m := NewSourceModifier(0, SinkStdout, 0)
		require.NoError(t, m.AddFunction(fns[0]))
		other := *fns[1]
		other.IdentPrefix = defaultIdentPrefix + "1"
		err := m.AddFunction(&other)
		require.Error(t, err)
		assert.Contains(t, err.Error(), dir)
	})
}

func TestSourceModifierStaleSource(t *testing.T) {
	t.Parallel()

	dir, fns := writeModifierFiles(t)
	m := newLoadedModifier(t, fns)
	changed := bytes.Replace([]byte(modifierSrcB), []byte(`"c"`), []byte(`"d"`), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), changed, 0o644))

	_, err := m.CommitOverlay(t.TempDir())
	require.ErrorIs(t, err, ErrStaleSource)
	require.ErrorIs(t, m.CommitInPlace(), ErrStaleSource)
	assert.NoFileExists(t, filepath.Join(dir, "a.go.bkp"))
}

func TestSourceModifierOverlappingEdits(t *testing.T) {
	t.Parallel()

	dir, _ := writeModifierFiles(t)
	pathA := filepath.Join(dir, "a.go")
	m := NewSourceModifier(0, SinkStdout, 0)
	require.NoError(t, m.AddFunction(rebuiltFor(t, pathA, modifierSrcA, "A", `strings.ToUpper("a")`)))
	overlapping := rebuiltFor(t, pathA, modifierSrcA, "X", `ToUpper("a")`)
	require.NoError(t, m.AddFunction(overlapping))

	_, err := m.Diff(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlapping display points")
}
