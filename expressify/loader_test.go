package expressify

import (
	"go/token"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsGoVersionBelowMinimum(t *testing.T) {
	t.Parallel()

	for version, want := range map[string]bool{
		"":         false,
		"1.18":     true,
		"go1.18.3": true,
		"1.19":     false,
		"1.21":     false,
		"1.24.0":   false,
		"banana":   false,
	} {
		assert.Equal(t, want, IsGoVersionBelowMinimum(version), version)
	}
}

func TestDetectPackageName(t *testing.T) {
	t.Parallel()

	t.Run("single_package", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte("package demo\n"), 0o644))
		name, err := detectPackageName(dir)
		require.NoError(t, err)
		assert.Equal(t, "demo", name)
	})

	t.Run("external_test_package", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte("package demo\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "demo_test.go"), []byte("package demo_test\n"), 0o644))
		name, err := detectPackageName(dir)
		require.NoError(t, err)
		assert.Equal(t, "demo", name)
	})

	t.Run("mixed_packages", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b\n"), 0o644))
		_, err := detectPackageName(dir)
		assert.Error(t, err)
	})

	t.Run("tests_only", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a_test.go"), []byte("package demo\n"), 0o644))
		_, err := detectPackageName(dir)
		assert.Error(t, err)
	})
}

func TestPackageFiles(t *testing.T) {
	t.Parallel()

	dir := writeDemoModule(t, map[string]string{
		"demo.go":      demoSrc,
		"b.go":         "package demo\n",
		"demo_test.go": "package demo\n",
		clientFileName: "package demo\n",
		"ignored.go":   "//go:build ignore\n\npackage main\n",
		"notes.txt":    "not go",
		"sub/sub.go":   "package sub\n",
	})

	files, err := packageFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.go"), filepath.Join(dir, "demo.go")}, files)

	_, err = packageFiles(filepath.Join(dir, "absent"))
	require.Error(t, err)
}

func TestTestFiles(t *testing.T) {
	t.Parallel()

	dir := writeDemoModule(t, map[string]string{
		"demo.go":         demoSrc,
		"demo_test.go":    "package demo\n",
		"ext_test.go":     "package demo_test\n",
		"ignored_test.go": "//go:build ignore\n\npackage demo\n",
	})

	files, err := testFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "demo_test.go"), filepath.Join(dir, "ext_test.go")}, files)
}

func TestParseTestFiles(t *testing.T) {
	t.Parallel()

	dir := writeDemoModule(t, map[string]string{
		"demo.go":        demoSrc,
		"demo_test.go":   "package demo\n\nvar xxExpressifySink = 1\n",
		"ext_test.go":    "package demo_test\n",
		"broken_test.go": "package demo\n\nfunc {\n",
	})
	lp := &loadedPackage{dir: dir, name: "demo"}

	files, err := lp.parseTestFiles(token.NewFileSet())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "demo", files[0].Name.Name)
	assert.Equal(t, "xxExpressify1", chooseIdentPrefix(token.NewFileSet(), files))
}

func TestPackageLoaderDigest(t *testing.T) {
	t.Parallel()

	loader, err := NewPackageLoader(nil, 1)
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	dir := writeDemoModule(t, map[string]string{"demo.go": demoSrc})
	first, err := loader.Digest(dir)
	require.NoError(t, err)
	again, err := loader.Digest(dir)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	t.Run("injected_client_ignored", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, clientFileName), []byte("package demo\n"), 0o644))
		digest, err := loader.Digest(dir)
		require.NoError(t, err)
		assert.Equal(t, first, digest)
	})

	t.Run("test_file_included", func(t *testing.T) {
		other := writeDemoModule(t, map[string]string{"demo.go": demoSrc, "demo_test.go": "package demo\n"})
		digest, err := loader.Digest(other)
		require.NoError(t, err)
		assert.NotEqual(t, first, digest)
	})

	t.Run("content_change", func(t *testing.T) {
		other := writeDemoModule(t, map[string]string{"demo.go": demoSrc + "\nfunc Extra() {}\n"})
		digest, err := loader.Digest(other)
		require.NoError(t, err)
		assert.NotEqual(t, first, digest)
	})

	t.Run("rename", func(t *testing.T) {
		other := writeDemoModule(t, map[string]string{"renamed.go": demoSrc})
		digest, err := loader.Digest(other)
		require.NoError(t, err)
		assert.NotEqual(t, first, digest)
	})
}

func TestPackageLoaderLoad(t *testing.T) {
	t.Parallel()

	loader, err := NewPackageLoader(nil, 16)
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	t.Run("old_go_version", func(t *testing.T) {
		dir := writeProject(t, "module example.com/old\n\ngo 1.18\n")
		_, err := loader.Load(dir, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "below the minimum")
	})

	t.Run("module_package", func(t *testing.T) {
		skipPackageLoad(t)

		dir := writeDemoModule(t, map[string]string{"demo.go": demoSrc, "util/util.go": "package util\n"})
		digest, err := loader.Digest(dir)
		require.NoError(t, err)
		lp, err := loader.Load(dir, digest)
		require.NoError(t, err)

		assert.Equal(t, "example.com/demo", lp.pkgPath)
		assert.Equal(t, "example.com/demo", lp.modulePath)
		assert.Equal(t, "demo", lp.name)
		assert.Equal(t, "1.21", lp.goVersion)
		assert.Contains(t, lp.imports, "strings")
		assert.Contains(t, lp.imports, "net/http")
		assert.NotContains(t, lp.imports, "example.com/demo")

		fset := token.NewFileSet()
		files, err := lp.parseFiles(fset)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Empty(t, lp.check(fset, files, newTypesInfo()))

		files, err = lp.parseFiles(fset, filepath.Join(dir, "demo.go"))
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("nested_package", func(t *testing.T) {
		skipPackageLoad(t)

		dir := writeDemoModule(t, map[string]string{"util/util.go": "package util\n\nfunc Report() {}\n"})
		utilDir := filepath.Join(dir, "util")
		digest, err := loader.Digest(utilDir)
		require.NoError(t, err)
		lp, err := loader.Load(utilDir, digest)
		require.NoError(t, err)

		assert.Equal(t, "example.com/demo/util", lp.pkgPath)
		assert.Equal(t, "util", lp.name)
	})

	t.Run("type_errors_collected", func(t *testing.T) {
		skipPackageLoad(t)

		const src = "package demo\n\nfunc A() { undefinedA() }\n\nfunc B() { undefinedB() }\n"
		dir := writeDemoModule(t, map[string]string{"demo.go": src})
		digest, err := loader.Digest(dir)
		require.NoError(t, err)
		lp, err := loader.Load(dir, digest)
		require.NoError(t, err)

		fset := token.NewFileSet()
		files, err := lp.parseFiles(fset)
		require.NoError(t, err)
		assert.Len(t, lp.check(fset, files, nil), 2)
	})
}
