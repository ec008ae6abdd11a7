package expressify

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineMainSrc = `package main

import (
	"fmt"
	"strings"
)

//expressify:display
func greet(name string) {
	strings.ToUpper(name)
	fmt.Sprint(len(name))
}

func main() {
	greet("gopher")
}
`

const engineFlowSrc = `package main

import (
	"errors"
	"fmt"
	"strconv"
)

//expressify:display
func run() {
	if true {
		fmt.Sprint("shown")
	} else {
		fmt.Sprint("hidden")
	}
	for i := 0; i < 2; i++ {
		strconv.Itoa(i)
	}
	switch n := 3; n {
	case 3:
		fmt.Sprintf("case%d", n)
	default:
		fmt.Sprint("other")
	}
	strconv.Atoi("12")
	errors.New("e")
	count := 0
	inc := func() {
		count++
		fmt.Sprint("inner")
	}
	inc()
	inc()
	fmt.Sprint("count ", count)
	fmt.Sprint("before")
	panic("stop")
}

func main() {
	defer func() { recover() }()
	run()
}
`

type capturingReportWriter struct {
	results []RunResult
}

func (c *capturingReportWriter) WriteReportFiles(_, _ string, result RunResult) error {
	c.results = append(c.results, result)
	return nil
}

func newTestEngine(t *testing.T, config *Config) (*Engine, *bytes.Buffer, *capturingReportWriter) {
	t.Helper()
	var out bytes.Buffer
	reports := &capturingReportWriter{}
	return &Engine{
		Config:          config,
		StorageProvider: &SingletonStorageProvider{Store: NewMemStorage()},
		ReportWriter:    reports,
		Output:          &out,
	}, &out, reports
}

func TestEngineRun(t *testing.T) {
	skipPackageLoad(t)
	t.Setenv("GOCACHE", t.TempDir()) // restore cleans the build cache

	t.Run("diff", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": engineMainSrc})
		engine, out, reports := newTestEngine(t, &Config{ProjectDir: dir, Mode: ModeDiff, Sink: SinkStdout, CacheMB: 16})
		require.NoError(t, engine.Run())

		diff := out.String()
		assert.Contains(t, diff, "+\txxExpressifyShow(1)(strings.ToUpper(name))\n")
		assert.Contains(t, diff, "+\txxExpressifyShow(2)(fmt.Sprint(len(name)))\n")
		assert.Contains(t, diff, "--- /dev/null\n")
		assert.Contains(t, diff, clientFileName)

		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		require.NoError(t, err)
		assert.Equal(t, engineMainSrc, string(data))

		require.Len(t, reports.results, 1)
		assert.Len(t, reports.results[0].Functions, 1)
		assert.Nil(t, reports.results[0].Recorder)
	})

	t.Run("overlay_build", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": engineMainSrc})
		engine, _, _ := newTestEngine(t, &Config{ProjectDir: dir, Mode: ModeOverlay, Sink: SinkStdout, CacheMB: 16})
		require.NoError(t, engine.Run())

		overlay := filepath.Join(engine.Config.OverlayDir, "overlay.json")
		require.FileExists(t, overlay)
		output, err := NewProjectCapturedOutputExec(dir, nil, "go", "run", "-overlay", overlay, ".")
		require.NoError(t, err, string(output))
		assert.Equal(t, "GOPHER\n6\n", string(output))
	})

	t.Run("overlay_run_http", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": engineMainSrc})
		engine, out, reports := newTestEngine(t, &Config{
			ProjectDir: dir, Mode: ModeOverlay, Sink: SinkHTTP, CacheMB: 16, Run: ".",
		})
		require.NoError(t, engine.Run())

		mainFile := filepath.Join(dir, "main.go")
		assert.Contains(t, out.String(), mainFile+":10 GOPHER\n")
		assert.Contains(t, out.String(), mainFile+":11 6\n")

		require.Len(t, reports.results, 1)
		recorder := reports.results[0].Recorder
		require.NotNil(t, recorder)
		displayed := recorder.ByFunction()["example.com/demo:greet"]
		require.Len(t, displayed, 2)
		assert.Equal(t, "GOPHER", displayed[0].Text())
		assert.Equal(t, "6", displayed[1].Text())
	})

	t.Run("overlay_run_control_flow", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": engineFlowSrc})
		engine, _, reports := newTestEngine(t, &Config{
			ProjectDir: dir, Mode: ModeOverlay, Sink: SinkStdout, CacheMB: 16, Run: ".",
		})
		require.NoError(t, engine.Run())

		require.Len(t, reports.results, 1)
		result := reports.results[0]
		assert.Equal(t, "shown\n0\n1\ncase3\n(12, <nil>)\ne\ncount 2\nbefore\n", string(result.RunOutput))
		assert.Equal(t, len(result.RunOutput), BuildReport(result).Display.OutputBytes)

		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		require.NoError(t, err)
		assert.Equal(t, engineFlowSrc, string(data))
	})

	t.Run("inplace_restore", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": engineMainSrc})
		mainFile := filepath.Join(dir, "main.go")
		engine, _, _ := newTestEngine(t, &Config{ProjectDir: dir, Mode: ModeInPlace, Sink: SinkDiscard, CacheMB: 16})
		require.NoError(t, engine.Run())

		data, err := os.ReadFile(mainFile)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "xxExpressifyShow(1)(strings.ToUpper(name))"))
		assert.FileExists(t, filepath.Join(dir, clientFileName))

		engine, _, _ = newTestEngine(t, &Config{ProjectDir: dir, Restore: true})
		require.NoError(t, engine.Run())

		data, err = os.ReadFile(mainFile)
		require.NoError(t, err)
		assert.Equal(t, engineMainSrc, string(data))
		assert.NoFileExists(t, filepath.Join(dir, clientFileName))
		assert.NoFileExists(t, mainFile+".bkp")
	})

	t.Run("no_functions", func(t *testing.T) {
		dir := writeDemoModule(t, map[string]string{"main.go": "package main\n\nfunc main() {}\n"})
		engine, out, reports := newTestEngine(t, &Config{ProjectDir: dir, Mode: ModeOverlay, Sink: SinkStdout, CacheMB: 16})
		require.NoError(t, engine.Run())

		assert.Empty(t, out.String())
		require.Len(t, reports.results, 1)
		assert.Empty(t, reports.results[0].Functions)
		assert.NoFileExists(t, filepath.Join(engine.Config.OverlayDir, "overlay.json"))
	})
}

func TestUniqueFunctions(t *testing.T) {
	t.Parallel()

	upper := TargetFunction{FilePath: "/p/demo.go", FunctionName: "Upper", DefLine: 9}
	listed := &RebuiltFunction{Target: upper, Fingerprint: "a"}
	listedWithLine := &RebuiltFunction{Target: upper, Fingerprint: "b"} // same function requested as demo.go:Upper@9
	greet := &RebuiltFunction{Target: TargetFunction{FilePath: "/p/demo.go", Receiver: "*Greeter", FunctionName: "Greet", DefLine: 31}}
	greetValue := &RebuiltFunction{Target: TargetFunction{FilePath: "/p/demo.go", Receiver: "Greeter", FunctionName: "Greet", DefLine: 31}}
	otherUpper := &RebuiltFunction{Target: TargetFunction{FilePath: "/p/demo.go", FunctionName: "Upper", DefLine: 50}}

	functions := uniqueFunctions([]*RebuiltFunction{listed, nil, listedWithLine, greet, greetValue, listed, otherUpper})
	require.Len(t, functions, 3)
	assert.Same(t, listed, functions[0])
	assert.Same(t, greet, functions[1])
	assert.Same(t, otherUpper, functions[2])

	assert.Empty(t, uniqueFunctions(nil))
}

func TestEngineRunDuplicateFunctionSpecs(t *testing.T) {
	skipPackageLoad(t)
	t.Parallel()

	dir := writeDemoModule(t, map[string]string{"main.go": engineMainSrc})
	engine, out, reports := newTestEngine(t, &Config{
		ProjectDir: dir, Mode: ModeDiff, Sink: SinkStdout, CacheMB: 16,
		Functions: []string{"main.go:greet", "main.go:greet@9"},
	})
	require.NoError(t, engine.Run())

	require.Len(t, reports.results, 1)
	assert.Len(t, reports.results[0].Functions, 1)
	assert.Contains(t, out.String(), "xxExpressifyShow(1)(strings.ToUpper(name))")
	assert.NotContains(t, out.String(), "xxExpressifyShow(3)")
}
