package expressify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRunResult() RunResult {
	upper := &RebuiltFunction{
		Target: TargetFunction{FunctionIdent: "example.com/demo:Upper", FilePath: "/p/demo.go", DefLine: 9},
		Points: []DisplayPoint{{Ordinal: 1}},
	}
	branch := &RebuiltFunction{
		Target:  TargetFunction{FunctionIdent: "example.com/demo:Branch", FilePath: "/p/demo.go", DefLine: 20},
		Points:  []DisplayPoint{{Ordinal: 1}, {Ordinal: 2}},
		Skipped: 1,
	}
	recorder := NewDisplayRecorder([]PointInfo{
		{ID: 1, FunctionIdent: "example.com/demo:Branch"},
		{ID: 2, FunctionIdent: "example.com/demo:Branch"},
		{ID: 3, FunctionIdent: "example.com/demo:Upper"},
	})
	recorder.HandleDisplay(displayMsg(1, "positive"))
	recorder.HandleDisplay(displayMsg(1, "positive"))
	recorder.HandleDisplay(displayMsg(3, "HELLO"))
	recorder.HandleDisplayError(DisplayErrorMessage{PointID: 2, Message: "refused"})

	return RunResult{
		StartTime:         time.Now().Add(-2 * time.Second),
		TransformDuration: 1500 * time.Millisecond,
		DisplayDuration:   250 * time.Millisecond,
		ModulePath:        "example.com/demo",
		GoVersion:         "1.21",
		Mode:              ModeOverlay,
		Stats:             TransformStats{Requests: 3, Parses: 2, CacheHits: 1, Failures: 1},
		Functions:         []*RebuiltFunction{upper, branch},
		Failed:            []*TargetFunction{{FunctionIdent: "example.com/demo:Asm", DefLine: 40}},
		Recorder:          recorder,
		RunOutput:         []byte("positive\nHELLO\n"),
	}
}

func TestBuildReport(t *testing.T) {
	t.Parallel()

	report := BuildReport(sampleRunResult())

	assert.GreaterOrEqual(t, report.RunDuration, int64(2000))
	assert.Equal(t, int64(1500), report.TransformDuration)
	assert.Equal(t, int64(250), report.DisplayDuration)
	assert.Equal(t, ProjectMetrics{ModulePath: "example.com/demo", GoVersion: "1.21", Mode: ModeOverlay}, report.Project)

	assert.Equal(t, 2, report.Transform.FunctionCount)
	assert.Equal(t, 3, report.Transform.PointCount)
	assert.Equal(t, 1, report.Transform.SkippedCount)
	assert.Equal(t, []string{"demo:Asm@40"}, report.Transform.FailedFunctions)
	assert.Equal(t, []FunctionMetrics{
		{FunctionIdent: "example.com/demo:Branch", File: "/p/demo.go", Line: 20, Points: 2, Skipped: 1, Displays: 2},
		{FunctionIdent: "example.com/demo:Upper", File: "/p/demo.go", Line: 9, Points: 1, Displays: 1},
	}, report.Transform.Functions)

	assert.Equal(t, DisplayMetrics{Ran: true, EventCount: 3, ErrorCount: 1, PointsHit: 2, OutputBytes: 15}, report.Display)
}

func TestBuildReportWithoutRun(t *testing.T) {
	t.Parallel()

	result := sampleRunResult()
	result.Recorder = nil
	report := BuildReport(result)

	assert.False(t, report.Display.Ran)
	for _, fn := range report.Transform.Functions {
		assert.Zero(t, fn.Displays)
	}
}

func TestDefaultReportWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := &DefaultReportWriter{}

	t.Run("none", func(t *testing.T) {
		require.NoError(t, writer.WriteReportFiles("", "", sampleRunResult()))
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "run.json")
		require.NoError(t, writer.WriteReportFiles(path, "", sampleRunResult()))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var report ReportMetrics
		require.NoError(t, json.Unmarshal(data, &report))
		assert.Equal(t, 3, report.Transform.PointCount)
		assert.Contains(t, string(data), `"display_point_count": 3`)
	})

	t.Run("charts", func(t *testing.T) {
		for _, name := range []string{"run.png", "run.svg", "run.jpg"} {
			path := filepath.Join(dir, name)
			require.NoError(t, writer.WriteReportFiles("", path, sampleRunResult()), name)
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Positive(t, info.Size())
		}
	})

	t.Run("unknown_chart_type", func(t *testing.T) {
		err := writer.WriteReportFiles("", filepath.Join(dir, "run.gif"), sampleRunResult())
		require.Error(t, err)
	})
}

func TestRenderReportChartsFromJson(t *testing.T) {
	t.Parallel()

	data, err := RenderReportChartsFromJson(BuildReport(sampleRunResult()))
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestPercentFormatter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0%", percentFormatter(0)(5))
	assert.True(t, strings.HasPrefix(percentFormatter(4)(1), "75"))
	assert.True(t, strings.HasSuffix(percentFormatter(4)(1), "%"))
}

func TestAxisUnitForMax(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, axisUnitForMax(3), 0.0001)
	assert.Greater(t, axisUnitForMax(1000), 1.0)
}
