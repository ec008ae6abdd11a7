package expressify

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/charts"
)

const bottomTableMaxRecords = 10

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains the run metrics written to the JSON report.
type ReportMetrics struct {
	GeneratedAt       time.Time        `json:"generated_at"`
	RunDuration       int64            `json:"run_ms"`
	TransformDuration int64            `json:"transform_ms"`
	DisplayDuration   int64            `json:"display_ms"`
	Project           ProjectMetrics   `json:"project"`
	Transform         TransformMetrics `json:"transform"`
	Display           DisplayMetrics   `json:"display"`
}

// ProjectMetrics identifies the transformed project.
type ProjectMetrics struct {
	ModulePath string `json:"module_path"`
	GoVersion  string `json:"go_version"`
	Mode       string `json:"mode"`
}

// TransformMetrics summarizes the transform of every target function.
type TransformMetrics struct {
	Stats           TransformStats    `json:"stats"`
	FunctionCount   int               `json:"function_count"`
	FailedFunctions []string          `json:"failed_functions"`
	PointCount      int               `json:"display_point_count"`
	SkippedCount    int               `json:"skipped_statement_count"`
	Functions       []FunctionMetrics `json:"functions"`
}

// FunctionMetrics describes one rebuilt function.
type FunctionMetrics struct {
	FunctionIdent string `json:"function_ident"`
	File          string `json:"file"`
	Line          uint32 `json:"line"`
	Points        int    `json:"display_points"`
	Skipped       int    `json:"skipped_statements"`
	Displays      int    `json:"displays"` // values received while running
}

// DisplayMetrics summarizes the values received from a monitored run.
type DisplayMetrics struct {
	Ran        bool `json:"ran"`
	EventCount int  `json:"event_count"`
	ErrorCount int  `json:"error_count"`
	PointsHit  int  `json:"points_hit"`
	// OutputBytes is the size of the combined stdout and stderr of the program.
	OutputBytes int `json:"output_bytes"`
}

// RunResult is the outcome of an engine run that reports are built from.
type RunResult struct {
	StartTime                          time.Time
	TransformDuration, DisplayDuration time.Duration
	ModulePath, GoVersion, Mode        string
	Stats                              TransformStats
	Functions                          []*RebuiltFunction
	Failed                             []*TargetFunction
	// Recorder holds the displayed values, nil when the program was not run.
	Recorder *DisplayRecorder
	// RunOutput is the combined stdout and stderr of the program when it was run.
	RunOutput []byte
}

// BuildReport summarizes a run.
func BuildReport(result RunResult) ReportMetrics {
	report := ReportMetrics{
		GeneratedAt:       result.StartTime,
		RunDuration:       time.Since(result.StartTime).Milliseconds(),
		TransformDuration: result.TransformDuration.Milliseconds(),
		DisplayDuration:   result.DisplayDuration.Milliseconds(),
		Project: ProjectMetrics{
			ModulePath: result.ModulePath,
			GoVersion:  result.GoVersion,
			Mode:       result.Mode,
		},
		Transform: TransformMetrics{
			Stats:         result.Stats,
			FunctionCount: len(result.Functions),
		},
	}

	var byFunction map[string][]DisplayEvent
	if result.Recorder != nil {
		byFunction = result.Recorder.ByFunction()
		report.Display = DisplayMetrics{
			Ran:         true,
			EventCount:  len(result.Recorder.Events()),
			ErrorCount:  len(result.Recorder.Errors()),
			PointsHit:   len(result.Recorder.PointHits()),
			OutputBytes: len(result.RunOutput),
		}
	}
	for _, fn := range result.Failed {
		report.Transform.FailedFunctions = append(report.Transform.FailedFunctions, fn.String())
	}
	for _, rf := range result.Functions {
		report.Transform.PointCount += len(rf.Points)
		report.Transform.SkippedCount += rf.Skipped
		report.Transform.Functions = append(report.Transform.Functions, FunctionMetrics{
			FunctionIdent: rf.Target.FunctionIdent,
			File:          rf.Target.FilePath,
			Line:          rf.Target.DefLine,
			Points:        len(rf.Points),
			Skipped:       rf.Skipped,
			Displays:      len(byFunction[rf.Target.FunctionIdent]),
		})
	}
	slices.SortFunc(report.Transform.Functions, func(a, b FunctionMetrics) int {
		return strings.Compare(a.FunctionIdent, b.FunctionIdent)
	})
	return report
}

// ReportWriter outputs the report of a run.
type ReportWriter interface {
	// WriteReportFiles writes the JSON and chart reports, an empty path skips that output.
	WriteReportFiles(jsonPath, chartPath string, result RunResult) error
}

// DefaultReportWriter provides the standard implementation of ReportWriter.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(jsonPath, chartPath string, result RunResult) error {
	if jsonPath == "" && chartPath == "" {
		return nil
	}
	report := BuildReport(result)
	if jsonPath != "" {
		if err := writeReportJSON(jsonPath, report); err != nil {
			return err
		}
	}
	if chartPath != "" {
		if err := writeReportCharts(chartPath, report); err != nil {
			return err
		}
	}
	return nil
}

func writeReportJSON(path string, report ReportMetrics) error {
	encodedReport, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	} else if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// RenderReportChartsFromJson takes a ReportMetrics and renders the report to a png.
func RenderReportChartsFromJson(report ReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderReportCharts(painterOpt, report)
}

func writeReportCharts(path string, report ReportMetrics) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       768,
	}
	if buf, err := renderReportCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a smaller painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func percentFormatter(total int) func(float64) string {
	return func(f float64) string {
		if total == 0 {
			return "0%"
		}
		return charts.FormatValueHumanize(100.0*(float64(total)-f)/float64(total), 1, false) + "%"
	}
}

func renderChartsToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := report.Project.ModulePath
	var titleBox charts.Box
	if title != "" {
		titleBox = p.MeasureText(title, 0, titleFont)
		// title rendered after the charts to ensure it does not get clipped
		resultBox.Bottom += titleBox.Height()
	}

	layoutBuilder := p.LayoutByRows()
	if titleBox.Height() > 0 {
		layoutBuilder = layoutBuilder.RowGap(strconv.Itoa(titleBox.Height()))
	}
	painters, err := layoutBuilder.
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	bottom := painters["bottom"]
	resultBox.Bottom += 128

	barGaugeTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})

	failedCount := len(report.Transform.FailedFunctions)
	targetCount := report.Transform.FunctionCount + failedCount
	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(report.Transform.FunctionCount)}, {float64(failedCount)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeTheme
	topLeftOpt.Title.Text = "Function Transforms"
	topLeftOpt.XAxis.Unit = axisUnitForMax(targetCount)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topLeftOpt.Theme, topLeftOpt.SeriesList)
	topLeftOpt.SeriesList[1].Label.ValueFormatter = percentFormatter(targetCount)
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	statementCount := report.Transform.PointCount + report.Transform.SkippedCount
	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(report.Transform.PointCount)}, {float64(report.Transform.SkippedCount)},
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeTheme
	topRightOpt.Title.Text = "Displayed Statements"
	topRightOpt.XAxis.Unit = axisUnitForMax(statementCount)
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topRightOpt.Theme, topRightOpt.SeriesList)
	topRightOpt.SeriesList[1].Label.ValueFormatter = percentFormatter(statementCount)
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	rows := make([][]string, 0, len(report.Transform.Functions))
	for _, fn := range report.Transform.Functions {
		displays := "-"
		if report.Display.Ran {
			displays = strconv.Itoa(fn.Displays)
		}
		ident := fn.FunctionIdent
		if idx := strings.LastIndex(ident, "/"); idx >= 0 {
			ident = ident[idx+1:]
		}
		rows = append(rows, []string{ident, strconv.Itoa(fn.Points), strconv.Itoa(fn.Skipped), displays})
	}
	if len(rows) == 0 {
		text := "No Display Functions Transformed"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		slices.SortStableFunc(rows, func(a, b []string) int {
			aCount, _ := strconv.Atoi(a[1])
			bCount, _ := strconv.Atoi(b[1])
			return bCount - aCount // most display points first
		})
		if len(rows) > bottomTableMaxRecords {
			rows = rows[:bottomTableMaxRecords]
		}
		tableTitle := "Display Functions"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeTheme.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(rows)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"Function", "Display Points", "Skipped", "Displays"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{32, 8, 8, 8},
			TextAligns:            []string{charts.AlignLeft, charts.AlignCenter, charts.AlignCenter, charts.AlignCenter},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

				switch cell.Column {
				case 2: // skipped statements
					if cell.Text != "0" {
						cell.FontStyle.FontColor = orangeTextColor
					}
				case 3: // displays while running
					if cell.Text == "0" {
						cell.FontStyle.FontColor = redTextColor
					} else if cell.Text != "-" {
						cell.FontStyle.FontColor = greenTextColor
					}
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render just so we can calculate the height of the table, charts does not return the table sizes
		bottomOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(bottomOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height() + 16
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	if title != "" {
		p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	}
	return resultBox, nil
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
