package expressify

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

const (
	ansiDim   = "\x1b[2m"
	ansiCyan  = "\x1b[36m"
	ansiReset = "\x1b[0m"
)

// DisplayEvent is one delivery of values from a display point.
type DisplayEvent struct {
	Point  PointInfo      `json:"point"`
	TimeNS int64          `json:"time"`
	Values []DisplayValue `json:"values"`
}

// Text renders the values the way the print sink does.
func (e DisplayEvent) Text() string {
	if len(e.Values) == 1 {
		return e.Values[0].Text
	}
	texts := make([]string, len(e.Values))
	for i, v := range e.Values {
		texts[i] = v.Text
	}
	return "(" + strings.Join(texts, ", ") + ")"
}

func indexPoints(points []PointInfo) map[uint32]PointInfo {
	m := make(map[uint32]PointInfo, len(points))
	for _, p := range points {
		m[p.ID] = p
	}
	return m
}

// TerminalHandler echoes each display event with its source location.
type TerminalHandler struct {
	mu     sync.Mutex
	out    io.Writer
	points map[uint32]PointInfo
	color  bool
}

// NewTerminalHandler writes events to out, colored when out is a terminal.
func NewTerminalHandler(out io.Writer, points []PointInfo) *TerminalHandler {
	var color bool
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &TerminalHandler{out: out, points: indexPoints(points), color: color}
}

func (h *TerminalHandler) HandleDisplay(msg DisplayMessage) {
	point, ok := h.points[msg.PointID]
	location := fmt.Sprintf("#%d", msg.PointID)
	if ok {
		location = fmt.Sprintf("%s:%d", shortPath(point.FilePath), point.Line)
	}
	text := DisplayEvent{Values: msg.Values}.Text()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.color {
		_, _ = fmt.Fprintf(h.out, "%s%s%s %s%s%s\n", ansiDim, location, ansiReset, ansiCyan, text, ansiReset)
	} else {
		_, _ = fmt.Fprintf(h.out, "%s %s\n", location, text)
	}
}

func (h *TerminalHandler) HandleDisplayError(msg DisplayErrorMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = fmt.Fprintf(h.out, "%sdisplay point %d failed: %s\n", ErrorLogPrefix, msg.PointID, msg.Message)
}

func shortPath(path string) string {
	if wd, err := os.Getwd(); err == nil {
		if rel, ok := strings.CutPrefix(path, wd+string(os.PathSeparator)); ok {
			return rel
		}
	}
	return path
}

// DisplayRecorder retains every event in arrival order, building the per function record of displayed values.
type DisplayRecorder struct {
	mu     sync.Mutex
	points map[uint32]PointInfo
	events []DisplayEvent
	errors []DisplayErrorMessage
}

// NewDisplayRecorder creates a recorder resolving point ids against points.
func NewDisplayRecorder(points []PointInfo) *DisplayRecorder {
	return &DisplayRecorder{points: indexPoints(points)}
}

func (r *DisplayRecorder) HandleDisplay(msg DisplayMessage) {
	point, ok := r.points[msg.PointID]
	if !ok {
		point = PointInfo{ID: msg.PointID}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, DisplayEvent{Point: point, TimeNS: msg.TimeNS, Values: msg.Values})
}

func (r *DisplayRecorder) HandleDisplayError(msg DisplayErrorMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

// Events returns the recorded events in arrival order.
func (r *DisplayRecorder) Events() []DisplayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Errors returns the delivery failures reported by clients.
func (r *DisplayRecorder) Errors() []DisplayErrorMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errors)
}

// ByFunction groups the recorded events by function identifier, preserving order within each function.
func (r *DisplayRecorder) ByFunction() map[string][]DisplayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string][]DisplayEvent)
	for _, e := range r.events {
		result[e.Point.FunctionIdent] = append(result[e.Point.FunctionIdent], e)
	}
	return result
}

// PointHits counts the events received for each point id.
func (r *DisplayRecorder) PointHits() map[uint32]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	hits := make(map[uint32]int)
	for _, e := range r.events {
		hits[e.Point.ID]++
	}
	return hits
}

type discardHandler struct{}

func (discardHandler) HandleDisplay(DisplayMessage)           {}
func (discardHandler) HandleDisplayError(DisplayErrorMessage) {}

// DiscardHandler drops every event.
var DiscardHandler DisplayHandler = discardHandler{}

type multiHandler []DisplayHandler

func (m multiHandler) HandleDisplay(msg DisplayMessage) {
	for _, h := range m {
		h.HandleDisplay(msg)
	}
}

func (m multiHandler) HandleDisplayError(msg DisplayErrorMessage) {
	for _, h := range m {
		h.HandleDisplayError(msg)
	}
}

// MultiHandler fans events out to each handler in order.
func MultiHandler(handlers ...DisplayHandler) DisplayHandler {
	return multiHandler(slices.Clone(handlers))
}
