package expressify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// constants filled in when the client is rendered into a target package.
const (
	xxExpressifyServerHost  = "127.0.0.1"
	xxExpressifyServerPort  = 8449
	xxExpressifyValueMaxLen = 1024
	xxExpressifyDefaultSink = "stdout"
)

// xxExpressifyAutoDisplay marks the package as rewritten so expression statement values are displayed.
const xxExpressifyAutoDisplay = true

const (
	xxExpressifyEndpointPathDisplay = "/expressify.0/display"
	xxExpressifyEndpointPathError   = "/expressify.0/error"
)

var (
	xxExpressifySink       atomic.Pointer[func(uint32, []any)]
	xxExpressifyStartTime  = time.Now()
	xxExpressifyHttpClient = &http.Client{
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("redirect not allowed")
		},
		Timeout: 10 * time.Second,
	}
	xxExpressifyEndpointDisplay string
	xxExpressifyEndpointError   string
)

func init() {
	port := xxExpressifyServerPort
	if portOverride := os.Getenv("EXPRESSIFY_MONITOR_PORT"); portOverride != "" {
		if parsed, err := strconv.Atoi(portOverride); err == nil {
			port = parsed
		}
	}
	serverURL := fmt.Sprintf("http://%s:%d", xxExpressifyServerHost, port)
	xxExpressifyEndpointDisplay = serverURL + xxExpressifyEndpointPathDisplay
	xxExpressifyEndpointError = serverURL + xxExpressifyEndpointPathError

	sink := xxExpressifyDefaultSink
	if sinkOverride := os.Getenv("EXPRESSIFY_SINK"); sinkOverride != "" {
		sink = sinkOverride
	}
	switch sink {
	case "http":
		xxExpressifySetSink(xxExpressifyPostSink)
	case "discard":
		xxExpressifySetSink(func(uint32, []any) {})
	default:
		xxExpressifySetSink(xxExpressifyPrintSink)
	}
}

// xxExpressifyShow returns the display function for a point. The sink is resolved when the values arrive,
// so replacing it affects already rewritten code.
func xxExpressifyShow(id uint32) func(...any) {
	return func(values ...any) {
		if sink := xxExpressifySink.Load(); sink != nil {
			(*sink)(id, values)
		}
	}
}

// xxExpressifySetSink replaces the active sink, returning the previous one. A nil sink disables display.
func xxExpressifySetSink(sink func(uint32, []any)) func(uint32, []any) {
	var next *func(uint32, []any)
	if sink != nil {
		next = &sink
	}
	if prev := xxExpressifySink.Swap(next); prev != nil {
		return *prev
	}
	return nil
}

func xxExpressifyFormat(values []any) string {
	if len(values) == 1 {
		return fmt.Sprintf("%v", values[0])
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%v", v)
	}
	buf.WriteByte(')')
	return buf.String()
}

// xxExpressifyPrintSink writes values to stdout the way an interactive console echoes them, omitting a lone nil.
func xxExpressifyPrintSink(_ uint32, values []any) {
	if len(values) == 1 && values[0] == nil {
		return
	}
	fmt.Println(xxExpressifyFormat(values))
}

type xxExpressifyValue struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type xxExpressifyMessage struct {
	PointID uint32              `json:"id"`
	TimeNS  int64               `json:"time"`
	Values  []xxExpressifyValue `json:"values"`
}

type xxExpressifyErrorMessage struct {
	PointID uint32 `json:"id,omitempty"`
	Message string `json:"msg"`
}

func xxExpressifyLimit(s string) string {
	if len(s) > xxExpressifyValueMaxLen {
		s = s[:xxExpressifyValueMaxLen] + "…(" + strconv.Itoa(len(s)-xxExpressifyValueMaxLen) + " more)"
	}
	return s
}

// xxExpressifyPostSink sends the values to the display server.
func xxExpressifyPostSink(id uint32, values []any) {
	msg := xxExpressifyMessage{
		PointID: id,
		TimeNS:  time.Since(xxExpressifyStartTime).Nanoseconds(),
		Values:  make([]xxExpressifyValue, len(values)),
	}
	for i, v := range values {
		msg.Values[i] = xxExpressifyValue{Type: fmt.Sprintf("%T", v), Text: xxExpressifyLimit(fmt.Sprintf("%+v", v))}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		xxExpressifySendError(id, err)
		return
	}
	resp, err := xxExpressifyHttpClient.Post(xxExpressifyEndpointDisplay, "application/json", bytes.NewReader(body))
	if err != nil {
		xxExpressifySendError(id, fmt.Errorf("POST to %s failed: %w", xxExpressifyEndpointDisplay, err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		xxExpressifySendError(id, fmt.Errorf("%s returned status %d", xxExpressifyEndpointDisplay, resp.StatusCode))
	}
}

// xxExpressifySendError reports a delivery failure, falling back to stderr when the server is unreachable.
func xxExpressifySendError(id uint32, origErr error) {
	body, _ := json.Marshal(xxExpressifyErrorMessage{PointID: id, Message: origErr.Error()})
	resp, err := xxExpressifyHttpClient.Post(xxExpressifyEndpointError, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "expressify: POST error failed: %v, original error: %v\n", err, origErr)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "expressify: error endpoint returned status %d, original error: %v\n",
			resp.StatusCode, origErr)
	}
}
