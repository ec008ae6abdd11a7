package expressify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// DisplayHandler receives display events from rewritten programs as they occur.
type DisplayHandler interface {
	HandleDisplay(DisplayMessage)
	HandleDisplayError(DisplayErrorMessage)
}

// DisplayServer receives messages posted by display clients using the http sink.
type DisplayServer struct {
	server   *http.Server
	listener net.Listener
	err      atomic.Pointer[error]
	handler  atomic.Pointer[DisplayHandler]
}

// StartDisplayServer listens on host:port, a zero port selects a free one. Events are passed to handler
// as they arrive rather than being retained.
func StartDisplayServer(host string, port int, handler DisplayHandler) (*DisplayServer, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("display server listen on %s: %w", addr, err)
	}
	s := &DisplayServer{listener: listener}
	s.handler.Store(&handler)
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Printf("%sDisplay server error: %v", ErrorLogPrefix, err)
		}
	}()

	log.Printf("Display server started on %s", listener.Addr())
	return s, nil
}

// Handler returns the routes of the server.
func (s *DisplayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DisplayEndpointPathDisplay, s.handleDisplay)
	mux.HandleFunc(DisplayEndpointPathError, s.handleError)
	return mux
}

// Port returns the port the server listens on.
func (s *DisplayServer) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *DisplayServer) errCheck() error {
	if errPtr := s.err.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// SetDisplayHandler sets the handler used for future incoming messages.
func (s *DisplayServer) SetDisplayHandler(handler DisplayHandler) error {
	s.handler.Store(&handler)
	return s.errCheck()
}

// Stop gracefully shuts down the server.
func (s *DisplayServer) Stop(ctx context.Context) error {
	return errors.Join(s.server.Shutdown(ctx), s.errCheck())
}

func decodePost[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var msg T
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return msg, false
	}
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode %T: %v", ErrorLogPrefix, msg, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return msg, false
	}
	return msg, true
}

func (s *DisplayServer) handleDisplay(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodePost[DisplayMessage](w, r)
	if !ok {
		return
	}
	(*s.handler.Load()).HandleDisplay(msg)
	w.WriteHeader(http.StatusOK)
}

func (s *DisplayServer) handleError(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodePost[DisplayErrorMessage](w, r)
	if !ok {
		return
	}
	log.Printf("%sDisplay client error on point %d: %v", ErrorLogPrefix, msg.PointID, msg.Message)
	(*s.handler.Load()).HandleDisplayError(msg)
	w.WriteHeader(http.StatusOK)
}
