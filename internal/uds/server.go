package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type HandlerFunc func(req *Request) *Response

// StreamHandlerFunc serves a streaming command. Each send writes one item
// frame; the returned response closes the exchange. ctx is cancelled when the
// client disconnects or the server stops.
type StreamHandlerFunc func(ctx context.Context, req *Request, send func(item any) error) *Response

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	streams     map[string]StreamHandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	logger      *log.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		streams:     make(map[string]StreamHandlerFunc),
		connTimeout: 30 * time.Second,
		logger:      log.New(os.Stderr, "", 0),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) SetLogger(l *log.Logger) {
	s.logger = l
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) HandleStream(command string, handler StreamHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[command] = handler
}

func (s *Server) Start() error {
	// A socket left behind by a crashed daemon blocks the listen.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, cancels open streams and waits for connections to
// finish.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) logf(level, format string, args ...any) {
	s.logger.Printf("%s %s uds: "+format, append([]any{time.Now().Format(time.RFC3339), level}, args...)...)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if s.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.logf("WARN", "accept_error error=%v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("WARN", "read_request_error error=%v", err)
		return
	}

	resp := s.dispatch(conn, &req)
	if resp == nil {
		return
	}
	if err := WriteFrame(conn, resp); err != nil {
		s.logf("WARN", "write_response_error command=%s error=%v", req.Command, err)
	}
}

// dispatch runs the handler registered for req. A panicking handler is
// logged and answered with INTERNAL_ERROR.
func (s *Server) dispatch(conn net.Conn, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("ERROR", "handler_panic command=%s error=%v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler %s panicked", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	unary, isUnary := s.handlers[req.Command]
	stream, isStream := s.streams[req.Command]
	s.mu.RUnlock()

	switch {
	case isStream:
		return s.serveStream(conn, req, stream)
	case isUnary:
		return unary(req)
	default:
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
}

// serveStream lifts the connection deadline and runs handler until it returns,
// the client goes away or the server stops. A nil result means the client is
// gone and no final frame is written.
func (s *Server) serveStream(conn net.Conn, req *Request, handler StreamHandlerFunc) *Response {
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// The client sends nothing after the request; a read returning means it
	// hung up.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	send := func(item any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal stream item: %w", err)
		}
		return WriteFrame(conn, &Response{Success: true, Stream: true, Data: data})
	}

	resp := handler(ctx, req, send)
	if ctx.Err() != nil && s.ctx.Err() == nil {
		return nil
	}
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
