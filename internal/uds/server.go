package uds

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// HandlerFunc serves one command. ctx is cancelled when the server stops or
// the connection timeout elapses.
type HandlerFunc func(ctx context.Context, req *Request) *Response

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *log.Logger

	// admission bounds concurrently executing handlers.
	admission     *semaphore.Weighted
	admissionWait time.Duration
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.New(io.Discard, "", 0),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) SetLogger(l *log.Logger) {
	s.logger = l
}

// SetMaxConcurrent limits handlers running at once. A request that cannot be
// admitted within wait is answered with BACKPRESSURE.
func (s *Server) SetMaxConcurrent(n int64, wait time.Duration) {
	if n <= 0 {
		s.admission = nil
		return
	}
	s.admission = semaphore.NewWeighted(n)
	s.admissionWait = wait
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
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

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logf("WARN", "accept_error error=%v", err)
				continue
			}
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
		s.logf("DEBUG", "read_request error=%v", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	s.logf("DEBUG", "request command=%s request_id=%s success=%t duration=%s",
		req.Command, req.RequestID, resp.Success, time.Since(start).Round(time.Microsecond))

	if err := WriteFrame(conn, resp); err != nil {
		s.logf("WARN", "write_response command=%s request_id=%s error=%v", req.Command, req.RequestID, err)
	}
}

// dispatch runs the handler and turns a panic into an INTERNAL_ERROR
// response so the client is not left waiting for a frame.
func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("ERROR", "handler_panic command=%s request_id=%s panic=%v\n%s", req.Command, req.RequestID, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return s.processRequest(req)
}

func (s *Server) processRequest(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	if s.admission != nil {
		actx, cancel := context.WithTimeout(s.ctx, s.admissionWait)
		err := s.admission.Acquire(actx, 1)
		cancel()
		if err != nil {
			return ErrorResponse(ErrCodeBackpressure, "too many concurrent requests")
		}
		defer s.admission.Release(1)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connTimeout)
	defer cancel()
	return handler(ctx, req)
}

func (s *Server) logf(level, format string, args ...any) {
	s.logger.Printf("%s %s uds: "+format, append([]any{time.Now().Format(time.RFC3339), level}, args...)...)
}
