package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mendcore/mend/internal/logging"
)

// HandlerFunc serves one command. Implementations run on the connection
// goroutine; panics are converted to INTERNAL responses by the server.
type HandlerFunc func(req *Request) *Response

// Server accepts control connections on a Unix socket. One request and one
// response per connection.
type Server struct {
	socketPath  string
	log         *logging.Logger
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(socketPath string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		socketPath:  socketPath,
		log:         log,
		connTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		done:        make(chan struct{}),
	}
}

// SetConnTimeout bounds how long a single connection may take end to end.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// Start binds the socket and begins accepting. A leftover socket file from a
// previous run is removed first; the live engine lock, not the socket file,
// decides whether an engine is already running.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close stops accepting, waits for in-flight connections, and removes the
// socket file. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debug("read request: %v", err)
		return
	}

	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.log.Debug("write response: %v", err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic on %q: %v", req.Command, r)
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version %d not supported, want %d", req.ProtocolVersion, ProtocolVersion))
	}
	if req.Command == "" {
		return ErrorResponse(ErrCodeInvalidRequest, "missing command")
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnsupported, fmt.Sprintf("unsupported command %q", req.Command))
	}
	return fn(req)
}
