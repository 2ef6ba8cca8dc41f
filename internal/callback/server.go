package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxBodyBytes caps webhook bodies; large inline audio payloads need room.
const MaxBodyBytes int64 = 200 << 20

type Handler func(Payload)

type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind callback listener on port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

type Server struct {
	handler      Handler
	logger       *zap.Logger
	maxBodyBytes int64

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	served     chan struct{}
}

func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger, maxBodyBytes: MaxBodyBytes}
}

// Start binds the listener and serves in the background. It returns once
// the port is bound, so a nil error means the server is ready.
func (s *Server) Start(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("callback server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &BindError{Port: port, Err: err}
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	served := make(chan struct{})

	s.httpServer = srv
	s.listener = ln
	s.served = served

	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("callback server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections. Calling it on a server that was
// never started, or twice, is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	served := s.served
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	select {
	case <-served:
	case <-ctx.Done():
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > s.maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	payload, err := ParsePayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnsupportedContentType) {
			status = http.StatusUnsupportedMediaType
		}
		s.logger.Warn("rejected webhook payload", zap.Int("status", status), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	s.logger.Debug("webhook received", zap.String("param", payload.Param), zap.Int("audios", len(payload.Audios)))
	if s.handler != nil {
		s.handler(payload)
	}
	w.WriteHeader(http.StatusOK)
}
