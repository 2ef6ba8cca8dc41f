package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrNoPublicURL = errors.New("provisioner returned no public URL")

// Handle identifies an open tunnel.
type Handle struct {
	Name      string
	PublicURL string
}

// Provisioner obtains a public URL forwarding to a local port.
type Provisioner interface {
	Open(ctx context.Context, port int) (Handle, error)
	Close(ctx context.Context, h Handle) error
}

type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Manager owns at most one tunnel at a time.
type Manager struct {
	provisioner Provisioner
	logger      *zap.Logger

	mu     sync.Mutex
	handle *Handle
}

func NewManager(p Provisioner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{provisioner: p, logger: logger}
}

// Connect opens a tunnel to port. When a tunnel is already open its URL is
// returned unchanged.
func (m *Manager) Connect(ctx context.Context, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return m.handle.PublicURL, nil
	}
	if m.provisioner == nil {
		return "", &Error{Op: "connect", Err: errors.New("no provisioner configured")}
	}

	m.logger.Info("opening tunnel", zap.Int("port", port))
	h, err := m.provisioner.Open(ctx, port)
	if err != nil {
		return "", &Error{Op: "connect", Err: err}
	}
	if h.PublicURL == "" {
		if closeErr := m.provisioner.Close(ctx, h); closeErr != nil {
			m.logger.Warn("failed to close incomplete tunnel", zap.String("name", h.Name), zap.Error(closeErr))
		}
		return "", &Error{Op: "connect", Err: ErrNoPublicURL}
	}

	m.handle = &h
	m.logger.Info("tunnel open", zap.String("name", h.Name), zap.String("public_url", h.PublicURL))
	return h.PublicURL, nil
}

// Disconnect closes the active tunnel. It is a no-op when none is open.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil
	}

	h := *m.handle
	m.handle = nil
	if err := m.provisioner.Close(ctx, h); err != nil {
		return &Error{Op: "disconnect", Err: err}
	}
	m.logger.Info("tunnel closed", zap.String("name", h.Name))
	return nil
}

func (m *Manager) PublicURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return ""
	}
	return m.handle.PublicURL
}
