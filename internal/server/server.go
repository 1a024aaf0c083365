package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	wishlogging "github.com/charmbracelet/wish/logging"

	"github.com/renato0307/tether/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// Config configures the control server
type Config struct {
	AuthorizedKeysPath string
	Host               string
	HostKeyPath        string
	Port               int
}

// Server exposes a Broker to SSH clients speaking JSON lines
type Server struct {
	broker     Broker
	cfg        Config
	wishServer *ssh.Server
}

// NewServer creates a new SSH control server
func NewServer(cfg Config, broker Broker) (*Server, error) {
	s := &Server{
		broker: broker,
		cfg:    cfg,
	}

	if err := os.MkdirAll(filepath.Dir(cfg.HostKeyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create SSH directory: %w", err)
	}

	// Middleware executes in reverse order (last to first)
	wishServer, err := wish.NewServer(
		wish.WithAddress(s.Addr()),
		wish.WithHostKeyPath(cfg.HostKeyPath),
		wish.WithPublicKeyAuth(publicKeyHandler(cfg.AuthorizedKeysPath)),
		wish.WithMiddleware(
			s.controlMiddleware(),
			wishlogging.Middleware(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH server: %w", err)
	}

	s.wishServer = wishServer
	return s, nil
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	logging.Logger.Info("Starting SSH control server", "address", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.wishServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, ssh.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("SSH server error: %w", err)
	case <-ctx.Done():
	}

	return s.Shutdown(context.Background())
}

// Serve accepts connections on l until the server is shut down
func (s *Server) Serve(l net.Listener) error {
	err := s.wishServer.Serve(l)
	if errors.Is(err, ssh.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for open ones
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Logger.Info("Shutting down SSH control server")

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.wishServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown SSH server: %w", err)
	}

	logging.Logger.Info("SSH control server stopped")
	return nil
}

// controlMiddleware runs the JSON-lines protocol over the session channel
func (s *Server) controlMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			connID := fmt.Sprintf("%s@%s", sess.User(), sess.RemoteAddr().String())
			start := time.Now()
			logging.Logger.Info("Control connection opened", "conn", connID)

			c := newConn(s.broker, sess, connID)
			if err := c.serve(sess.Context(), sess); err != nil {
				logging.Logger.Warn("Control connection failed", "conn", connID, "error", err)
			}

			logging.Logger.Info("Control connection closed",
				"conn", connID,
				"duration", time.Since(start).String())
			next(sess)
		}
	}
}
