package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/server"
)

const (
	defaultSSHHost = "localhost"
	defaultSSHPort = 2222

	poolShutdownTimeout = 30 * time.Second
)

// ServeCmd runs the session pool behind the SSH control server
type ServeCmd struct {
	Host string `help:"Address to listen on" default:"localhost" env:"TETHER_SSH_HOST"`
	Port int    `help:"Port to listen on" default:"2222" env:"TETHER_SSH_PORT"`
}

// Run starts the server and blocks until interrupted
func (s *ServeCmd) Run(cli *CLI) error {
	settings := cli.effectiveSettings()
	s.applySettings(settings)

	authorizedKeys := settings.AuthorizedKeysPath
	if authorizedKeys == "" {
		authorizedKeys = config.GetAuthorizedKeysPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := cli.Container.NewPool()
	if err != nil {
		return err
	}
	go pool.Run(ctx)

	srv, err := server.NewServer(server.Config{
		AuthorizedKeysPath: authorizedKeys,
		Host:               s.Host,
		HostKeyPath:        config.GetHostKeyPath(),
		Port:               s.Port,
	}, pool)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout(), "tether listening on %s (authorized keys: %s)\n", srv.Addr(), authorizedKeys)
	serveErr := srv.Run(ctx)
	stop()

	logging.Logger.Info("Stopping sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Warn("Pool shutdown incomplete", "error", err)
	}

	return serveErr
}

// applySettings fills flags left at their default from settings.json
// unless the matching env var is set
func (s *ServeCmd) applySettings(settings *config.Settings) {
	if s.Host == defaultSSHHost {
		if _, hasEnv := os.LookupEnv("TETHER_SSH_HOST"); !hasEnv && settings.SSHHost != "" {
			s.Host = settings.SSHHost
		}
	}
	if s.Port == defaultSSHPort {
		if _, hasEnv := os.LookupEnv("TETHER_SSH_PORT"); !hasEnv && settings.SSHPort != nil {
			s.Port = *settings.SSHPort
		}
	}
}
