package cmd

import (
	"fmt"

	adapteragent "github.com/renato0307/tether/internal/adapters/agent"
	adapterstorage "github.com/renato0307/tether/internal/adapters/storage"
	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/ports"
	"github.com/renato0307/tether/internal/services"
)

// Container holds all dependencies for the application
type Container struct {
	// Adapters
	Factory *adapteragent.Factory
	History ports.HistoryStore

	// Services
	HistoryStatsService *services.HistoryStatsService

	settings *config.Settings
}

// NewContainer creates a new Container with all dependencies wired
func NewContainer(settings *config.Settings) (*Container, error) {
	if settings == nil {
		settings = &config.Settings{}
	}

	fcfg, err := factoryConfig(settings)
	if err != nil {
		return nil, err
	}

	dbPath := settings.DBPath
	if dbPath == "" {
		dbPath = config.GetDBPath()
	}
	history, err := adapterstorage.NewSQLiteHistory(dbPath)
	if err != nil {
		return nil, err
	}

	return &Container{
		Factory:             adapteragent.NewFactory(fcfg),
		History:             history,
		HistoryStatsService: services.NewHistoryStatsService(history, nil),
		settings:            settings,
	}, nil
}

// NewPool builds a session pool from the settings
func (c *Container) NewPool() (*services.Pool, error) {
	cfg, err := poolConfig(c.settings)
	if err != nil {
		return nil, err
	}
	return services.NewPool(cfg, c.Factory, c.History), nil
}

// Close closes all resources held by the container
func (c *Container) Close() error {
	if c.History != nil {
		return c.History.Close()
	}
	return nil
}

func factoryConfig(s *config.Settings) (adapteragent.FactoryConfig, error) {
	prompts, err := adapteragent.CompilePromptPatterns(s.PromptPatterns)
	if err != nil {
		return adapteragent.FactoryConfig{}, fmt.Errorf("invalid prompt_patterns in settings: %w", err)
	}

	quiet := s.QuietInterval.Or(adapteragent.DefaultQuietInterval)
	return adapteragent.FactoryConfig{
		Binary: s.AgentBinary,
		Driver: adapteragent.Config{
			PromptPatterns: prompts,
			QuietInterval:  quiet,
			StartupTimeout: s.StartupTimeout.Or(adapteragent.DefaultStartupTimeout),
			StopGrace:      s.StopGrace.Or(adapteragent.DefaultStopGrace),
		},
		IdleCompletion: adapteragent.IdleConfig{PromptPatterns: prompts, QuietInterval: quiet},
	}, nil
}

func poolConfig(s *config.Settings) (services.PoolConfig, error) {
	instructions, err := s.Instructions()
	if err != nil {
		return services.PoolConfig{}, err
	}

	mode := domain.DriverMode(s.Mode)
	switch mode {
	case "", domain.ModePipe, domain.ModeTerminal:
	default:
		return services.PoolConfig{}, fmt.Errorf("invalid mode %q in settings (pipe or terminal)", s.Mode)
	}

	return services.PoolConfig{
		ApprovalTimeout: s.ApprovalTimeout.Or(services.DefaultApprovalTimeout),
		Defaults: domain.SessionConfig{
			ApprovalPolicy: domain.ApprovalPolicy(s.ApprovalPolicy),
			Cwd:            s.Cwd,
			ExtraArgs:      []string(s.AgentArgs),
			Instructions:   instructions,
			Mode:           mode,
			Model:          s.Model,
			Sandbox:        s.Sandbox,
		},
		IdleTimeout: s.IdleTimeout.Or(services.DefaultIdleTimeout),
		MaxSessions: intOr(s.MaxSessions, 0),
		Session: services.SessionOptions{
			CancelGrace:    s.CancelGrace.Or(services.DefaultCancelGrace),
			CommandTimeout: s.CommandTimeout.Or(services.DefaultCommandTimeout),
			MaxQueueDepth:  intOr(s.MaxQueueDepth, 0),
		},
		SweepInterval: s.SweepInterval.Or(services.DefaultSweepInterval),
	}, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
