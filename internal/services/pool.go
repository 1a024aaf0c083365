package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// Pool defaults
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

const historyWriteTimeout = 5 * time.Second

// PoolConfig configures a Pool
type PoolConfig struct {
	ApprovalTimeout time.Duration
	// Defaults applied to every new session unless overridden at Acquire
	Defaults      domain.SessionConfig
	IdleTimeout   time.Duration
	MaxSessions   int
	Session       SessionOptions
	SweepInterval time.Duration
}

// Pool maps session keys to live sessions
type Pool struct {
	bridge  *ApprovalBridge
	cfg     PoolConfig
	factory ports.DriverFactory
	group   singleflight.Group
	history ports.HistoryStore

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*Session
	starting int
	threads  map[string]string
}

// NewPool creates a pool. history may be nil.
func NewPool(cfg PoolConfig, factory ports.DriverFactory, history ports.HistoryStore) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	cfg.Session = cfg.Session.withDefaults()

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		history:  history,
		sessions: make(map[string]*Session),
		threads:  make(map[string]string),
	}
	p.bridge = NewApprovalBridge(cfg.ApprovalTimeout,
		WithApprovalClock(cfg.Session.Clock),
		WithListenerCheck(p.hasListener))
	p.cfg.Session.Observer = p
	return p
}

// Bridge exposes the approval bridge shared by the pool's sessions
func (p *Pool) Bridge() *ApprovalBridge {
	return p.bridge
}

// Acquire returns the live session for key, creating and starting one when
// needed. Concurrent callers for the same key share a single start. A start
// failure leaves the key absent.
func (p *Pool) Acquire(ctx context.Context, key string, override *domain.SessionConfig) (*Session, error) {
	if s := p.lookup(key); s != nil {
		return s, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if s := p.lookup(key); s != nil {
			return s, nil
		}
		return p.create(ctx, key, override)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// lookup returns a live session or nil
func (p *Pool) lookup(key string) *Session {
	p.mu.RLock()
	s, ok := p.sessions[key]
	p.mu.RUnlock()

	if !ok || !s.State().IsLive() {
		return nil
	}
	return s
}

func (p *Pool) create(ctx context.Context, key string, override *domain.SessionConfig) (*Session, error) {
	if err := p.reserve(key); err != nil {
		return nil, err
	}

	cfg := p.sessionConfig(ctx, key, override)
	s := NewSession(key, cfg, p.factory, p.bridge, p.cfg.Session)

	logging.Logger.Info("Starting session", "session", key, "mode", cfg.Mode, "cwd", cfg.Cwd, "resume", cfg.ResumeThreadID)
	err := s.Start(ctx)

	p.mu.Lock()
	p.starting--
	if err == nil {
		p.sessions[key] = s
	}
	p.mu.Unlock()

	if err != nil {
		logging.Logger.Error("Session failed to start", "session", key, "error", err)
		return nil, err
	}

	go p.watch(s)
	return s, nil
}

// reserve drops a dead entry for key and claims capacity, evicting the
// oldest idle session when the pool is full
func (p *Pool) reserve(key string) error {
	var evicted *Session

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: pool is shut down", domain.ErrSessionTerminated)
	}
	if old, ok := p.sessions[key]; ok && !old.State().IsLive() {
		delete(p.sessions, key)
	}
	if p.cfg.MaxSessions > 0 && len(p.sessions)+p.starting >= p.cfg.MaxSessions {
		evicted = p.oldestIdle()
		if evicted == nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: %d sessions", domain.ErrPoolFull, p.cfg.MaxSessions)
		}
		delete(p.sessions, evicted.Key())
	}
	p.starting++
	p.mu.Unlock()

	if evicted != nil {
		logging.Logger.Info("Evicting oldest idle session", "session", evicted.Key())
		evicted.Close()
	}
	return nil
}

// oldestIdle must be called with p.mu held
func (p *Pool) oldestIdle() *Session {
	now := p.cfg.Session.Clock()
	var (
		oldest  *Session
		longest time.Duration
	)
	for _, s := range p.sessions {
		if idle := s.IdleFor(now); idle > longest {
			oldest, longest = s, idle
		}
	}
	return oldest
}

func (p *Pool) sessionConfig(ctx context.Context, key string, override *domain.SessionConfig) domain.SessionConfig {
	cfg := p.cfg.Defaults
	if override != nil {
		cfg = mergeConfig(cfg, *override)
	}
	if cfg.ResumeThreadID != "" {
		return cfg
	}

	p.mu.RLock()
	thread := p.threads[key]
	p.mu.RUnlock()

	if thread == "" && p.history != nil {
		rec, err := p.history.LoadThread(ctx, key)
		if err != nil {
			logging.Logger.Warn("Failed to load thread history", "session", key, "error", err)
		} else if rec != nil {
			thread = rec.ThreadID
		}
	}
	cfg.ResumeThreadID = thread
	return cfg
}

func mergeConfig(base, o domain.SessionConfig) domain.SessionConfig {
	if o.ApprovalPolicy != "" {
		base.ApprovalPolicy = o.ApprovalPolicy
	}
	if o.Cwd != "" {
		base.Cwd = o.Cwd
	}
	if len(o.ExtraArgs) > 0 {
		base.ExtraArgs = o.ExtraArgs
	}
	if o.Instructions != "" {
		base.Instructions = o.Instructions
	}
	if o.Mode != "" {
		base.Mode = o.Mode
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.ResumeThreadID != "" {
		base.ResumeThreadID = o.ResumeThreadID
	}
	if o.Sandbox != "" {
		base.Sandbox = o.Sandbox
	}
	return base
}

// watch drops a session from the map once it terminates on its own
func (p *Pool) watch(s *Session) {
	<-s.Done()

	p.mu.Lock()
	if cur, ok := p.sessions[s.Key()]; ok && cur == s {
		delete(p.sessions, s.Key())
	}
	p.mu.Unlock()
}

// remove takes key out of the map and returns its session
func (p *Pool) remove(key string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[key]
	if !ok {
		return nil
	}
	delete(p.sessions, key)
	return s
}

// Reset terminates the session for key and forgets its conversation
func (p *Pool) Reset(key string) bool {
	s := p.remove(key)

	p.mu.Lock()
	delete(p.threads, key)
	p.mu.Unlock()

	if p.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := p.history.DeleteThread(ctx, key); err != nil {
			logging.Logger.Warn("Failed to forget thread", "session", key, "error", err)
		}
		cancel()
	}

	if s == nil {
		return false
	}
	logging.Logger.Info("Resetting session", "session", key)
	s.Close()
	return true
}

// ResetByPrefix resets every session belonging to a channel
func (p *Pool) ResetByPrefix(channel string) int {
	n := 0
	for _, key := range p.keys(channel) {
		if p.Reset(key) {
			n++
		}
	}
	return n
}

// InterruptByPrefix interrupts the running command of every session
// belonging to a channel
func (p *Pool) InterruptByPrefix(channel string) int {
	n := 0
	for _, key := range p.keys(channel) {
		if s := p.lookup(key); s != nil && s.Interrupt() {
			n++
		}
	}
	return n
}

func (p *Pool) keys(channel string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []string
	for key := range p.sessions {
		if domain.KeyHasPrefix(key, channel) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Sweep terminates sessions idle for longer than the idle timeout and
// returns their keys
func (p *Pool) Sweep() []string {
	now := p.cfg.Session.Clock()

	p.mu.Lock()
	var expired []*Session
	for key, s := range p.sessions {
		if s.IdleFor(now) >= p.cfg.IdleTimeout {
			expired = append(expired, s)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	keys := make([]string, 0, len(expired))
	for _, s := range expired {
		keys = append(keys, s.Key())
		g.Go(func() error {
			logging.Logger.Info("Sweeping idle session", "session", s.Key())
			s.Close()
			return nil
		})
	}
	g.Wait()

	sort.Strings(keys)
	return keys
}

// Run sweeps periodically until ctx ends
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := p.Sweep(); len(swept) > 0 {
				logging.Logger.Info("Idle sessions swept", "count", len(swept))
			}
		}
	}
}

// List returns summaries of every session, sorted by key
func (p *Pool) List() []domain.SessionSummary {
	p.mu.RLock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown terminates every session in parallel. New acquisitions fail
// afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for key, s := range p.sessions {
		sessions = append(sessions, s)
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	logging.Logger.Info("Shutting down session pool", "sessions", len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session %s did not stop: %w", s.Key(), gctx.Err())
			}
		})
	}
	return g.Wait()
}

// Submit queues a command for key, replacing a terminated session
// transparently
func (p *Pool) Submit(ctx context.Context, key string, text string, override *domain.SessionConfig) (domain.QueueItem, error) {
	cmd := domain.NewCommand(text)

	for attempt := 0; ; attempt++ {
		s, err := p.Acquire(ctx, key, override)
		if err != nil {
			return domain.QueueItem{}, err
		}
		item, err := s.Enqueue(cmd)
		if errors.Is(err, domain.ErrSessionTerminated) && attempt == 0 {
			continue
		}
		return item, err
	}
}

// Subscribe streams events of the session for key, starting it if needed
func (p *Pool) Subscribe(ctx context.Context, key string) (<-chan domain.SessionEvent, func(), error) {
	s, err := p.Acquire(ctx, key, nil)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.Subscribe()
	return ch, cancel, nil
}

// Decide delivers an external approval decision
func (p *Pool) Decide(key string, id domain.RequestID, decision domain.Decision) bool {
	return p.bridge.Submit(key, id, decision)
}

// Pending lists the approvals of key still waiting for a decision
func (p *Pool) Pending(key string) []domain.PendingApproval {
	return p.bridge.Pending(key)
}

// Status returns the summary of a live session
func (p *Pool) Status(key string) (domain.SessionSummary, error) {
	s, err := p.get(key)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	return s.Status(), nil
}

// Items returns the queue items of a live session
func (p *Pool) Items(key string) ([]domain.QueueItem, error) {
	s, err := p.get(key)
	if err != nil {
		return nil, err
	}
	return s.Items(), nil
}

// Item returns one queue item of a live session
func (p *Pool) Item(key, itemID string) (domain.QueueItem, error) {
	s, err := p.get(key)
	if err != nil {
		return domain.QueueItem{}, err
	}
	return s.Item(itemID)
}

// Cancel cancels one item of a live session
func (p *Pool) Cancel(key, itemID string) error {
	s, err := p.get(key)
	if err != nil {
		return err
	}
	return s.Cancel(itemID)
}

// Interrupt cancels whatever the session for key is running
func (p *Pool) Interrupt(key string) (bool, error) {
	s, err := p.get(key)
	if err != nil {
		return false, err
	}
	return s.Interrupt(), nil
}

// Resize changes the terminal size of a terminal-mode session
func (p *Pool) Resize(key string, rows, cols uint16) error {
	s, err := p.get(key)
	if err != nil {
		return err
	}
	return s.Resize(rows, cols)
}

func (p *Pool) get(key string) (*Session, error) {
	if s := p.lookup(key); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, key)
}

func (p *Pool) hasListener(key string) bool {
	p.mu.RLock()
	s, ok := p.sessions[key]
	p.mu.RUnlock()
	return ok && s.HasSubscribers()
}

// ThreadStarted remembers the conversation a key is bound to
func (p *Pool) ThreadStarted(key, threadID string) {
	p.mu.Lock()
	p.threads[key] = threadID
	p.mu.Unlock()

	if p.history == nil {
		return
	}

	var cfg domain.SessionConfig
	if s := p.lookup(key); s != nil {
		cfg = s.Config()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := p.history.SaveThread(ctx, ports.ThreadRecord{
		Cwd:        cfg.Cwd,
		Model:      cfg.Model,
		SessionKey: key,
		ThreadID:   threadID,
		UpdatedAt:  p.cfg.Session.Clock(),
	})
	if err != nil {
		logging.Logger.Warn("Failed to save thread", "session", key, "error", err)
	}
}

// ItemFinished records a finished command
func (p *Pool) ItemFinished(item domain.QueueItem) {
	if p.history == nil {
		return
	}

	rec := ports.CommandRecord{
		CreatedAt:  item.CreatedAt,
		Error:      item.Error,
		ItemID:     item.ID,
		SessionKey: item.SessionKey,
		Status:     string(item.Status),
		Text:       item.Command.Text,
		ThreadID:   item.ThreadID,
	}
	if item.CompletedAt != nil {
		rec.CompletedAt = *item.CompletedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := p.history.RecordCommand(ctx, rec); err != nil {
		logging.Logger.Warn("Failed to record command", "session", item.SessionKey, "item", item.ID, "error", err)
	}
}
