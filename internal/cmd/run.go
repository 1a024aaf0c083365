package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/server"
	"github.com/renato0307/tether/internal/theme"
)

// RunCmd submits a single prompt without the control server
type RunCmd struct {
	Key    string   `arg:"" help:"Session key (channel or channel:thread)"`
	Prompt []string `arg:"" help:"Prompt text; a trailing effort hint like 'think hard' is honoured"`

	ApprovalPolicy string `help:"Approval policy (never, on-request, untrusted)" name:"approval-policy"`
	Approve        bool   `help:"Accept every approval request instead of declining it"`
	Cwd            string `help:"Working directory for the agent"`
	JSON           bool   `help:"Print every session event as a JSON line" name:"json"`
	Mode           string `help:"Process mode (pipe or terminal)"`
	Model          string `help:"Model override"`
	Sandbox        string `help:"Sandbox mode override"`
}

// Run executes the prompt and streams its output
func (r *RunCmd) Run(cli *CLI) error {
	text := strings.TrimSpace(strings.Join(r.Prompt, " "))
	if text == "" {
		return errors.New("prompt is empty")
	}
	switch domain.DriverMode(r.Mode) {
	case "", domain.ModePipe, domain.ModeTerminal:
	default:
		return fmt.Errorf("invalid mode %q (pipe or terminal)", r.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := cli.Container.NewPool()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Warn("Pool shutdown incomplete", "error", err)
		}
	}()

	override := r.override()
	s, err := pool.Acquire(ctx, r.Key, override)
	if err != nil {
		return err
	}
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	item, err := pool.Submit(ctx, r.Key, text, override)
	if err != nil {
		return err
	}
	logging.Logger.Info("Prompt submitted", "key", r.Key, "item_id", item.ID)

	opts := followOptions{Approve: r.Approve, JSON: r.JSON}
	if !r.JSON {
		opts.Status = os.Stderr
	}
	_, err = follow(ctx, cli.stdout(), pool, item, events, opts)
	return err
}

func (r *RunCmd) override() *domain.SessionConfig {
	if r.ApprovalPolicy == "" && r.Cwd == "" && r.Mode == "" && r.Model == "" && r.Sandbox == "" {
		return nil
	}
	cfg := &domain.SessionConfig{
		Cwd:     r.Cwd,
		Mode:    domain.DriverMode(r.Mode),
		Model:   r.Model,
		Sandbox: r.Sandbox,
	}
	if r.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = domain.NormalizeApprovalPolicy(r.ApprovalPolicy)
	}
	return cfg
}

type itemController interface {
	Cancel(key, itemID string) error
	Decide(key string, id domain.RequestID, decision domain.Decision) bool
}

type followOptions struct {
	Approve bool
	JSON    bool
	// Status receives session state changes; nil drops them
	Status io.Writer
}

type messageDelta struct {
	Delta string `json:"delta"`
}

// follow prints session events until item reaches a terminal status. When ctx
// ends first the item is cancelled and follow keeps waiting for the outcome.
func follow(ctx context.Context, w io.Writer, ctl itemController, item domain.QueueItem,
	events <-chan domain.SessionEvent, opts followOptions) (domain.QueueItem, error) {
	enc := json.NewEncoder(w)
	done := ctx.Done()
	streamed := false

	for {
		select {
		case <-done:
			done = nil
			logging.Logger.Info("Cancelling command", "item_id", item.ID)
			if err := ctl.Cancel(item.SessionKey, item.ID); err != nil {
				return item, fmt.Errorf("failed to cancel command: %w", err)
			}
			continue
		case ev, ok := <-events:
			if !ok {
				return item, fmt.Errorf("%w before command %s finished", domain.ErrSessionTerminated, item.ID)
			}

			if opts.JSON {
				if err := enc.Encode(server.ToWireEvent(ev)); err != nil {
					return item, err
				}
			}

			switch ev.Kind {
			case domain.SessionEventProtocol:
				if !opts.JSON && printProtocol(w, ev.Protocol) {
					streamed = true
				}
			case domain.SessionEventState:
				if opts.Status != nil {
					fmt.Fprintf(opts.Status, "%s %s\n", theme.StateIcon(ev.State), ev.State)
				}
			case domain.SessionEventApproval:
				if ev.Approval == nil {
					continue
				}
				if !opts.JSON {
					fmt.Fprintf(w, "\n[approval] %s -> %s\n", ev.Approval.Method,
						ev.Approval.Kind.Verb(opts.Approve))
				}
				ctl.Decide(ev.SessionKey, ev.Approval.RequestID, domain.Decision{Approved: opts.Approve})
			case domain.SessionEventItem:
				if ev.Item == nil || ev.Item.ID != item.ID {
					continue
				}
				item = *ev.Item
				if !item.Status.IsTerminal() {
					continue
				}
				return item, finish(w, item, streamed, opts.JSON)
			}
		}
	}
}

func printProtocol(w io.Writer, ev *domain.ProtocolEvent) bool {
	if ev == nil {
		return false
	}
	switch {
	case ev.IsNotification(domain.NotifyAgentMessageDelta):
		var d messageDelta
		if err := json.Unmarshal(ev.Notification.Params, &d); err != nil || d.Delta == "" {
			return false
		}
		fmt.Fprint(w, d.Delta)
		return true
	case ev.Kind == domain.EventRawOutput:
		fmt.Fprintln(w, string(ev.Raw))
		return true
	}
	return false
}

func finish(w io.Writer, item domain.QueueItem, streamed bool, asJSON bool) error {
	switch item.Status {
	case domain.ItemCompleted:
		if !asJSON {
			if !streamed && item.Output != "" {
				fmt.Fprint(w, item.Output)
			}
			fmt.Fprintln(w)
		}
		return nil
	case domain.ItemCancelled:
		return fmt.Errorf("command %s cancelled", item.ID)
	default:
		return fmt.Errorf("command %s failed: %s", item.ID, item.Error)
	}
}
