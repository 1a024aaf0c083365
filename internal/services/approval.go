package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
)

// DefaultApprovalTimeout bounds how long a request waits for a decision
const DefaultApprovalTimeout = 300 * time.Second

type approvalKey struct {
	id      domain.RequestID
	session string
}

// Approval is a registered request waiting for its single resolution
type Approval struct {
	done       chan struct{}
	pending    domain.PendingApproval
	policy     domain.ApprovalPolicy
	resolution domain.Resolution
}

// Pending returns the request as shown to decision makers
func (a *Approval) Pending() domain.PendingApproval {
	return a.pending
}

// ApprovalBridge resolves agent permission requests from external decisions
// or, failing that, from the session's approval policy. Each request commits
// exactly one resolution.
type ApprovalBridge struct {
	clock     func() time.Time
	listening func(sessionKey string) bool
	timeout   time.Duration

	mu      sync.Mutex
	pending map[approvalKey]*Approval
}

// ApprovalOption configures an ApprovalBridge
type ApprovalOption func(*ApprovalBridge)

// WithApprovalClock overrides the time source used for deadlines
func WithApprovalClock(clock func() time.Time) ApprovalOption {
	return func(b *ApprovalBridge) { b.clock = clock }
}

// WithListenerCheck reports whether anyone upstream can answer for a
// session. Without a listener the policy default is committed at once.
func WithListenerCheck(fn func(sessionKey string) bool) ApprovalOption {
	return func(b *ApprovalBridge) { b.listening = fn }
}

// NewApprovalBridge creates a bridge with the given decision timeout
func NewApprovalBridge(timeout time.Duration, opts ...ApprovalOption) *ApprovalBridge {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	b := &ApprovalBridge{
		clock:     time.Now,
		listening: func(string) bool { return true },
		pending:   make(map[approvalKey]*Approval),
		timeout:   timeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open registers a request. The caller publishes Pending() and then waits
// with Await.
func (b *ApprovalBridge) Open(sessionKey string, req *domain.Request, policy domain.ApprovalPolicy) *Approval {
	kind, _ := domain.ApprovalKindFor(req.Method)
	a := &Approval{
		done: make(chan struct{}),
		pending: domain.PendingApproval{
			Deadline:   b.clock().Add(b.timeout),
			Kind:       kind,
			Method:     req.Method,
			Params:     req.Params,
			RequestID:  req.ID,
			SessionKey: sessionKey,
		},
		policy: domain.NormalizeApprovalPolicy(string(policy)),
	}

	b.mu.Lock()
	b.pending[approvalKey{id: req.ID, session: sessionKey}] = a
	b.mu.Unlock()

	logging.Logger.Info("Approval requested",
		"session", sessionKey, "method", req.Method, "request_id", req.ID, "policy", a.policy)

	if !b.listening(sessionKey) {
		b.commit(a, b.defaultResolution(a, domain.SourcePolicy))
	}
	return a
}

// Await blocks until the request is resolved, the deadline passes or ctx
// ends. On deadline or cancellation the policy default is committed; a
// cancelled wait also returns ctx's error.
func (b *ApprovalBridge) Await(ctx context.Context, a *Approval) (domain.Resolution, error) {
	timer := time.NewTimer(max(a.pending.Deadline.Sub(b.clock()), 0))
	defer timer.Stop()

	select {
	case <-a.done:
		return a.resolution, nil
	case <-timer.C:
		if b.commit(a, b.defaultResolution(a, domain.SourceTimeout)) {
			logging.Logger.Info("Approval timed out, applying policy default",
				"session", a.pending.SessionKey, "request_id", a.pending.RequestID, "verb", a.resolution.Verb)
		}
		return a.resolution, nil
	case <-ctx.Done():
		b.commit(a, b.defaultResolution(a, domain.SourcePolicy))
		return a.resolution, ctx.Err()
	}
}

// Resolve is Open followed by Await
func (b *ApprovalBridge) Resolve(ctx context.Context, sessionKey string, req *domain.Request, policy domain.ApprovalPolicy) (domain.Resolution, error) {
	return b.Await(ctx, b.Open(sessionKey, req, policy))
}

// Submit delivers an external decision. It returns false when the request
// is unknown or already resolved.
func (b *ApprovalBridge) Submit(sessionKey string, id domain.RequestID, decision domain.Decision) bool {
	b.mu.Lock()
	a, ok := b.pending[approvalKey{id: id, session: sessionKey}]
	b.mu.Unlock()

	if !ok {
		logging.Logger.Info("Discarding stale approval decision", "session", sessionKey, "request_id", id)
		return false
	}

	verb := a.pending.Kind.Verb(decision.Approved)
	res := domain.Resolution{
		Method:    a.pending.Method,
		Payload:   b.payload(a, verb, decision.Answers),
		RequestID: id,
		Source:    domain.SourceExternal,
		Verb:      verb,
	}
	if !b.commit(a, res) {
		logging.Logger.Info("Discarding stale approval decision", "session", sessionKey, "request_id", id)
		return false
	}
	return true
}

// Pending lists unresolved requests for a session
func (b *ApprovalBridge) Pending(sessionKey string) []domain.PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.PendingApproval
	for k, a := range b.pending {
		if k.session == sessionKey {
			out = append(out, a.pending)
		}
	}
	return out
}

// Forget drops every unresolved request of a session, committing defaults
func (b *ApprovalBridge) Forget(sessionKey string) {
	b.mu.Lock()
	var open []*Approval
	for k, a := range b.pending {
		if k.session == sessionKey {
			open = append(open, a)
		}
	}
	b.mu.Unlock()

	for _, a := range open {
		b.commit(a, b.defaultResolution(a, domain.SourcePolicy))
	}
}

// commit records res unless the request already has a resolution
func (b *ApprovalBridge) commit(a *Approval, res domain.Resolution) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-a.done:
		return false
	default:
	}

	a.resolution = res
	delete(b.pending, approvalKey{id: a.pending.RequestID, session: a.pending.SessionKey})
	close(a.done)

	logging.Logger.Debug("Approval resolved",
		"session", a.pending.SessionKey, "request_id", a.pending.RequestID, "verb", res.Verb, "source", res.Source)
	return true
}

func (b *ApprovalBridge) defaultResolution(a *Approval, source domain.ResolutionSource) domain.Resolution {
	approved := a.policy.Permissive()
	var answers map[string][]string
	if a.pending.Kind == domain.ApprovalQuestionAnswers {
		// Unanswered questions get empty answer lists
		approved = false
		answers = map[string][]string{}
		for _, id := range questionIDs(a.pending.Params) {
			answers[id] = []string{}
		}
	}

	verb := a.pending.Kind.Verb(approved)
	return domain.Resolution{
		Method:    a.pending.Method,
		Payload:   b.payload(a, verb, answers),
		RequestID: a.pending.RequestID,
		Source:    source,
		Verb:      verb,
	}
}

type answerSet struct {
	Answers []string `json:"answers"`
}

func (b *ApprovalBridge) payload(a *Approval, verb string, answers map[string][]string) json.RawMessage {
	var body any
	if a.pending.Kind == domain.ApprovalQuestionAnswers {
		out := make(map[string]answerSet, len(answers))
		for qid, list := range answers {
			if list == nil {
				list = []string{}
			}
			out[qid] = answerSet{Answers: list}
		}
		body = map[string]any{"answers": out}
	} else {
		body = map[string]string{"decision": verb}
	}

	data, err := json.Marshal(body)
	if err != nil {
		logging.Logger.Error("Failed to encode approval payload", "error", err)
		return json.RawMessage(`{}`)
	}
	return data
}

func questionIDs(params json.RawMessage) []string {
	var p struct {
		Questions []struct {
			ID string `json:"id"`
		} `json:"questions"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return nil
	}
	ids := make([]string, 0, len(p.Questions))
	for _, q := range p.Questions {
		if q.ID != "" {
			ids = append(ids, q.ID)
		}
	}
	return ids
}
