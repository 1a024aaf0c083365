package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ApprovalPolicy is the session's approval policy tag
type ApprovalPolicy string

const (
	PolicyNever     ApprovalPolicy = "never"
	PolicyOnRequest ApprovalPolicy = "on-request"
	PolicyUntrusted ApprovalPolicy = "untrusted"
)

// NormalizeApprovalPolicy lowercases the policy and maps deprecated values
func NormalizeApprovalPolicy(p string) ApprovalPolicy {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "", "on-failure":
		return PolicyOnRequest
	}
	return ApprovalPolicy(p)
}

// Permissive reports whether unanswered approvals default to acceptance
func (p ApprovalPolicy) Permissive() bool {
	return NormalizeApprovalPolicy(string(p)) == PolicyNever
}

// ApprovalKind groups request methods by the reply they need
type ApprovalKind string

const (
	ApprovalAcceptDecline   ApprovalKind = "accept_decline"
	ApprovalApproveDecline  ApprovalKind = "approve_decline"
	ApprovalApprovedDenied  ApprovalKind = "approved_denied"
	ApprovalQuestionAnswers ApprovalKind = "question_answers"
)

// Decision is an externally supplied verdict
type Decision struct {
	Answers  map[string][]string `json:"answers,omitempty"`
	Approved bool                `json:"approved"`
}

// ResolutionSource records where the committed decision came from
type ResolutionSource string

const (
	SourceExternal ResolutionSource = "external"
	SourcePolicy   ResolutionSource = "policy"
	SourceTimeout  ResolutionSource = "timeout"
)

// Resolution is the committed outcome of a PendingApproval
type Resolution struct {
	Method    string
	Payload   json.RawMessage
	RequestID RequestID
	Source    ResolutionSource
	Verb      string
}

// PendingApproval describes an approval request awaiting a decision
type PendingApproval struct {
	Deadline   time.Time       `json:"deadline"`
	Kind       ApprovalKind    `json:"kind"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	RequestID  RequestID       `json:"request_id"`
	SessionKey string          `json:"session_key"`
}

var approvalKinds = map[string]ApprovalKind{
	"applyPatchApproval":                    ApprovalApprovedDenied,
	"execCommandApproval":                   ApprovalApprovedDenied,
	"item/commandExecution/requestApproval": ApprovalAcceptDecline,
	"item/fileChange/requestApproval":       ApprovalAcceptDecline,
	"item/tool/requestUserInput":            ApprovalQuestionAnswers,
	"skill/requestApproval":                 ApprovalApproveDecline,
}

// ApprovalKindFor looks up a decision-requiring method. Methods that are not
// listed are unsupported and must be rejected at the protocol layer.
func ApprovalKindFor(method string) (ApprovalKind, bool) {
	k, ok := approvalKinds[method]
	return k, ok
}

// Verbs returns the positive and negative verbs for the kind
func (k ApprovalKind) Verbs() (string, string) {
	switch k {
	case ApprovalApproveDecline:
		return "approve", "decline"
	case ApprovalApprovedDenied:
		return "approved", "denied"
	case ApprovalQuestionAnswers:
		return "answered", "unanswered"
	default:
		return "accept", "decline"
	}
}

// Verb picks the verb for an approved/declined outcome
func (k ApprovalKind) Verb(approved bool) string {
	pos, neg := k.Verbs()
	if approved {
		return pos
	}
	return neg
}
