package copilot

import "github.com/jholhewres/clawgate/pkg/clawgate/store"

// ErrorKind classifies why a message did not get a normal answer, so
// channels and the admin API can react without matching on text.
type ErrorKind int

const (
	// KindNone is a normal reply.
	KindNone ErrorKind = iota
	// KindAuthDenied: the sender is blocked.
	KindAuthDenied
	// KindPairingRequired: the sender must get a pairing code approved.
	KindPairingRequired
	// KindRateLimited: too many messages inside the window.
	KindRateLimited
	// KindProviderTransient: the model failed twice with retryable errors.
	KindProviderTransient
	// KindProviderPermanent: the model rejected the call (bad key, billing).
	KindProviderPermanent
	// KindApprovalNotFound: nothing pending to resolve.
	KindApprovalNotFound
	// KindApprovalExpired: the approval lapsed before the decision.
	KindApprovalExpired
	// KindInvalidInput: the message was rejected before processing.
	KindInvalidInput
	// KindInternal: a store failure aborted the operation.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindAuthDenied:
		return "auth_denied"
	case KindPairingRequired:
		return "pairing_required"
	case KindRateLimited:
		return "rate_limited"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderPermanent:
		return "provider_permanent"
	case KindApprovalNotFound:
		return "approval_not_found"
	case KindApprovalExpired:
		return "approval_expired"
	case KindInvalidInput:
		return "invalid_input"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Reply is what the assistant answers to one inbound message.
type Reply struct {
	Text string
	Kind ErrorKind

	// Approval is set when the reply asks the user for a decision.
	Approval *store.Approval

	// Degraded reports that compaction had to drop turns unsummarized
	// while handling this message.
	Degraded bool

	// Err carries the underlying failure for KindInternal and provider
	// kinds. It is never shown to the user.
	Err error
}

func textReply(text string) *Reply {
	return &Reply{Text: text}
}

func errorReply(kind ErrorKind, text string, err error) *Reply {
	return &Reply{Text: text, Kind: kind, Err: err}
}
