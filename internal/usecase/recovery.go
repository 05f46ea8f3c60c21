package usecase

import (
	"fmt"
	"sync"

	"biashara-copilot/internal/domain"
)

type RecoveryState string

const (
	RecoveryIdle    RecoveryState = "IDLE"
	RecoverySending RecoveryState = "SENDING"
	RecoverySuccess RecoveryState = "SUCCESS"
	RecoveryFailed  RecoveryState = "FAILED"
)

// PendingRetry is what a caller shows next to a retry button.
type PendingRetry struct {
	Payload domain.RetryPayload
	Label   string
	Err     error
}

// Recovery retains the last attempted payload of one surface so a failed
// request can be resubmitted verbatim. Only one payload is kept: a new send
// replaces it before its outcome is known.
type Recovery struct {
	mu      sync.Mutex
	state   RecoveryState
	payload *domain.RetryPayload
	lastErr error
}

func NewRecovery() *Recovery {
	return &Recovery{state: RecoveryIdle}
}

// Begin records p as the in-flight payload.
func (r *Recovery) Begin(p domain.RetryPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = &p
	r.lastErr = nil
	r.state = RecoverySending
}

// Fail keeps the payload for a later Retry.
func (r *Recovery) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	r.state = RecoveryFailed
}

// Succeed drops the payload and returns to IDLE.
func (r *Recovery) Succeed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = nil
	r.lastErr = nil
	r.state = RecoveryIdle
}

// Retry re-enters SENDING with the retained payload.
func (r *Recovery) Retry() (domain.RetryPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecoveryFailed || r.payload == nil {
		return domain.RetryPayload{}, ErrNoPendingRetry
	}
	r.state = RecoverySending
	r.lastErr = nil
	return *r.payload, nil
}

func (r *Recovery) State() RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the retained payload after a failure.
func (r *Recovery) Pending() (PendingRetry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecoveryFailed || r.payload == nil {
		return PendingRetry{}, false
	}
	return PendingRetry{Payload: *r.payload, Label: RetryLabel(*r.payload), Err: r.lastErr}, true
}

// RetryLabel describes p for display.
func RetryLabel(p domain.RetryPayload) string {
	switch p.Kind {
	case domain.PayloadVision:
		n := len(p.Images)
		noun := "photos"
		if n == 1 {
			noun = "photo"
		}
		if p.Text == "" {
			return fmt.Sprintf("Resend %d %s", n, noun)
		}
		return fmt.Sprintf("Resend %d %s with %q", n, noun, preview(p.Text))
	case domain.PayloadImage:
		return fmt.Sprintf("Regenerate image %q", preview(p.Prompt))
	default:
		return fmt.Sprintf("Resend %q", preview(p.Text))
	}
}

func preview(s string) string {
	const limit = 40
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
