package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgellow/authfront/internal/log"
)

// Messages surfaced by the machine itself rather than by the provider.
const (
	MessageTransport       = "Something went wrong. Please try again."
	MessageCodeSent        = "Verification code sent"
	MessageCoolingDown     = "Please wait before requesting another code"
	MessageInterrupted     = "Your previous request was interrupted. Please submit again."
	MessageBadCredentials  = "Please check your credentials and try again."
	MessageCodeNotAccepted = "Please check the code and try again."
)

// ErrDiscarded is returned when restoring into a discarded machine.
var ErrDiscarded = errors.New("flow discarded")

// OutcomeKind tags the result of a machine operation.
type OutcomeKind string

const (
	// OutcomeAdvanced means the flow moved to the next step.
	OutcomeAdvanced OutcomeKind = "advanced"
	// OutcomeCompleted means the flow finished and holds a session token.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeRejected means the provider or transport refused the request.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeStale means the request targeted a step the flow is no longer on,
	// or its reply arrived after the flow moved on. Nothing changed.
	OutcomeStale OutcomeKind = "stale"
	// OutcomeBusy means a provider request is already in flight.
	OutcomeBusy OutcomeKind = "busy"
	// OutcomeClosed means the flow is complete or discarded.
	OutcomeClosed OutcomeKind = "closed"
	// OutcomeResent means a fresh code was requested.
	OutcomeResent OutcomeKind = "resent"
	// OutcomeCoolingDown means a resend was refused by the limiter.
	OutcomeCoolingDown OutcomeKind = "cooling_down"
	// OutcomeRedirect means the caller must navigate to RedirectURL.
	OutcomeRedirect OutcomeKind = "redirect"
	// OutcomeUnsupported means the operation is not offered at this step.
	OutcomeUnsupported OutcomeKind = "unsupported"
	// OutcomeInvalid means local validation refused the input before the
	// machine was reached. The machine itself never produces it.
	OutcomeInvalid OutcomeKind = "invalid"
)

// Outcome is the tagged result of a machine operation.
type Outcome struct {
	Kind        OutcomeKind
	Step        Step
	Failure     *Failure
	RedirectURL string
}

// Option configures a Machine.
type Option func(*Machine)

// WithResendLimiter throttles Resend. Without one, every resend reaches the
// gateway.
func WithResendLimiter(l ResendLimiter) Option {
	return func(m *Machine) {
		m.limiter = l
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// Machine drives one flow. It is safe for concurrent use; the lock is not
// held while the gateway is called.
type Machine struct {
	mu        sync.Mutex
	gateway   Gateway
	limiter   ResendLimiter
	now       func() time.Time
	state     State
	gen       uint64
	discarded bool
}

// ticket identifies the request a gateway reply belongs to.
type ticket struct {
	step Step
	gen  uint64
}

// NewMachine creates a machine positioned on the first step of kind.
func NewMachine(kind Kind, gw Gateway, opts ...Option) (*Machine, error) {
	if !kind.Valid() {
		return nil, errors.New("unknown flow kind: " + string(kind))
	}
	if gw == nil {
		return nil, errors.New("gateway is required")
	}
	m := &Machine{
		gateway: gw,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = newState(kind, m.now())
	return m, nil
}

// Kind returns the flow kind.
func (m *Machine) Kind() Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Kind
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Restore replaces the state with a previously taken snapshot. A snapshot
// taken while a request was in flight comes back as an error so the user can
// submit again; the reply to that request is never applied.
func (m *Machine) Restore(s State) error {
	if err := s.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discarded {
		return ErrDiscarded
	}
	if s.Kind != m.state.Kind {
		return errors.New("snapshot kind " + string(s.Kind) + " does not match " + string(m.state.Kind))
	}
	s = s.clone()
	if s.Status == StatusSubmitting {
		s.Status = StatusError
		s.LastError = &Failure{Message: MessageInterrupted}
	}
	m.state = s
	m.gen++
	return nil
}

// Discard closes the machine. Replies still in flight are dropped.
func (m *Machine) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = true
	m.gen++
}

// Discarded reports whether Discard was called.
func (m *Machine) Discarded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discarded
}

// SubmitStep records fields for step and issues the step's provider request.
// At most one submission is admitted at a time.
func (m *Machine) SubmitStep(ctx context.Context, step Step, fields map[string]string) Outcome {
	m.mu.Lock()
	if out, ok := m.admitLocked(step); !ok {
		m.mu.Unlock()
		return out
	}
	for _, name := range m.state.Kind.Fields(step) {
		if v, ok := fields[name]; ok {
			m.state.Fields[name] = v
		}
	}
	t := m.beginLocked()
	s := m.state.clone()
	m.mu.Unlock()

	r, err := m.call(ctx, s)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.holdsLocked(t) {
		log.LogDebugWithFields("flow", "Dropping stale reply", map[string]any{
			"kind": s.Kind,
			"step": step,
		})
		return Outcome{Kind: OutcomeStale, Step: step}
	}
	if err != nil {
		return m.failLocked(step, err)
	}
	return m.applyLocked(step, r)
}

// Resend asks the provider for a fresh code on a step reached through a code
// challenge. It never changes the step and is not subject to the submission
// guard: a resend while a submission is in flight leaves the status alone.
func (m *Machine) Resend(ctx context.Context, step Step) Outcome {
	m.mu.Lock()
	cur := m.state.Step
	if m.discarded || m.state.Status == StatusComplete {
		m.mu.Unlock()
		return Outcome{Kind: OutcomeClosed, Step: cur}
	}
	if step != cur {
		m.mu.Unlock()
		return Outcome{Kind: OutcomeStale, Step: cur}
	}
	if !m.state.Kind.Resendable(step) {
		m.mu.Unlock()
		return Outcome{Kind: OutcomeUnsupported, Step: step}
	}
	kind := m.state.Kind
	challenge := Challenge{
		Kind:       kind,
		Identifier: m.state.Fields[FieldEmail],
		Attempt:    m.state.Attempt,
	}
	gen := m.gen
	limiter := m.limiter
	m.mu.Unlock()

	if limiter != nil {
		allowed, err := limiter.Allow(ctx, string(kind)+":"+challenge.Identifier)
		if err != nil {
			log.LogWarnWithFields("flow", "Resend limiter failed, allowing resend", map[string]any{
				"kind":  kind,
				"error": err.Error(),
			})
			allowed = true
		}
		if !allowed {
			f := &Failure{Message: MessageCoolingDown}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen == gen && !m.discarded && m.state.Status != StatusSubmitting {
				m.state.Notice = ""
				m.state.LastError = f
				m.state.Status = StatusError
				m.touchLocked()
			}
			return Outcome{Kind: OutcomeCoolingDown, Step: step, Failure: f}
		}
	}

	res, err := m.gateway.BeginIdentityChallenge(ctx, challenge)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discarded || m.state.Step != step || m.state.Status == StatusComplete {
		return Outcome{Kind: OutcomeStale, Step: step}
	}
	if err != nil {
		f := failureFor(kind, step, err)
		if m.state.Status != StatusSubmitting {
			m.state.Status = StatusError
			m.state.LastError = f
			m.state.Notice = ""
			m.touchLocked()
		}
		return Outcome{Kind: OutcomeRejected, Step: step, Failure: f}
	}
	if res.Attempt != "" {
		m.state.Attempt = res.Attempt
	}
	m.state.Notice = MessageCodeSent
	if m.state.Status != StatusSubmitting {
		m.state.Status = StatusIdle
		m.state.LastError = nil
	}
	m.touchLocked()
	return Outcome{Kind: OutcomeResent, Step: step}
}

// BeginRedirect starts the OAuth redirect exit. It is offered only on the
// first step of sign-in and sign-up.
func (m *Machine) BeginRedirect(ctx context.Context, provider, returnAddress string) Outcome {
	m.mu.Lock()
	kind := m.state.Kind
	step := m.state.Step
	if !kind.SupportsRedirect() || step != kind.First() {
		m.mu.Unlock()
		return Outcome{Kind: OutcomeUnsupported, Step: step}
	}
	if out, ok := m.admitLocked(step); !ok {
		m.mu.Unlock()
		return out
	}
	t := m.beginLocked()
	m.mu.Unlock()

	addr, err := m.gateway.BeginRedirectChallenge(ctx, kind, provider, returnAddress)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.holdsLocked(t) {
		return Outcome{Kind: OutcomeStale, Step: step}
	}
	if err == nil && addr == "" {
		err = errors.New("provider returned an empty redirect address")
	}
	if err != nil {
		return m.failLocked(step, err)
	}
	m.state.Status = StatusRedirecting
	m.state.LastError = nil
	m.touchLocked()
	return Outcome{Kind: OutcomeRedirect, Step: step, RedirectURL: addr}
}

// admitLocked applies the admission rules shared by SubmitStep and
// BeginRedirect.
func (m *Machine) admitLocked(step Step) (Outcome, bool) {
	switch {
	case m.discarded || m.state.Status == StatusComplete:
		return Outcome{Kind: OutcomeClosed, Step: m.state.Step}, false
	case m.state.Status == StatusSubmitting:
		return Outcome{Kind: OutcomeBusy, Step: m.state.Step}, false
	case step != m.state.Step:
		return Outcome{Kind: OutcomeStale, Step: m.state.Step}, false
	}
	return Outcome{}, true
}

func (m *Machine) beginLocked() ticket {
	m.state.Status = StatusSubmitting
	m.state.Notice = ""
	m.gen++
	m.touchLocked()
	return ticket{step: m.state.Step, gen: m.gen}
}

func (m *Machine) holdsLocked(t ticket) bool {
	return !m.discarded &&
		m.gen == t.gen &&
		m.state.Step == t.step &&
		m.state.Status == StatusSubmitting
}

func (m *Machine) touchLocked() {
	m.state.UpdatedAt = m.now()
}

// reply is the normalized gateway answer for one step.
type reply struct {
	challenge bool
	attempt   string
	factor    FactorResult
}

func (m *Machine) call(ctx context.Context, s State) (reply, error) {
	f := s.Fields
	switch {
	case s.Kind == KindSignIn && s.Step == StepCredentials:
		res, err := m.gateway.SubmitFactor(ctx, Factor{
			Kind:       s.Kind,
			Identifier: f[FieldEmail],
			Secret:     f[FieldPassword],
		})
		return reply{factor: res}, err
	case s.Kind == KindSignUp && s.Step == StepCredentials,
		s.Kind == KindPasswordReset && s.Step == StepRequestCode:
		challenge := Challenge{Kind: s.Kind, Identifier: f[FieldEmail]}
		if s.Kind == KindSignUp {
			challenge.Secret = f[FieldPassword]
		}
		res, err := m.gateway.BeginIdentityChallenge(ctx, challenge)
		return reply{challenge: true, attempt: res.Attempt}, err
	case s.Kind == KindSignUp && s.Step == StepEmailVerification:
		res, err := m.gateway.VerifyCode(ctx, Verification{
			Kind:    s.Kind,
			Attempt: s.Attempt,
			Code:    f[FieldCode],
		})
		return reply{factor: res}, err
	case s.Kind == KindPasswordReset && s.Step == StepResetWithCode:
		res, err := m.gateway.VerifyCode(ctx, Verification{
			Kind:      s.Kind,
			Attempt:   s.Attempt,
			Code:      f[FieldCode],
			NewSecret: f[FieldPassword],
		})
		return reply{factor: res}, err
	}
	return reply{}, errors.New("no provider operation for " + string(s.Kind) + "/" + string(s.Step))
}

func (m *Machine) applyLocked(step Step, r reply) Outcome {
	kind := m.state.Kind
	if r.challenge {
		next, ok := kind.next(step)
		if !ok {
			return m.failLocked(step, errors.New("code challenge on the last step"))
		}
		m.state.Attempt = r.attempt
		m.state.Step = next
		m.state.Status = StatusIdle
		m.state.LastError = nil
		m.state.Notice = MessageCodeSent
		m.touchLocked()
		return Outcome{Kind: OutcomeAdvanced, Step: next}
	}

	if r.factor.Status != FactorComplete {
		msg := MessageCodeNotAccepted
		if kind == KindSignIn {
			msg = MessageBadCredentials
		}
		return m.failLocked(step, &ProviderError{Message: msg, Code: string(r.factor.Status)})
	}
	if r.factor.SessionHandle == "" {
		return m.failLocked(step, errors.New("provider completed without a session handle"))
	}
	if next, ok := kind.next(step); ok {
		// A completed factor short of the last step still only moves one step.
		m.state.Step = next
		m.state.Status = StatusIdle
		m.state.LastError = nil
		m.touchLocked()
		return Outcome{Kind: OutcomeAdvanced, Step: next}
	}
	m.state.Status = StatusComplete
	m.state.SessionToken = r.factor.SessionHandle
	m.state.LastError = nil
	m.state.Attempt = ""
	for name := range m.state.Fields {
		if IsSecret(name) || name == FieldCode {
			delete(m.state.Fields, name)
		}
	}
	m.touchLocked()
	return Outcome{Kind: OutcomeCompleted, Step: step}
}

func (m *Machine) failLocked(step Step, err error) Outcome {
	f := failureFor(m.state.Kind, step, err)
	m.state.Status = StatusError
	m.state.LastError = f
	m.touchLocked()
	return Outcome{Kind: OutcomeRejected, Step: step, Failure: f}
}

// failureFor converts a gateway error into the failure recorded on the flow.
func failureFor(kind Kind, step Step, err error) *Failure {
	pe, ok := AsProviderError(err)
	if !ok {
		log.LogWarnWithFields("flow", "Provider request failed", map[string]any{
			"kind":  kind,
			"step":  step,
			"error": err.Error(),
		})
		return &Failure{Message: MessageTransport}
	}
	msg := pe.Message
	if msg == "" {
		msg = fallbackMessage(kind, step)
	}
	return &Failure{
		Field:        FieldForHint(pe.FieldHint),
		Message:      msg,
		ProviderCode: pe.Code,
	}
}

func fallbackMessage(kind Kind, step Step) string {
	switch {
	case kind == KindSignIn:
		return "An error occurred during login"
	case kind == KindSignUp && step == StepCredentials:
		return "Failed to create account"
	case kind == KindSignUp:
		return "Failed to verify email"
	case kind == KindPasswordReset && step == StepRequestCode:
		return "Failed to send code"
	default:
		return "Failed to reset password"
	}
}
