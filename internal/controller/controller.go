// Package controller bridges browser events to a flow.Machine. It runs the
// field validator before anything reaches the machine and projects the
// machine's state into a View for templates and JSON clients.
package controller

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/dgellow/authfront/internal/emailutil"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/validation"
)

const DefaultTimeout = 15 * time.Second

// Options configures a Controller.
type Options struct {
	Gateway flow.Gateway
	// Limiter throttles code resends. Nil means no cooldown.
	Limiter flow.ResendLimiter
	// Timeout bounds each provider request.
	Timeout        time.Duration
	AfterSignInURL string
	AfterSignUpURL string
	Clock          func() time.Time
}

func (o Options) machineOptions() []flow.Option {
	var opts []flow.Option
	if o.Limiter != nil {
		opts = append(opts, flow.WithResendLimiter(o.Limiter))
	}
	if o.Clock != nil {
		opts = append(opts, flow.WithClock(o.Clock))
	}
	return opts
}

// View is the read-only projection rendered to the user. Secret field values
// are never included.
type View struct {
	Kind                 flow.Kind         `json:"kind"`
	Step                 flow.Step         `json:"step"`
	Status               flow.Status       `json:"status"`
	Fields               map[string]string `json:"fields"`
	FieldErrors          map[string]string `json:"fieldErrors,omitempty"`
	SubmissionInProgress bool              `json:"submissionInProgress"`
	TopLevelError        string            `json:"topLevelError,omitempty"`
	Notice               string            `json:"notice,omitempty"`
	RedirectTo           string            `json:"redirectTo,omitempty"`
	Redirecting          bool              `json:"redirecting"`
	Complete             bool              `json:"complete"`
	CanResend            bool              `json:"canResend"`
	CanRedirect          bool              `json:"canRedirect"`
}

// Controller owns one flow on behalf of one browser.
type Controller struct {
	machine *flow.Machine
	opts    Options

	mu          sync.Mutex
	draft       map[string]string
	fieldErrors map[string]string
	redirectTo  string
}

// New starts a fresh flow of kind.
func New(kind flow.Kind, opts Options) (*Controller, error) {
	m, err := flow.NewMachine(kind, opts.Gateway, opts.machineOptions()...)
	if err != nil {
		return nil, err
	}
	return newController(m, opts), nil
}

// FromState resumes a flow from a snapshot taken with Snapshot.
func FromState(state flow.State, opts Options) (*Controller, error) {
	m, err := flow.NewMachine(state.Kind, opts.Gateway, opts.machineOptions()...)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(state); err != nil {
		return nil, err
	}
	return newController(m, opts), nil
}

func newController(m *flow.Machine, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Controller{
		machine:     m,
		opts:        opts,
		draft:       make(map[string]string),
		fieldErrors: make(map[string]string),
	}
}

// Kind returns the flow kind.
func (c *Controller) Kind() flow.Kind {
	return c.machine.Kind()
}

// OnFieldChange records an edit that has not been submitted yet. Any local
// error on that field is cleared.
func (c *Controller) OnFieldChange(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft[name] = value
	delete(c.fieldErrors, name)
}

// OnSubmit validates the fields for step and, when they pass, hands them to
// the machine. Invalid input never reaches the provider.
func (c *Controller) OnSubmit(ctx context.Context, step flow.Step, fields map[string]string) flow.Outcome {
	s := c.machine.Snapshot()
	switch {
	case s.Status == flow.StatusComplete || c.machine.Discarded():
		return flow.Outcome{Kind: flow.OutcomeClosed, Step: s.Step}
	case s.Status == flow.StatusSubmitting:
		return flow.Outcome{Kind: flow.OutcomeBusy, Step: s.Step}
	case step != s.Step:
		// Stale submissions are dropped without touching any state.
		return flow.Outcome{Kind: flow.OutcomeStale, Step: s.Step}
	}

	c.mu.Lock()
	input := make(map[string]string)
	for _, name := range s.Kind.Fields(step) {
		if v, ok := c.draft[name]; ok {
			input[name] = v
		}
		if v, ok := fields[name]; ok {
			input[name] = v
		}
	}
	if v, ok := input[flow.FieldEmail]; ok {
		input[flow.FieldEmail] = emailutil.Normalize(v)
	}
	maps.Copy(c.draft, input)

	result := validation.Validate(s.Kind, step, input)
	if !result.Valid {
		c.fieldErrors = result.FieldErrors
		if c.fieldErrors == nil {
			c.fieldErrors = make(map[string]string)
		}
		c.mu.Unlock()
		log.LogDebugWithFields("controller", "Submission failed validation", map[string]any{
			"kind":   s.Kind,
			"step":   step,
			"fields": len(result.FieldErrors),
		})
		return flow.Outcome{Kind: flow.OutcomeInvalid, Step: step}
	}
	c.fieldErrors = make(map[string]string)
	c.mu.Unlock()

	gctx, cancel := c.gatewayContext(ctx)
	defer cancel()
	out := c.machine.SubmitStep(gctx, step, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch out.Kind {
	case flow.OutcomeRejected:
		if out.Failure != nil && out.Failure.Field != "" {
			c.fieldErrors[out.Failure.Field] = out.Failure.Message
		}
	case flow.OutcomeAdvanced, flow.OutcomeCompleted:
		for name := range c.draft {
			if flow.IsSecret(name) || name == flow.FieldCode {
				delete(c.draft, name)
			}
		}
	}
	return out
}

// OnResend asks for a new code on step.
func (c *Controller) OnResend(ctx context.Context, step flow.Step) flow.Outcome {
	gctx, cancel := c.gatewayContext(ctx)
	defer cancel()
	out := c.machine.Resend(gctx, step)
	if out.Kind == flow.OutcomeResent {
		c.mu.Lock()
		delete(c.fieldErrors, flow.FieldCode)
		c.mu.Unlock()
	}
	return out
}

// OnRedirect begins the OAuth redirect exit. On success the View carries the
// provider address in RedirectTo.
func (c *Controller) OnRedirect(ctx context.Context, provider, returnAddress string) flow.Outcome {
	gctx, cancel := c.gatewayContext(ctx)
	defer cancel()
	out := c.machine.BeginRedirect(gctx, provider, returnAddress)
	if out.Kind == flow.OutcomeRedirect {
		c.mu.Lock()
		c.redirectTo = out.RedirectURL
		c.mu.Unlock()
	}
	return out
}

// View projects the current state for rendering.
func (c *Controller) View() View {
	s := c.machine.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Kind:                 s.Kind,
		Step:                 s.Step,
		Status:               s.Status,
		Fields:               make(map[string]string),
		SubmissionInProgress: s.Status == flow.StatusSubmitting,
		Notice:               s.Notice,
		Redirecting:          s.Status == flow.StatusRedirecting,
		Complete:             s.Status == flow.StatusComplete,
		CanResend:            s.Kind.Resendable(s.Step) && s.Status != flow.StatusComplete,
		CanRedirect:          s.Kind.SupportsRedirect() && s.Step == s.Kind.First() && s.Status != flow.StatusComplete,
	}

	for _, name := range s.Kind.Fields(s.Step) {
		if flow.IsSecret(name) {
			continue
		}
		value, ok := c.draft[name]
		if !ok {
			value = s.Fields[name]
		}
		v.Fields[name] = value
	}
	if _, shown := v.Fields[flow.FieldEmail]; !shown && s.Fields[flow.FieldEmail] != "" {
		// Later steps still show which address the code went to.
		v.Fields[flow.FieldEmail] = s.Fields[flow.FieldEmail]
	}

	if len(c.fieldErrors) > 0 {
		v.FieldErrors = maps.Clone(c.fieldErrors)
	}
	if s.Status == flow.StatusError && s.LastError != nil {
		if s.LastError.Field == "" {
			v.TopLevelError = s.LastError.Message
		} else if _, local := c.fieldErrors[s.LastError.Field]; !local {
			if v.FieldErrors == nil {
				v.FieldErrors = make(map[string]string)
			}
			v.FieldErrors[s.LastError.Field] = s.LastError.Message
		}
	}

	switch s.Status {
	case flow.StatusComplete:
		v.RedirectTo = c.afterCompletion(s.Kind)
	case flow.StatusRedirecting:
		v.RedirectTo = c.redirectTo
	}
	return v
}

// SessionToken returns the session handle once the flow is complete.
func (c *Controller) SessionToken() string {
	return c.machine.Snapshot().SessionToken
}

// Snapshot returns the machine state for persistence. Drafts that were never
// submitted are not included.
func (c *Controller) Snapshot() flow.State {
	return c.machine.Snapshot()
}

// Discard closes the flow; any reply still in flight is ignored.
func (c *Controller) Discard() {
	c.machine.Discard()
}

// Discarded reports whether the flow was discarded.
func (c *Controller) Discarded() bool {
	return c.machine.Discarded()
}

func (c *Controller) afterCompletion(kind flow.Kind) string {
	return AfterCompletionURL(kind, c.opts)
}

// AfterCompletionURL is where the browser goes once a flow of kind finishes.
func AfterCompletionURL(kind flow.Kind, opts Options) string {
	if kind == flow.KindSignUp && opts.AfterSignUpURL != "" {
		return opts.AfterSignUpURL
	}
	if opts.AfterSignInURL != "" {
		return opts.AfterSignInURL
	}
	return "/"
}

// gatewayContext detaches provider requests from the caller so a closed
// browser connection never cancels a request that may already have side
// effects at the provider.
func (c *Controller) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return detachedContext(ctx, c.opts.Timeout)
}

func detachedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
