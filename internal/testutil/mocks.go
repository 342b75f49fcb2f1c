package testutil

import (
	"context"
	"net/url"
	"sync"

	"github.com/dgellow/authfront/internal/flow"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of flow.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) BeginIdentityChallenge(ctx context.Context, challenge flow.Challenge) (flow.ChallengeResult, error) {
	args := m.Called(ctx, challenge)
	return args.Get(0).(flow.ChallengeResult), args.Error(1)
}

func (m *MockGateway) SubmitFactor(ctx context.Context, factor flow.Factor) (flow.FactorResult, error) {
	args := m.Called(ctx, factor)
	return args.Get(0).(flow.FactorResult), args.Error(1)
}

func (m *MockGateway) VerifyCode(ctx context.Context, verification flow.Verification) (flow.FactorResult, error) {
	args := m.Called(ctx, verification)
	return args.Get(0).(flow.FactorResult), args.Error(1)
}

func (m *MockGateway) BeginRedirectChallenge(ctx context.Context, kind flow.Kind, provider, returnAddress string) (string, error) {
	args := m.Called(ctx, kind, provider, returnAddress)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) CompleteRedirectChallenge(ctx context.Context, kind flow.Kind, params url.Values) (flow.FactorResult, error) {
	args := m.Called(ctx, kind, params)
	return args.Get(0).(flow.FactorResult), args.Error(1)
}

type MockEncryptor struct {
	mock.Mock
}

func (m *MockEncryptor) Encrypt(plaintext string) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockEncryptor) Decrypt(ciphertext string) (string, error) {
	args := m.Called(ciphertext)
	return args.String(0), args.Error(1)
}

// Gateway operation names recorded by FakeGateway.
const (
	OpBeginChallenge   = "BeginIdentityChallenge"
	OpSubmitFactor     = "SubmitFactor"
	OpVerifyCode       = "VerifyCode"
	OpBeginRedirect    = "BeginRedirectChallenge"
	OpCompleteRedirect = "CompleteRedirectChallenge"
)

// GatewayCall is one request observed by FakeGateway.
type GatewayCall struct {
	Op            string
	Challenge     flow.Challenge
	Factor        flow.Factor
	Verification  flow.Verification
	Kind          flow.Kind
	Provider      string
	ReturnAddress string
	Params        url.Values
}

// FakeGateway is a configurable flow.Gateway that records calls. Setting Gate
// makes every call block until Gate yields or is closed, which lets tests
// hold a request in flight.
type FakeGateway struct {
	mu    sync.Mutex
	calls []GatewayCall

	ChallengeAttempt string
	ChallengeErr     error
	FactorResult     flow.FactorResult
	FactorErr        error
	VerifyResult     flow.FactorResult
	VerifyErr        error
	RedirectURL      string
	RedirectErr      error
	CompleteResult   flow.FactorResult
	CompleteErr      error

	Gate chan struct{}
	// Entered, if set, receives the op name as each call starts.
	Entered chan string
}

// NewFakeGateway returns a gateway whose operations all succeed.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		ChallengeAttempt: "att_1",
		FactorResult:     flow.FactorResult{Status: flow.FactorComplete, SessionHandle: "sess_1"},
		VerifyResult:     flow.FactorResult{Status: flow.FactorComplete, SessionHandle: "sess_1"},
		RedirectURL:      "https://idp.example.com/authorize",
		CompleteResult:   flow.FactorResult{Status: flow.FactorComplete, SessionHandle: "sess_oauth"},
	}
}

// Set mutates the fake under its lock.
func (g *FakeGateway) Set(fn func(g *FakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// Calls returns every recorded call in order.
func (g *FakeGateway) Calls() []GatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GatewayCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (g *FakeGateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (g *FakeGateway) enter(call GatewayCall) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	gate, entered := g.Gate, g.Entered
	g.mu.Unlock()
	if entered != nil {
		entered <- call.Op
	}
	if gate != nil {
		<-gate
	}
}

func (g *FakeGateway) BeginIdentityChallenge(ctx context.Context, challenge flow.Challenge) (flow.ChallengeResult, error) {
	g.enter(GatewayCall{Op: OpBeginChallenge, Challenge: challenge, Kind: challenge.Kind})
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ChallengeErr != nil {
		return flow.ChallengeResult{}, g.ChallengeErr
	}
	return flow.ChallengeResult{Attempt: g.ChallengeAttempt}, nil
}

func (g *FakeGateway) SubmitFactor(ctx context.Context, factor flow.Factor) (flow.FactorResult, error) {
	g.enter(GatewayCall{Op: OpSubmitFactor, Factor: factor, Kind: factor.Kind})
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.FactorResult, g.FactorErr
}

func (g *FakeGateway) VerifyCode(ctx context.Context, verification flow.Verification) (flow.FactorResult, error) {
	g.enter(GatewayCall{Op: OpVerifyCode, Verification: verification, Kind: verification.Kind})
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.VerifyResult, g.VerifyErr
}

func (g *FakeGateway) BeginRedirectChallenge(ctx context.Context, kind flow.Kind, provider, returnAddress string) (string, error) {
	g.enter(GatewayCall{Op: OpBeginRedirect, Kind: kind, Provider: provider, ReturnAddress: returnAddress})
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.RedirectURL, g.RedirectErr
}

func (g *FakeGateway) CompleteRedirectChallenge(ctx context.Context, kind flow.Kind, params url.Values) (flow.FactorResult, error) {
	g.enter(GatewayCall{Op: OpCompleteRedirect, Kind: kind, Params: params})
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CompleteResult, g.CompleteErr
}
