package flowhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/dgellow/authfront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(store storage.Storage, gw flow.Gateway, opts ...Option) *Hub {
	return New(store, controller.Options{Gateway: gw, Timeout: time.Second}, opts...)
}

func signUpCredentials() map[string]string {
	return map[string]string{
		flow.FieldEmail:           "ada@example.com",
		flow.FieldPassword:        "Secret123",
		flow.FieldConfirmPassword: "Secret123",
	}
}

func TestHub_StartAndGet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHub(store, testutil.NewFakeGateway())

	id, ctrl, err := h.Start(ctx, flow.KindSignIn)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := h.Get(ctx, id)
	require.NoError(t, err)
	assert.Same(t, ctrl, got)

	_, err = store.GetFlow(ctx, id)
	assert.NoError(t, err, "a new flow should be persisted")

	_, err = h.Get(ctx, "")
	assert.ErrorIs(t, err, ErrFlowNotFound)
	_, err = h.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestHub_ResumesOnAnotherInstance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	gw := testutil.NewFakeGateway()

	first := newHub(store, gw)
	id, ctrl, err := first.Start(ctx, flow.KindSignUp)
	require.NoError(t, err)

	out := ctrl.OnSubmit(ctx, flow.StepCredentials, signUpCredentials())
	require.Equal(t, flow.OutcomeAdvanced, out.Kind)
	require.NoError(t, first.Save(ctx, id, ctrl))

	record, err := store.GetFlow(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, string(record.Data), "Secret123", "passwords must not be persisted")

	second := newHub(store, gw)
	restored, err := second.Get(ctx, id)
	require.NoError(t, err)

	view := restored.View()
	assert.Equal(t, flow.StepEmailVerification, view.Step)
	assert.Equal(t, "ada@example.com", view.Fields[flow.FieldEmail])

	out = restored.OnSubmit(ctx, flow.StepEmailVerification, map[string]string{flow.FieldCode: "123456"})
	assert.Equal(t, flow.OutcomeCompleted, out.Kind)
	assert.Equal(t, "att_1", gw.Calls()[len(gw.Calls())-1].Verification.Attempt)
}

func TestHub_RestoreInterruptedSubmission(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	gw := testutil.NewFakeGateway()
	gw.Gate = make(chan struct{})
	gw.Entered = make(chan string, 1)

	first := newHub(store, gw)
	id, ctrl, err := first.Start(ctx, flow.KindSignIn)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.OnSubmit(ctx, flow.StepCredentials, map[string]string{
			flow.FieldEmail:    "ada@example.com",
			flow.FieldPassword: "whatever",
		})
	}()
	<-gw.Entered
	require.NoError(t, first.Save(ctx, id, ctrl))
	close(gw.Gate)
	<-done

	second := newHub(store, testutil.NewFakeGateway())
	restored, err := second.Get(ctx, id)
	require.NoError(t, err)

	view := restored.View()
	assert.Equal(t, flow.StatusError, view.Status)
	assert.Equal(t, flow.MessageInterrupted, view.TopLevelError)
	assert.False(t, view.SubmissionInProgress)
}

func TestHub_ResolveAbandonsOtherKind(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHub(store, testutil.NewFakeGateway())

	signUpID, signUp, err := h.Start(ctx, flow.KindSignUp)
	require.NoError(t, err)

	id, ctrl, err := h.Resolve(ctx, signUpID, flow.KindPasswordReset)
	require.NoError(t, err)
	assert.NotEqual(t, signUpID, id)
	assert.Equal(t, flow.KindPasswordReset, ctrl.Kind())
	assert.True(t, signUp.Discarded())

	_, err = store.GetFlow(ctx, signUpID)
	assert.ErrorIs(t, err, storage.ErrFlowNotFound)
	_, err = h.Get(ctx, signUpID)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestHub_ResolveKeepsSameKind(t *testing.T) {
	ctx := context.Background()
	h := newHub(storage.NewMemoryStorage(), testutil.NewFakeGateway())

	id, ctrl, err := h.Start(ctx, flow.KindSignUp)
	require.NoError(t, err)

	gotID, got, err := h.Resolve(ctx, id, flow.KindSignUp)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Same(t, ctrl, got)
}

func TestHub_ResolveUnknownStartsFresh(t *testing.T) {
	ctx := context.Background()
	h := newHub(storage.NewMemoryStorage(), testutil.NewFakeGateway())

	for _, id := range []string{"", "expired-or-forged"} {
		gotID, ctrl, err := h.Resolve(ctx, id, flow.KindSignIn)
		require.NoError(t, err)
		assert.NotEqual(t, id, gotID)
		assert.Equal(t, flow.StepCredentials, ctrl.View().Step)
	}
}

func TestHub_SaveCompletedRemoves(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHub(store, testutil.NewFakeGateway())

	id, ctrl, err := h.Start(ctx, flow.KindSignIn)
	require.NoError(t, err)
	out := ctrl.OnSubmit(ctx, flow.StepCredentials, map[string]string{
		flow.FieldEmail:    "ada@example.com",
		flow.FieldPassword: "whatever",
	})
	require.Equal(t, flow.OutcomeCompleted, out.Kind)
	assert.Equal(t, "sess_1", ctrl.SessionToken())

	require.NoError(t, h.Save(ctx, id, ctrl))
	assert.Zero(t, h.Len())
	_, err = store.GetFlow(ctx, id)
	assert.ErrorIs(t, err, storage.ErrFlowNotFound)

	newID, _, err := h.Resolve(ctx, id, flow.KindSignIn)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
}

func TestHub_CleanupEvictsIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHub(storage.NewMemoryStorage(), testutil.NewFakeGateway(), WithTTL(time.Minute), WithClock(clock))

	_, idle, err := h.Start(ctx, flow.KindSignIn)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(50 * time.Second)
	mu.Unlock()
	activeID, _, err := h.Start(ctx, flow.KindSignUp)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(20 * time.Second)
	mu.Unlock()

	count, err := h.CleanupExpiredFlows(ctx)
	require.NoError(t, err)
	// The idle controller from memory; storage uses its own clock.
	assert.Equal(t, 1, count)
	assert.True(t, idle.Discarded())
	assert.Equal(t, 1, h.Len())

	_, err = h.Get(ctx, activeID)
	assert.NoError(t, err)
}

func TestHub_ConcurrentLoadRestoresOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	gw := testutil.NewFakeGateway()

	id, _, err := newHub(store, gw).Start(ctx, flow.KindPasswordReset)
	require.NoError(t, err)

	h := newHub(store, gw)
	const n = 16
	got := make([]*controller.Controller, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.Get(ctx, id)
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	wg.Wait()

	for _, c := range got[1:] {
		assert.Same(t, got[0], c)
	}
	assert.Equal(t, 1, h.Len())
}

func TestHub_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveFlow(ctx, &storage.FlowRecord{
		ID:   "flow-1",
		Kind: string(flow.KindSignIn),
		Data: []byte(`{"kind":"sign_up","step":"credentials","status":"idle"}`),
	}))

	_, err := newHub(store, testutil.NewFakeGateway()).Get(ctx, "flow-1")
	assert.ErrorContains(t, err, "does not match")
}
