// Package flowhub keeps the live flow controllers for every browser and
// persists their state so a flow can resume on another replica or after a
// restart.
package flowhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an untouched flow stays resumable.
const DefaultTTL = 30 * time.Minute

// ErrFlowNotFound is returned when a flow id is unknown or expired.
var ErrFlowNotFound = errors.New("flow not found")

var _ storage.Cleaner = (*Hub)(nil)

// Hub maps flow ids to controllers.
type Hub struct {
	store storage.Storage
	opts  controller.Options
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	flows map[string]*liveFlow
	group singleflight.Group // Deduplicates concurrent loads of one flow
}

type liveFlow struct {
	ctrl         *controller.Controller
	lastAccessed atomic.Pointer[time.Time]
}

func (f *liveFlow) touch(now time.Time) {
	f.lastAccessed.Store(&now)
}

// Option configures a Hub.
type Option func(*Hub)

// WithTTL sets how long an idle flow survives.
func WithTTL(ttl time.Duration) Option {
	return func(h *Hub) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// New creates a hub persisting to store. Every controller it creates uses
// opts.
func New(store storage.Storage, opts controller.Options, hubOpts ...Option) *Hub {
	h := &Hub{
		store: store,
		opts:  opts,
		ttl:   DefaultTTL,
		now:   time.Now,
		flows: make(map[string]*liveFlow),
	}
	for _, opt := range hubOpts {
		opt(h)
	}
	return h
}

// Start creates a new flow of kind and returns its id.
func (h *Hub) Start(ctx context.Context, kind flow.Kind) (string, *controller.Controller, error) {
	ctrl, err := controller.New(kind, h.opts)
	if err != nil {
		return "", nil, err
	}
	id := uuid.NewString()

	lf := &liveFlow{ctrl: ctrl}
	lf.touch(h.now())
	h.mu.Lock()
	h.flows[id] = lf
	h.mu.Unlock()

	if err := h.persist(ctx, id, ctrl); err != nil {
		h.forget(id)
		return "", nil, err
	}

	log.LogDebugWithFields("flowhub", "Started flow", map[string]any{
		"flow": id,
		"kind": kind,
	})
	return id, ctrl, nil
}

// Get returns the controller for id, restoring it from storage when this
// process has not seen it yet.
func (h *Hub) Get(ctx context.Context, id string) (*controller.Controller, error) {
	if id == "" {
		return nil, ErrFlowNotFound
	}

	h.mu.RLock()
	lf, ok := h.flows[id]
	h.mu.RUnlock()
	if ok {
		lf.touch(h.now())
		return lf.ctrl, nil
	}

	v, err, _ := h.group.Do(id, func() (any, error) {
		// Another load may have finished while we waited
		h.mu.RLock()
		lf, ok := h.flows[id]
		h.mu.RUnlock()
		if ok {
			return lf.ctrl, nil
		}
		return h.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*controller.Controller), nil
}

// Resolve returns the flow a browser should continue with. An unknown,
// finished or discarded id starts a fresh flow of kind. An id belonging to a
// different kind is discarded first: opening another surface abandons the
// flow in progress.
func (h *Hub) Resolve(ctx context.Context, id string, kind flow.Kind) (string, *controller.Controller, error) {
	if id != "" {
		ctrl, err := h.Get(ctx, id)
		switch {
		case err == nil && ctrl.Kind() == kind && !ctrl.Discarded() && !ctrl.View().Complete:
			return id, ctrl, nil
		case err == nil:
			if ctrl.Kind() != kind {
				log.LogDebugWithFields("flowhub", "Abandoning flow for another kind", map[string]any{
					"flow": id,
					"from": ctrl.Kind(),
					"to":   kind,
				})
			}
			if err := h.Discard(ctx, id); err != nil {
				return "", nil, err
			}
		case !errors.Is(err, ErrFlowNotFound):
			return "", nil, err
		}
	}
	return h.Start(ctx, kind)
}

// Save persists the controller state after an operation. Finished and
// discarded flows are removed instead.
func (h *Hub) Save(ctx context.Context, id string, ctrl *controller.Controller) error {
	if ctrl.Discarded() || ctrl.View().Complete {
		return h.Discard(ctx, id)
	}
	h.mu.RLock()
	lf, ok := h.flows[id]
	h.mu.RUnlock()
	if ok {
		lf.touch(h.now())
	}
	return h.persist(ctx, id, ctrl)
}

// Discard closes the flow and forgets it everywhere. Replies still in flight
// for it are dropped.
func (h *Hub) Discard(ctx context.Context, id string) error {
	if lf := h.forget(id); lf != nil {
		lf.ctrl.Discard()
	}
	if err := h.store.DeleteFlow(ctx, id); err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	return nil
}

// CleanupExpiredFlows evicts idle controllers from memory and expired
// snapshots from storage. It reports the total removed.
func (h *Hub) CleanupExpiredFlows(ctx context.Context) (int, error) {
	now := h.now()

	h.mu.Lock()
	evicted := 0
	for id, lf := range h.flows {
		last := lf.lastAccessed.Load()
		if last != nil && now.Sub(*last) > h.ttl {
			delete(h.flows, id)
			lf.ctrl.Discard()
			evicted++
		}
	}
	h.mu.Unlock()

	removed, err := h.store.CleanupExpiredFlows(ctx)
	return evicted + removed, err
}

// Len returns the number of live controllers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.flows)
}

func (h *Hub) forget(id string) *liveFlow {
	h.mu.Lock()
	defer h.mu.Unlock()
	lf := h.flows[id]
	delete(h.flows, id)
	return lf
}

func (h *Hub) persist(ctx context.Context, id string, ctrl *controller.Controller) error {
	state := ctrl.Snapshot()
	// Passwords stay in memory only; a restored flow asks for them again.
	state.Fields = maps.Clone(state.Fields)
	for name := range state.Fields {
		if flow.IsSecret(name) {
			delete(state.Fields, name)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}
	now := h.now()
	record := &storage.FlowRecord{
		ID:        id,
		Kind:      string(state.Kind),
		Data:      data,
		ExpiresAt: now.Add(h.ttl),
		UpdatedAt: now,
	}
	if err := h.store.SaveFlow(ctx, record); err != nil {
		return fmt.Errorf("failed to save flow %s: %w", id, err)
	}
	return nil
}

func (h *Hub) load(ctx context.Context, id string) (*controller.Controller, error) {
	record, err := h.store.GetFlow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrFlowNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}

	var state flow.State
	if err := json.Unmarshal(record.Data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
	}
	if string(state.Kind) != record.Kind {
		return nil, fmt.Errorf("flow %s: stored kind %q does not match snapshot kind %q", id, record.Kind, state.Kind)
	}

	ctrl, err := controller.FromState(state, h.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to restore flow %s: %w", id, err)
	}

	lf := &liveFlow{ctrl: ctrl}
	lf.touch(h.now())
	h.mu.Lock()
	h.flows[id] = lf
	h.mu.Unlock()

	log.LogDebugWithFields("flowhub", "Restored flow from storage", map[string]any{
		"flow": id,
		"kind": state.Kind,
		"step": state.Step,
	})
	return ctrl, nil
}
