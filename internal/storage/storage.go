// Package storage persists flow snapshots so an in-progress ceremony survives
// a process restart or lands on another replica.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrFlowNotFound is returned when a flow doesn't exist or has expired
var ErrFlowNotFound = errors.New("flow not found")

// FlowRecord is one persisted flow snapshot. Data is opaque to the store;
// backends that leave the process encrypt it at rest.
type FlowRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *FlowRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Storage is the flow snapshot store.
type Storage interface {
	SaveFlow(ctx context.Context, record *FlowRecord) error
	// GetFlow returns ErrFlowNotFound for unknown and expired flows.
	GetFlow(ctx context.Context, id string) (*FlowRecord, error)
	DeleteFlow(ctx context.Context, id string) error
	// CleanupExpiredFlows removes expired snapshots and reports how many
	// were removed.
	CleanupExpiredFlows(ctx context.Context) (int, error)
	Close() error
}
