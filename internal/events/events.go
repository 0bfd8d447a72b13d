// Package events carries ledger events from the engine to downstream
// consumers once the state transition they describe has committed.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of ledger event.
type Type string

const (
	PositionCreated      Type = "position_created"
	PositionRemoved      Type = "position_removed"
	CoveragePurchased    Type = "coverage_purchased"
	CoverageClaimed      Type = "coverage_claimed"
	CoverageExpired      Type = "coverage_expired"
	ClaimPaid            Type = "claim_paid"
	LiquidationEnqueued  Type = "liquidation_enqueued"
	LiquidationProcessed Type = "liquidation_processed"
	PremiumSet           Type = "premium_set"
	PoolPaused           Type = "pool_paused"
	PoolUnpaused         Type = "pool_unpaused"
)

// Event is a committed ledger transition.
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	PoolID   string    `json:"pool_id"`
	EntityID uint64    `json:"entity_id,omitempty"` // position, coverage or queue entry id
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// New builds an event with a fresh id.
func New(t Type, poolID string, entityID uint64, payload any, at time.Time) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     t,
		PoolID:   poolID,
		EntityID: entityID,
		Payload:  payload,
		At:       at,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher, joining their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var (
	_ Publisher = Nop{}
	_ Publisher = Multi(nil)
	_ Publisher = (*Recorder)(nil)
)
