// Package events publishes escrow lifecycle changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"escrowpay/internal/escrow"
)

type Type string

const (
	TypeCreated  Type = "escrow.created"
	TypeFunded   Type = "escrow.funded"
	TypeReleased Type = "escrow.released"
	TypeDisputed Type = "escrow.disputed"
)

// Event carries the record as it stood after the change.
type Event struct {
	Type       Type          `json:"type"`
	EscrowID   string        `json:"escrowId"`
	ChainID    uint64        `json:"chainId"`
	Status     escrow.Status `json:"status"`
	TxHash     string        `json:"txHash,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
	Record     escrow.Record `json:"record"`
}

func New(t Type, rec escrow.Record, at time.Time) Event {
	ev := Event{
		Type:       t,
		EscrowID:   rec.ID,
		ChainID:    rec.ChainID,
		Status:     rec.Status,
		OccurredAt: at.UTC(),
		Record:     rec,
	}
	switch t {
	case TypeFunded:
		ev.TxHash = rec.FundingTxHash
	case TypeReleased:
		ev.TxHash = rec.ReleaseTxHash
	}
	return ev
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func Decode(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
