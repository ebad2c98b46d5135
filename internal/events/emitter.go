// Package events fans settlement events out to history, metrics and live subscribers.
// Events are emitted only after the unit of work that produced them has committed.
package events

import (
	"log"

	"token-escrow/internal/domain"
	"token-escrow/internal/observability"
)

// Emitter receives committed settlement events. Implementations must not block
// for long and must not modify the event.
type Emitter interface {
	Emit(e *domain.SettlementEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e *domain.SettlementEvent)

// Emit calls f(e).
func (f EmitterFunc) Emit(e *domain.SettlementEvent) { f(e) }

// NoopEmitter discards events.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(*domain.SettlementEvent) {}

// Multi forwards each event to every emitter in order. Nil entries are skipped.
type Multi []Emitter

// Emit forwards e.
func (m Multi) Emit(e *domain.SettlementEvent) {
	if e == nil {
		return
	}
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// MetricsEmitter updates Prometheus counters.
type MetricsEmitter struct{}

// Emit records e.
func (MetricsEmitter) Emit(e *domain.SettlementEvent) {
	if e == nil {
		return
	}
	observability.RecordSettlementEvent(string(e.Source), string(e.Kind), e.AmountA, e.AmountB)

	if e.Source != domain.EventSourceEngine {
		return
	}
	switch e.Kind {
	case domain.SettlementMake:
		observability.RecordEscrowOpened()
	case domain.SettlementTake, domain.SettlementRefund:
		observability.RecordEscrowClosed()
	}
}

// LogEmitter writes one line per event.
type LogEmitter struct {
	Logger *log.Logger
}

// Emit logs e.
func (l LogEmitter) Emit(e *domain.SettlementEvent) {
	if e == nil || l.Logger == nil {
		return
	}
	l.Logger.Printf("%s %s escrow=%s maker=%s counterparty=%s a=%d b=%d",
		e.Source, e.Kind, e.Escrow, e.Maker, e.Counterparty, e.AmountA, e.AmountB)
}
