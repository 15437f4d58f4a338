// Package obligation is the obligation lifecycle and payment-allocation
// aggregate from spec.md §4.7: Created -> Due -> Overdue -> Defaulted, with a
// terminal Completed reached whenever allocated payments zero its
// outstanding balance. Event-sourced on eventing.EntityEvents, grounded on
// the teacher's event-sourcing idiom (event_store.go) generalized to this
// aggregate's own event type, per spec.md §9 "tagged variants over
// inheritance" -- every state is a closed enum tagged on persisted events.
package obligation

import (
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/primitives"
)

// Status is the obligation's closed set of lifecycle states.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusDue       Status = "DUE"
	StatusOverdue   Status = "OVERDUE"
	StatusDefaulted Status = "DEFAULTED"
	StatusCompleted Status = "COMPLETED"
)

// EventKind tags which variant an Event carries (spec.md §9).
type EventKind string

const (
	EventCreated          EventKind = "CREATED"
	EventDue              EventKind = "DUE"
	EventOverdue          EventKind = "OVERDUE"
	EventDefaulted        EventKind = "DEFAULTED"
	EventPaymentAllocated EventKind = "PAYMENT_ALLOCATED"
	EventCompleted        EventKind = "COMPLETED"
)

// Event is the single persisted event type for the obligation aggregate. Only
// the fields relevant to Kind are populated, matching the teacher's one
// struct/EventType-switch shape (event_store.go) generalized to a typed
// EntityEvents[Event] instead of a raw JSON blob with a string switch.
type Event struct {
	Kind          EventKind            `json:"kind"`
	FacilityId    primitives.FacilityId `json:"facility_id,omitempty"`
	InitialAmount primitives.UsdCents  `json:"initial_amount,omitempty"`
	DueAt         time.Time            `json:"due_at,omitempty"`
	OverdueAt     time.Time            `json:"overdue_at,omitempty"`
	DefaultedAt   time.Time            `json:"defaulted_at,omitempty"`
	At            time.Time            `json:"at,omitempty"`
	Amount        primitives.UsdCents  `json:"amount,omitempty"`
	CreatedAt     time.Time            `json:"created_at,omitempty"`
}

// Obligation is the current-state projection rebuilt by TryFromEvents.
type Obligation struct {
	Id            primitives.ObligationId
	FacilityId    primitives.FacilityId
	Initial       primitives.UsdCents
	Outstanding   primitives.UsdCents
	Status        Status
	DueAt         time.Time
	OverdueAt     time.Time
	DefaultedAt   time.Time
	CreatedAt     time.Time
}

// TryFromEvents rebuilds an Obligation by folding its event stream in order,
// satisfying spec.md §8's round-trip property
// (try_from_events(persist(aggregate).events) == aggregate).
func TryFromEvents(id primitives.ObligationId, events []Event) *Obligation {
	o := &Obligation{Id: id}
	for _, e := range events {
		o.apply(e)
	}
	return o
}

func (o *Obligation) apply(e Event) {
	switch e.Kind {
	case EventCreated:
		o.FacilityId = e.FacilityId
		o.Initial = e.InitialAmount
		o.Outstanding = e.InitialAmount
		o.Status = StatusCreated
		o.DueAt = e.DueAt
		o.OverdueAt = e.OverdueAt
		o.DefaultedAt = e.DefaultedAt
		o.CreatedAt = e.CreatedAt
	case EventDue:
		o.Status = StatusDue
	case EventOverdue:
		o.Status = StatusOverdue
	case EventDefaulted:
		o.Status = StatusDefaulted
	case EventPaymentAllocated:
		if e.Amount > o.Outstanding {
			o.Outstanding = 0
		} else {
			o.Outstanding -= e.Amount
		}
	case EventCompleted:
		o.Status = StatusCompleted
	}
}
