// Package creditfacility is the credit facility lifecycle from spec.md §4.8:
// proposal -> pending -> active, interest accrual, collateralization/CVL
// state with hysteresis, and partial liquidation. Event-sourced like
// obligation, grounded on the same eventing.EntityEvents pattern. Per
// SPEC_FULL.md §4.8 (following original_source's
// collateralization_from_events.rs / partial_liquidation.rs),
// collateralization and liquidation progress are driven by
// OnCollateralUpdated/OnPriceUpdated outbox handlers rather than inline
// calls from the proposal/activation path.
package creditfacility

import (
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/primitives"
)

// Status is the facility's lifecycle state.
type Status string

const (
	StatusProposed Status = "PROPOSED"
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusClosed   Status = "CLOSED"
)

// CollateralizationState is spec.md §4.8's CVL-driven state machine.
type CollateralizationState string

const (
	FullyCollateralized       CollateralizationState = "FULLY_COLLATERALIZED"
	UnderMarginCallThreshold  CollateralizationState = "UNDER_MARGIN_CALL_THRESHOLD"
	UnderLiquidationThreshold CollateralizationState = "UNDER_LIQUIDATION_THRESHOLD"
	Liquidating               CollateralizationState = "LIQUIDATING"
)

// rank orders collateralization states from best to worst so hysteresis
// comparisons ("is this an upgrade?") are a simple integer comparison.
func (s CollateralizationState) rank() int {
	switch s {
	case FullyCollateralized:
		return 3
	case UnderMarginCallThreshold:
		return 2
	case UnderLiquidationThreshold:
		return 1
	default: // Liquidating
		return 0
	}
}

// UpgradeBuffer is the hysteresis margin spec.md §4.8 requires: a CVL
// recovery only upgrades the collateralization state when it clears the
// current threshold by this many percentage points, preventing oscillation
// around a boundary.
const UpgradeBuffer = 5.0

// Terms are the facility's commercial parameters, fixed at proposal time.
type Terms struct {
	AnnualRatePercent float64             `json:"annual_rate_percent"`
	AccrualInterval   time.Duration       `json:"accrual_interval"`
	InitialCvl        float64             `json:"initial_cvl"`
	MarginCallCvl     float64             `json:"margin_call_cvl"`
	LiquidationCvl    float64             `json:"liquidation_cvl"`
	DueAfter          time.Duration       `json:"due_after"`
	OverdueAfter      time.Duration       `json:"overdue_after"`
	DefaultedAfter    time.Duration       `json:"defaulted_after"`
}

// EventKind tags which variant an Event carries (spec.md §9).
type EventKind string

const (
	EventProposed              EventKind = "PROPOSED"
	EventApproved              EventKind = "APPROVED"
	EventActivated             EventKind = "ACTIVATED"
	EventCollateralUpdated     EventKind = "COLLATERAL_UPDATED"
	EventCollateralizationSet  EventKind = "COLLATERALIZATION_SET"
	EventAccrualCycleStarted   EventKind = "ACCRUAL_CYCLE_STARTED"
	EventAccrualPosted         EventKind = "ACCRUAL_POSTED"
	EventLiquidationStarted    EventKind = "LIQUIDATION_STARTED"
	EventLiquidationProceeds   EventKind = "LIQUIDATION_PROCEEDS"
	EventLiquidationCompleted  EventKind = "LIQUIDATION_COMPLETED"
	EventClosed                EventKind = "CLOSED"
)

// Event is the single persisted event type for the facility aggregate.
type Event struct {
	Kind               EventKind              `json:"kind"`
	CustomerId         primitives.CustomerId  `json:"customer_id,omitempty"`
	Terms              Terms                  `json:"terms"`
	Principal          primitives.UsdCents    `json:"principal,omitempty"`
	CollateralSats     primitives.Satoshis    `json:"collateral_sats,omitempty"`
	PriceUsdCentsPerBtc primitives.UsdCents   `json:"price_usd_cents_per_btc,omitempty"`
	Cvl                float64                `json:"cvl,omitempty"`
	State              CollateralizationState `json:"state,omitempty"`
	InterestAmount     primitives.UsdCents    `json:"interest_amount,omitempty"`
	ObligationId       primitives.ObligationId `json:"obligation_id,omitempty"`
	LiquidationId      primitives.LiquidationId `json:"liquidation_id,omitempty"`
	ProceedsCents      primitives.UsdCents    `json:"proceeds_cents,omitempty"`
	At                 time.Time              `json:"at,omitempty"`
}

// Facility is the current-state projection rebuilt from events.
type Facility struct {
	Id                  primitives.FacilityId
	CustomerId          primitives.CustomerId
	Terms               Terms
	Principal           primitives.UsdCents
	Status              Status
	CollateralSats      primitives.Satoshis
	LastPrice           primitives.PriceOfOneBTC
	CollateralizationState CollateralizationState
	LiquidationId       primitives.LiquidationId
	ActivatedAt         time.Time
}

// TryFromEvents rebuilds a Facility by folding its event stream in order.
func TryFromEvents(id primitives.FacilityId, events []Event) *Facility {
	f := &Facility{Id: id, CollateralizationState: FullyCollateralized}
	for _, e := range events {
		f.apply(e)
	}
	return f
}

func (f *Facility) apply(e Event) {
	switch e.Kind {
	case EventProposed:
		f.CustomerId = e.CustomerId
		f.Terms = e.Terms
		f.Principal = e.Principal
		f.Status = StatusProposed
	case EventApproved:
		f.Status = StatusPending
	case EventActivated:
		f.Status = StatusActive
		f.ActivatedAt = e.At
	case EventCollateralUpdated:
		f.CollateralSats = e.CollateralSats
	case EventCollateralizationSet:
		f.CollateralizationState = e.State
		if e.PriceUsdCentsPerBtc != 0 {
			f.LastPrice = primitives.PriceOfOneBTC{UsdCents: e.PriceUsdCentsPerBtc}
		}
	case EventLiquidationStarted:
		f.LiquidationId = e.LiquidationId
		f.CollateralizationState = Liquidating
	case EventLiquidationCompleted:
		// facility stays active; obligations clear independently
	case EventClosed:
		f.Status = StatusClosed
	}
}
