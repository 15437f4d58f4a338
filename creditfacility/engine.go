package creditfacility

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/eventing"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/obligation"
	"github.com/GaloyMoney/lana-bank-sub002/outbox"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

// Outbox message kinds published by this aggregate.
const (
	KindMarginCallNotification = "MarginCallNotification"
	KindLiquidationInitiated   = "LiquidationInitiated"
	KindAccrualPosted          = "AccrualPosted"
)

var (
	ErrNotPending           = errors.New("facility is not pending")
	ErrCollateralInsufficient = errors.New("collateral does not meet initial cvl at current price")
	ErrCvlUndefined         = errors.New("cvl is undefined against zero outstanding")
)

// initialDisbursalTemplate is the ledger.Template a facility's initial
// disbursal resolves through, parameterized by the disbursal and facility
// accounts a deployment wires via ActivationPosting (spec.md §4.4, §4.8
// step 4).
var initialDisbursalTemplate = ledger.Template{
	Code: "initial_disbursal",
	Entries: []ledger.EntrySpec{
		{AccountParam: "disbursal", CurrencyParam: "currency", AmountParam: "principal", Direction: ledger.Debit, Description: "initial disbursal"},
		{AccountParam: "facility", CurrencyParam: "currency", AmountParam: "principal", Direction: ledger.Credit, Description: "initial disbursal"},
	},
}

// Engine is the credit facility aggregate's transactional API.
type Engine struct {
	events     *eventing.Store[Event]
	outbox     *outbox.Outbox
	ledger     *ledger.Engine
	obligation *obligation.Engine
}

func New(db *storage.DB, ob *outbox.Outbox, led *ledger.Engine, obl *obligation.Engine) (*Engine, error) {
	store, err := eventing.NewStore[Event](db, "creditfacility_events")
	if err != nil {
		return nil, err
	}
	return &Engine{events: store, outbox: ob, ledger: led, obligation: obl}, nil
}

func (e *Engine) loadInTx(tx *storage.Tx, id primitives.FacilityId) (*Facility, *eventing.EntityEvents[Event], error) {
	ee, err := e.events.LoadInTx(tx, string(id))
	if err != nil {
		return nil, nil, err
	}
	return TryFromEvents(id, ee.All()), ee, nil
}

// Get loads a facility outside any write transaction.
func (e *Engine) Get(id primitives.FacilityId) (*Facility, error) {
	ee, err := e.events.Load(string(id))
	if err != nil {
		return nil, err
	}
	return TryFromEvents(id, ee.All()), nil
}

// ProposeInTx opens a new facility proposal (spec.md §4.8 step 1).
func (e *Engine) ProposeInTx(tx *storage.Tx, customerId primitives.CustomerId, terms Terms, principal primitives.UsdCents) (*Facility, error) {
	id := primitives.NewFacilityId()
	ee := eventing.NewEntityEvents[Event](string(id))
	ee.Push(Event{Kind: EventProposed, CustomerId: customerId, Terms: terms, Principal: principal})
	if err := e.events.Persist(tx, ee); err != nil {
		return nil, err
	}
	return TryFromEvents(id, ee.All()), nil
}

// ApproveInTx records governance's conclusion of customer approval,
// transitioning Proposed->Pending (spec.md §4.8 step 2).
func (e *Engine) ApproveInTx(tx *storage.Tx, id primitives.FacilityId) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if facility.Status != StatusProposed {
		return nil
	}
	ee.Push(Event{Kind: EventApproved})
	return e.events.Persist(tx, ee)
}

// ActivationPosting names the accounts the initial disbursal debits/credits.
type ActivationPosting struct {
	JournalId       primitives.JournalId
	DisbursalAccount primitives.AccountId
	FacilityAccount primitives.AccountId
	Currency        string
}

// PostCollateralInTx records collateral posted against a pending facility;
// if it meets the facility's initial CVL at price, the facility activates
// and its initial disbursal posts (spec.md §4.8 steps 3-4, SingleDisbursal
// policy).
func (e *Engine) PostCollateralInTx(tx *storage.Tx, id primitives.FacilityId, collateral primitives.Satoshis, price primitives.PriceOfOneBTC, now time.Time, posting ActivationPosting) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if facility.Status != StatusPending {
		return ErrNotPending
	}
	ee.Push(Event{Kind: EventCollateralUpdated, CollateralSats: collateral})

	cvl, ok := primitives.CvlPercent(collateral, price, facility.Principal)
	if !ok || cvl < facility.Terms.InitialCvl {
		if err := e.events.Persist(tx, ee); err != nil {
			return err
		}
		return ErrCollateralInsufficient
	}

	ee.Push(Event{Kind: EventActivated, At: now})
	ee.Push(Event{Kind: EventCollateralizationSet, State: FullyCollateralized, PriceUsdCentsPerBtc: price.UsdCents})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}

	if posting.JournalId != "" {
		txn, err := initialDisbursalTemplate.Resolve(posting.JournalId, now, "", ledger.Params{
			Accounts:   map[string]primitives.AccountId{"disbursal": posting.DisbursalAccount, "facility": posting.FacilityAccount},
			Currencies: map[string]string{"currency": posting.Currency},
			Amounts:    map[string]primitives.UsdCents{"principal": facility.Principal},
		})
		if err != nil {
			return err
		}
		if _, err := e.ledger.PostTransactionInOp(tx, txn); err != nil {
			return err
		}
	}
	return nil
}

// AccrueInterestPeriodInTx runs one accrual cycle
// (AccruePeriod->AwaitObligationsSync->CompleteCycle->AccrualPosted per
// spec.md §4.8): interest = outstanding * annual_rate * (days/365), rounded
// away from zero once (the resolved open question, see DESIGN.md), posted
// as a new interest obligation.
func (e *Engine) AccrueInterestPeriodInTx(tx *storage.Tx, id primitives.FacilityId, outstandingPrincipal primitives.UsdCents, periodDays float64, now time.Time, traceID string) (*obligation.Obligation, error) {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return nil, err
	}

	raw := float64(outstandingPrincipal) * (facility.Terms.AnnualRatePercent / 100) * (periodDays / 365)
	interestCents := primitives.UsdCents(roundAwayFromZero(raw))

	ee.Push(Event{Kind: EventAccrualCycleStarted, At: now})
	if err := e.events.Persist(tx, ee); err != nil {
		return nil, err
	}

	obl, err := e.obligation.CreateInTx(tx, id, interestCents,
		now.Add(facility.Terms.DueAfter), now.Add(facility.Terms.OverdueAfter), now.Add(facility.Terms.DefaultedAfter), now)
	if err != nil {
		return nil, err
	}

	ee2, err := e.events.LoadInTx(tx, string(id))
	if err != nil {
		return nil, err
	}
	ee2.Push(Event{Kind: EventAccrualPosted, InterestAmount: interestCents, ObligationId: obl.Id, At: now})
	if err := e.events.Persist(tx, ee2); err != nil {
		return nil, err
	}

	if err := e.outbox.PublishPersistentInTx(tx, KindAccrualPosted, AccrualPostedPayload{
		FacilityId: id, ObligationId: obl.Id, InterestAmount: interestCents,
	}, traceID); err != nil {
		return nil, err
	}
	return obl, nil
}

// AccrualPostedPayload is the outbox payload for a completed accrual cycle.
type AccrualPostedPayload struct {
	FacilityId     primitives.FacilityId   `json:"facility_id"`
	ObligationId   primitives.ObligationId `json:"obligation_id"`
	InterestAmount primitives.UsdCents     `json:"interest_amount"`
}

// roundAwayFromZero rounds any fractional part away from zero: up for
// positive values, down for negative ones
// (spec.md §9 resolved open question on interest rounding).
func roundAwayFromZero(v float64) float64 {
	if v >= 0 {
		return math.Ceil(v)
	}
	return math.Floor(v)
}

func classify(cvl float64, terms Terms) CollateralizationState {
	switch {
	case cvl >= terms.InitialCvl:
		return FullyCollateralized
	case cvl >= terms.MarginCallCvl:
		return UnderMarginCallThreshold
	case cvl >= terms.LiquidationCvl:
		return UnderLiquidationThreshold
	default:
		return Liquidating
	}
}

// OnPriceUpdated recomputes CVL at the new price and, if the classified
// state differs from the current one, applies it subject to the upgrade
// hysteresis, per spec.md §4.8 and SPEC_FULL.md §4.8: this handler is meant
// to be invoked by an outbox subscriber reacting to a Price collaborator's
// ephemeral PriceUpdated event, not called inline.
func (e *Engine) OnPriceUpdated(tx *storage.Tx, id primitives.FacilityId, price primitives.PriceOfOneBTC, outstanding primitives.UsdCents, traceID string) error {
	return e.recomputeCollateralization(tx, id, price, outstanding, traceID)
}

// OnCollateralUpdated recomputes CVL after a custody collaborator reports a
// collateral balance change.
func (e *Engine) OnCollateralUpdated(tx *storage.Tx, id primitives.FacilityId, collateral primitives.Satoshis, outstanding primitives.UsdCents, traceID string) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	ee.Push(Event{Kind: EventCollateralUpdated, CollateralSats: collateral})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}
	return e.recomputeCollateralization(tx, id, facility.LastPrice, outstanding, traceID)
}

func (e *Engine) recomputeCollateralization(tx *storage.Tx, id primitives.FacilityId, price primitives.PriceOfOneBTC, outstanding primitives.UsdCents, traceID string) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	cvl, ok := primitives.CvlPercent(facility.CollateralSats, price, outstanding)
	if !ok {
		return ErrCvlUndefined
	}
	next := classify(cvl, facility.Terms)
	current := facility.CollateralizationState

	if next == current {
		return nil
	}
	if next.rank() > current.rank() {
		// Upgrade: only applies with the hysteresis buffer cleared
		// (spec.md §4.8 "CVL >= current_threshold + UPGRADE_BUFFER").
		threshold := thresholdFor(current, facility.Terms)
		if cvl < threshold+UpgradeBuffer {
			return nil
		}
	}

	ee.Push(Event{Kind: EventCollateralizationSet, State: next, Cvl: cvl, PriceUsdCentsPerBtc: price.UsdCents})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}

	switch next {
	case UnderMarginCallThreshold:
		if err := e.outbox.PublishPersistentInTx(tx, KindMarginCallNotification, CollateralizationPayload{
			FacilityId: id, Cvl: cvl, State: next,
		}, traceID); err != nil {
			return err
		}
	case Liquidating:
		if err := e.startLiquidationInTx(tx, id, traceID); err != nil {
			return err
		}
	}
	return nil
}

// thresholdFor returns the CVL boundary a facility currently sits at,
// against which an upgrade's hysteresis buffer is measured.
func thresholdFor(state CollateralizationState, terms Terms) float64 {
	switch state {
	case Liquidating:
		return terms.LiquidationCvl
	case UnderLiquidationThreshold:
		return terms.LiquidationCvl
	case UnderMarginCallThreshold:
		return terms.MarginCallCvl
	default:
		return terms.InitialCvl
	}
}

// CollateralizationPayload is the outbox payload for a margin-call
// notification (spec.md §4.8 "emits notification").
type CollateralizationPayload struct {
	FacilityId primitives.FacilityId  `json:"facility_id"`
	Cvl        float64                `json:"cvl"`
	State      CollateralizationState `json:"state"`
}

func (e *Engine) startLiquidationInTx(tx *storage.Tx, id primitives.FacilityId, traceID string) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if facility.LiquidationId != "" {
		return nil // idempotent per facility
	}
	liqId := primitives.NewLiquidationId()
	ee.Push(Event{Kind: EventLiquidationStarted, LiquidationId: liqId})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}
	return e.outbox.PublishPersistentInTx(tx, KindLiquidationInitiated, LiquidationPayload{
		FacilityId: id, LiquidationId: liqId,
	}, traceID)
}

// LiquidationPayload is the outbox payload for a started partial liquidation.
type LiquidationPayload struct {
	FacilityId    primitives.FacilityId   `json:"facility_id"`
	LiquidationId primitives.LiquidationId `json:"liquidation_id"`
}

// PaymentSourceAccount names the account a liquidation's proceeds land in
// before allocation across obligations.
type PaymentSourceAccount struct {
	JournalId   primitives.JournalId
	AccountId   primitives.AccountId
	CashAccount primitives.AccountId
	Currency    string
}

// OnLiquidationProceedsReceived records a payment against the facility's
// payment-source account from custody-reported liquidation proceeds,
// allocates it across the facility's obligations, and completes the
// liquidation once the collateral has been fully sold (spec.md §4.8
// "Partial liquidation").
func (e *Engine) OnLiquidationProceedsReceived(tx *storage.Tx, id primitives.FacilityId, proceeds primitives.UsdCents, collateralFullySold bool, now time.Time, source PaymentSourceAccount, traceID string) error {
	facility, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if facility.LiquidationId == "" {
		return fmt.Errorf("facility %s has no active liquidation", id)
	}

	ee.Push(Event{Kind: EventLiquidationProceeds, LiquidationId: facility.LiquidationId, ProceedsCents: proceeds, At: now})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}

	var posting *obligation.LedgerPosting
	if source.JournalId != "" {
		posting = &obligation.LedgerPosting{
			JournalId: source.JournalId, CashAccount: source.CashAccount,
			ReceivableAccount: source.AccountId, Currency: source.Currency,
		}
	}
	if err := e.obligation.AllocatePaymentInTx(tx, id, proceeds, now, traceID, posting); err != nil {
		return err
	}

	if collateralFullySold {
		ee3, err := e.events.LoadInTx(tx, string(id))
		if err != nil {
			return err
		}
		ee3.Push(Event{Kind: EventLiquidationCompleted, LiquidationId: facility.LiquidationId, At: now})
		if err := e.events.Persist(tx, ee3); err != nil {
			return err
		}
	}
	return nil
}
