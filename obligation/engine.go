package obligation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/eventing"
	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/outbox"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

var bucketFacilityIndex = []byte("obligation_by_facility")

// allocatePaymentTemplate is the ledger.Template a payment allocation's
// ledger entry resolves through, parameterized by the cash and receivable
// accounts a deployment wires via LedgerPosting (spec.md §4.4 "the template
// is resolved: parameters substituted, entries computed").
var allocatePaymentTemplate = ledger.Template{
	Code: "allocate_payment",
	Entries: []ledger.EntrySpec{
		{AccountParam: "cash", CurrencyParam: "currency", AmountParam: "total", Direction: ledger.Debit, Description: "payment received"},
		{AccountParam: "receivable", CurrencyParam: "currency", AmountParam: "total", Direction: ledger.Credit, Description: "payment allocated"},
	},
}

// Outbox message kinds published by this aggregate (spec.md §4.7, §8
// scenarios 2-3).
const (
	KindObligationDue       = "ObligationDue"
	KindObligationOverdue   = "ObligationOverdue"
	KindObligationDefaulted = "ObligationDefaulted"
	KindPaymentAllocation   = "PaymentAllocation"
	KindObligationCompleted = "ObligationCompleted"
)

var (
	ErrOverdueBeforeDue       = errors.New("cannot record overdue before due")
	ErrDefaultedBeforeOverdue = errors.New("cannot record defaulted before overdue")
)

// LifecyclePayload is published alongside each lifecycle
// transition, carrying what the outbox scenario assertions check
// (spec.md §8 scenario 2: "matching beneficiary_id and outstanding_amount").
type LifecyclePayload struct {
	ObligationId     primitives.ObligationId `json:"obligation_id"`
	FacilityId       primitives.FacilityId   `json:"facility_id"`
	OutstandingAmount primitives.UsdCents    `json:"outstanding_amount"`
}

// PaymentAllocationPayload is published for each obligation a payment
// touches (spec.md §8 scenario 3).
type PaymentAllocationPayload struct {
	ObligationId      primitives.ObligationId `json:"obligation_id"`
	FacilityId        primitives.FacilityId   `json:"facility_id"`
	Allocated         primitives.UsdCents     `json:"allocated"`
	OutstandingAmount primitives.UsdCents     `json:"outstanding_amount"`
}

// Engine is the obligation aggregate's transactional API.
type Engine struct {
	events *eventing.Store[Event]
	outbox *outbox.Outbox
	ledger *ledger.Engine
	db     *storage.DB
}

func New(db *storage.DB, ob *outbox.Outbox, led *ledger.Engine) (*Engine, error) {
	store, err := eventing.NewStore[Event](db, "obligation_events")
	if err != nil {
		return nil, err
	}
	if err := db.EnsureBuckets(bucketFacilityIndex); err != nil {
		return nil, err
	}
	return &Engine{events: store, outbox: ob, ledger: led, db: db}, nil
}

func facilityIndexKey(facilityId primitives.FacilityId, createdAt time.Time, id primitives.ObligationId) []byte {
	return []byte(fmt.Sprintf("%s|%020d|%s", facilityId, createdAt.UnixNano(), id))
}

func facilityIndexPrefix(facilityId primitives.FacilityId) []byte {
	return []byte(string(facilityId) + "|")
}

// CreateInTx opens a new obligation under facilityId (spec.md §4.7).
func (e *Engine) CreateInTx(tx *storage.Tx, facilityId primitives.FacilityId, initial primitives.UsdCents, dueAt, overdueAt, defaultedAt, now time.Time) (*Obligation, error) {
	id := primitives.NewObligationId()
	ee := eventing.NewEntityEvents[Event](string(id))
	ee.Push(Event{
		Kind: EventCreated, FacilityId: facilityId, InitialAmount: initial,
		DueAt: dueAt, OverdueAt: overdueAt, DefaultedAt: defaultedAt, CreatedAt: now,
	})
	if err := e.events.Persist(tx, ee); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketFacilityIndex).Put(facilityIndexKey(facilityId, now, id), []byte(id)); err != nil {
		return nil, err
	}
	return TryFromEvents(id, ee.All()), nil
}

func (e *Engine) loadInTx(tx *storage.Tx, id primitives.ObligationId) (*Obligation, *eventing.EntityEvents[Event], error) {
	ee, err := e.events.LoadInTx(tx, string(id))
	if err != nil {
		return nil, nil, err
	}
	return TryFromEvents(id, ee.All()), ee, nil
}

// Get loads an obligation outside any write transaction.
func (e *Engine) Get(id primitives.ObligationId) (*Obligation, error) {
	ee, err := e.events.Load(string(id))
	if err != nil {
		return nil, err
	}
	return TryFromEvents(id, ee.All()), nil
}

// RecordDueInTx transitions Created->Due at effective, idempotently
// (spec.md §4.7 "calling record_due(effective) twice emits only one
// event"), publishing ObligationDue in the same transaction.
func (e *Engine) RecordDueInTx(tx *storage.Tx, id primitives.ObligationId, effective time.Time, traceID string) error {
	obl, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if obl.Status != StatusCreated {
		return nil // already applied
	}
	ee.Push(Event{Kind: EventDue, At: effective})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}
	return e.outbox.PublishPersistentInTx(tx, KindObligationDue, LifecyclePayload{
		ObligationId: id, FacilityId: obl.FacilityId, OutstandingAmount: obl.Outstanding,
	}, traceID)
}

// RecordOverdueInTx transitions Due->Overdue, idempotently.
func (e *Engine) RecordOverdueInTx(tx *storage.Tx, id primitives.ObligationId, effective time.Time, traceID string) error {
	obl, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if obl.Status == StatusOverdue || obl.Status == StatusDefaulted || obl.Status == StatusCompleted {
		return nil
	}
	if obl.Status != StatusDue {
		return fmt.Errorf("%w: obligation %s is %s", ErrOverdueBeforeDue, id, obl.Status)
	}
	ee.Push(Event{Kind: EventOverdue, At: effective})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}
	return e.outbox.PublishPersistentInTx(tx, KindObligationOverdue, LifecyclePayload{
		ObligationId: id, FacilityId: obl.FacilityId, OutstandingAmount: obl.Outstanding,
	}, traceID)
}

// RecordDefaultedInTx transitions Overdue->Defaulted, idempotently. Per the
// resolved open question (DESIGN.md), overdue_at must already be recorded;
// calling this from any earlier state is a validation error, not a silent
// skip, since defaulting without having passed through overdue would violate
// spec.md §8's due_at <= overdue_at <= defaulted_at invariant.
func (e *Engine) RecordDefaultedInTx(tx *storage.Tx, id primitives.ObligationId, effective time.Time, traceID string) error {
	obl, ee, err := e.loadInTx(tx, id)
	if err != nil {
		return err
	}
	if obl.Status == StatusDefaulted || obl.Status == StatusCompleted {
		return nil
	}
	if obl.Status != StatusOverdue {
		return fmt.Errorf("%w: obligation %s is %s", ErrDefaultedBeforeOverdue, id, obl.Status)
	}
	ee.Push(Event{Kind: EventDefaulted, At: effective})
	if err := e.events.Persist(tx, ee); err != nil {
		return err
	}
	return e.outbox.PublishPersistentInTx(tx, KindObligationDefaulted, LifecyclePayload{
		ObligationId: id, FacilityId: obl.FacilityId, OutstandingAmount: obl.Outstanding,
	}, traceID)
}

// obligationsForFacility returns facilityId's obligations in ascending
// creation order (spec.md §4.7 "ascending creation order").
func (e *Engine) obligationsForFacility(tx *storage.Tx, facilityId primitives.FacilityId) ([]*Obligation, error) {
	prefix := facilityIndexPrefix(facilityId)
	c := tx.Bucket(bucketFacilityIndex).Cursor()
	type idAt struct {
		id primitives.ObligationId
		at string
	}
	var ids []idAt
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, idAt{id: primitives.ObligationId(v), at: string(k)})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].at < ids[j].at })

	out := make([]*Obligation, 0, len(ids))
	for _, entry := range ids {
		obl, _, err := e.loadInTx(tx, entry.id)
		if err != nil {
			return nil, err
		}
		out = append(out, obl)
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// LedgerPosting names the accounts AllocatePaymentInTx posts the payment
// through, when the caller wants the allocation and the ledger entry in the
// same transaction (spec.md §4.7 "Ledger entries are posted in one
// transaction with the allocation writes"). Pass nil to skip ledger posting,
// e.g. in tests that only exercise the allocation/outbox behavior.
type LedgerPosting struct {
	JournalId        primitives.JournalId
	CashAccount      primitives.AccountId
	ReceivableAccount primitives.AccountId
	Currency         string
}

// AllocatePaymentInTx allocates amount across facilityId's obligations in
// ascending creation order, reducing each by min(remaining, outstanding)
// until amount is exhausted, emitting PaymentAllocation per touched
// obligation and ObligationCompleted for any that reach zero outstanding
// (spec.md §4.7 "Payment allocation", §8 scenario 3).
func (e *Engine) AllocatePaymentInTx(tx *storage.Tx, facilityId primitives.FacilityId, amount primitives.UsdCents, effective time.Time, traceID string, posting *LedgerPosting) error {
	obligations, err := e.obligationsForFacility(tx, facilityId)
	if err != nil {
		return err
	}
	remaining := amount
	totalAllocated := primitives.UsdCents(0)
	for _, obl := range obligations {
		if remaining == 0 {
			break
		}
		if obl.Status == StatusCompleted || obl.Outstanding == 0 {
			continue
		}
		allocation := obl.Outstanding
		if remaining < allocation {
			allocation = remaining
		}
		remaining -= allocation
		totalAllocated += allocation

		ee, err := e.events.LoadInTx(tx, string(obl.Id))
		if err != nil {
			return err
		}
		ee.Push(Event{Kind: EventPaymentAllocated, Amount: allocation, At: effective})
		newOutstanding := obl.Outstanding - allocation
		completed := newOutstanding == 0
		if completed {
			ee.Push(Event{Kind: EventCompleted, At: effective})
		}
		if err := e.events.Persist(tx, ee); err != nil {
			return err
		}
		if err := e.outbox.PublishPersistentInTx(tx, KindPaymentAllocation, PaymentAllocationPayload{
			ObligationId: obl.Id, FacilityId: facilityId, Allocated: allocation, OutstandingAmount: newOutstanding,
		}, traceID); err != nil {
			return err
		}
		if completed {
			if err := e.outbox.PublishPersistentInTx(tx, KindObligationCompleted, LifecyclePayload{
				ObligationId: obl.Id, FacilityId: facilityId, OutstandingAmount: 0,
			}, traceID); err != nil {
				return err
			}
		}
	}

	if posting != nil && totalAllocated > 0 {
		txn, err := allocatePaymentTemplate.Resolve(posting.JournalId, effective, "", ledger.Params{
			Accounts:   map[string]primitives.AccountId{"cash": posting.CashAccount, "receivable": posting.ReceivableAccount},
			Currencies: map[string]string{"currency": posting.Currency},
			Amounts:    map[string]primitives.UsdCents{"total": totalAllocated},
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
