package ledger

import (
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/primitives"
)

// EntrySpec is one line of a Template: an account parameter reference, a
// currency and amount parameter reference, and a fixed direction. Resolve
// substitutes the account/currency/amount placeholders with a call's actual
// Params to produce a Transaction (spec.md §4.4 "templated posting").
type EntrySpec struct {
	AccountParam  string
	CurrencyParam string
	AmountParam   string
	Direction     Side
	Description   string
}

// Template is a named, reusable shape for a Transaction: the initial
// disbursal, payment allocation and period-close postings are one Template
// each, parameterized rather than hand-built per call site
// (grounded on the teacher's PostingEngine.Post, generalized from one
// hard-coded account-type switch into data-driven EntrySpecs).
type Template struct {
	Code    string
	Entries []EntrySpec
}

// Params is the actual values a Resolve call substitutes into a Template's
// placeholders.
type Params struct {
	Accounts   map[string]primitives.AccountId
	Currencies map[string]string
	Amounts    map[string]primitives.UsdCents
}

// ErrMissingParam is returned when Resolve needs a placeholder the caller's
// Params didn't supply.
type ErrMissingParam struct {
	Template, Kind, Name string
}

func (e *ErrMissingParam) Error() string {
	return fmt.Sprintf("template %s: missing %s param %q", e.Template, e.Kind, e.Name)
}

// Resolve substitutes params into t, producing a Transaction ready for
// PostTransactionInOp. Resolve does not itself check the balance invariant;
// PostTransactionInOp does, so a template author who got the debit/credit
// sides wrong finds out at posting time with the same error any hand-built
// Transaction would get.
func (t Template) Resolve(journalId primitives.JournalId, effectiveDate time.Time, initiatorId string, p Params) (*Transaction, error) {
	txn := &Transaction{
		TemplateCode:  t.Code,
		JournalId:     journalId,
		EffectiveDate: effectiveDate,
		InitiatorId:   initiatorId,
	}
	for _, spec := range t.Entries {
		accountId, ok := p.Accounts[spec.AccountParam]
		if !ok {
			return nil, &ErrMissingParam{t.Code, "account", spec.AccountParam}
		}
		currency, ok := p.Currencies[spec.CurrencyParam]
		if !ok {
			return nil, &ErrMissingParam{t.Code, "currency", spec.CurrencyParam}
		}
		amount, ok := p.Amounts[spec.AmountParam]
		if !ok {
			return nil, &ErrMissingParam{t.Code, "amount", spec.AmountParam}
		}
		txn.Entries = append(txn.Entries, Entry{
			AccountId:   accountId,
			Currency:    currency,
			Amount:      amount,
			Direction:   spec.Direction,
			Description: spec.Description,
		})
	}
	return txn, nil
}
