// Package ledger is the double-entry ledger engine from spec.md §4.4:
// account sets (hierarchical), accounts, journals, balanced transactions
// posted through parameterized templates, and effective-dated balance
// ranges. Grounded on the teacher's Account/Transaction/Entry/Ledger types
// (accounting.go) and PostingEngine (posting_engine.go), generalized from a
// flat account-type-driven balance multiplier into explicit normal-balance
// sides on accounts *and* account sets, and from single-account balances
// into the hierarchical account-set aggregation spec.md §3/§4.4 requires.
package ledger

import (
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/primitives"
)

// Side is a normal-balance side or an entry direction; spec.md §3/§4.4 use
// the same Debit|Credit vocabulary for both.
type Side string

const (
	Debit  Side = "DEBIT"
	Credit Side = "CREDIT"
)

// Opposite flips a side.
func (s Side) Opposite() Side {
	if s == Debit {
		return Credit
	}
	return Debit
}

// MemberKind distinguishes an account-set member that is itself a leaf
// account from one that is a nested account set.
type MemberKind string

const (
	MemberAccount    MemberKind = "ACCOUNT"
	MemberAccountSet MemberKind = "ACCOUNT_SET"
)

// Member is one child of an account set.
type Member struct {
	Kind MemberKind `json:"kind"`
	Id   string     `json:"id"`
}

// AccountSet groups ledger accounts (and other account sets) whose balance
// is the signed sum of its members' settled balances on NormalBalance
// (spec.md §3 "Ledger account set").
type AccountSet struct {
	Id            primitives.AccountSetId `json:"id"`
	JournalId     primitives.JournalId    `json:"journal_id"`
	Name          string                  `json:"name"`
	NormalBalance Side                    `json:"normal_balance"`
	ExternalId    string                  `json:"external_id,omitempty"`
	Members       []Member                `json:"members"`
}

// Account is a leaf ledger account. "Manual posting" accounts (spec.md §4.5)
// are Accounts created lazily under a chart leaf's account set.
type Account struct {
	Id            primitives.AccountId `json:"id"`
	ExternalId    string               `json:"external_id,omitempty"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	NormalBalance Side                 `json:"normal_balance"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Journal is the posting ledger a transaction's entries all share
// (spec.md §3 "Invariant (single journal)").
type Journal struct {
	Id   primitives.JournalId `json:"id"`
	Name string               `json:"name"`
}

// Entry is a single debit or credit line of a Transaction.
type Entry struct {
	AccountId   primitives.AccountId `json:"account_id"`
	Currency    string               `json:"currency"`
	Amount      primitives.UsdCents  `json:"amount"`
	Direction   Side                 `json:"direction"`
	Description string               `json:"description,omitempty"`
}

// Transaction is a posted (or about-to-be-posted) set of balanced entries.
type Transaction struct {
	Id            primitives.TransactionId `json:"id"`
	TemplateCode  string                   `json:"template_code"`
	JournalId     primitives.JournalId     `json:"journal_id"`
	EffectiveDate time.Time                `json:"effective_date"`
	Entries       []Entry                  `json:"entries"`
	InitiatorId   string                   `json:"initiator_id,omitempty"`
}

// Snapshot is the running balance state for one (journal, account, currency)
// at a point in time (spec.md §3 "Balance").
type Snapshot struct {
	DrBalance   int64     `json:"dr_balance"`
	CrBalance   int64     `json:"cr_balance"`
	Pending     int64     `json:"pending"`
	Encumbrance int64     `json:"encumbrance"`
	Version     int       `json:"version"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Settled returns the signed settled balance on normalSide: a Debit-normal
// account's settled value is DrBalance-CrBalance, a Credit-normal account's
// is CrBalance-DrBalance (spec.md §3 "The normal-balance side determines the
// signed settled value").
func (s Snapshot) Settled(normalSide Side) int64 {
	if normalSide == Debit {
		return s.DrBalance - s.CrBalance
	}
	return s.CrBalance - s.DrBalance
}

// BalanceRange is the open/close/period snapshot triple spec.md §3/§4.4
// returns for an effective-date interval query. The period value is
// Close.Settled(side) - Open.Settled(side); PeriodSettled computes it from
// the NormalSide the range carries, so callers don't need to thread the
// normal side through again.
type BalanceRange struct {
	JournalId  primitives.JournalId `json:"journal_id"`
	AccountKey string               `json:"account_key"` // account id or account-set id
	Currency   string               `json:"currency"`
	NormalSide Side                 `json:"normal_side"`
	Open       Snapshot             `json:"open"`
	Close      Snapshot             `json:"close"`
}

// OpenSettled, CloseSettled, PeriodSettled are convenience accessors over the
// NormalSide already carried on the range.
func (r BalanceRange) OpenSettled() int64  { return r.Open.Settled(r.NormalSide) }
func (r BalanceRange) CloseSettled() int64 { return r.Close.Settled(r.NormalSide) }
func (r BalanceRange) PeriodSettled() int64 {
	return r.CloseSettled() - r.OpenSettled()
}
