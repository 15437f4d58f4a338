package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

var (
	bucketAccountSets   = []byte("ledger_account_sets")
	bucketAccountSetExt = []byte("ledger_account_set_external_ids")
	bucketAccounts      = []byte("ledger_accounts")
	bucketAccountExt    = []byte("ledger_account_external_ids")
	bucketJournals      = []byte("ledger_journals")
	bucketTransactions  = []byte("ledger_transactions")
	bucketBalances      = []byte("ledger_balances")
)

// Errors returned by the ledger engine's operations (spec.md §4.4, §7).
var (
	ErrExternalIdTaken    = errors.New("external id already in use")
	ErrUnbalancedCurrency = errors.New("transaction does not balance for currency")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountSetNotFound = errors.New("account set not found")
	ErrNoEntries          = errors.New("transaction has no entries")
)

// Engine is the ledger's transactional API. Every operation takes a
// *storage.Tx so callers compose ledger writes with aggregate event/outbox
// writes in one database transaction (spec.md §4.4 "all take a db operation
// handle").
type Engine struct {
	db *storage.DB
}

// New opens the ledger's buckets on db.
func New(db *storage.DB) (*Engine, error) {
	if err := db.EnsureBuckets(bucketAccountSets, bucketAccountSetExt, bucketAccounts,
		bucketAccountExt, bucketJournals, bucketTransactions, bucketBalances); err != nil {
		return nil, err
	}
	return &Engine{db: db}, nil
}

// DB exposes the underlying handle so callers can open their own
// WithinTx/View blocks that also touch the ledger.
func (e *Engine) DB() *storage.DB { return e.db }

// CreateJournalInTx creates a journal.
func (e *Engine) CreateJournalInTx(tx *storage.Tx, name string) (*Journal, error) {
	j := &Journal{Id: primitives.NewJournalId(), Name: name}
	return j, putJSON(tx, bucketJournals, string(j.Id), j)
}

// CreateAccountSetInTx creates an account set with the given normal-balance
// side and optional external id, unique when present (spec.md §4.4
// "create_account_set").
func (e *Engine) CreateAccountSetInTx(tx *storage.Tx, journalId primitives.JournalId, name string, normalBalance Side, externalId string) (*AccountSet, error) {
	set := &AccountSet{
		Id:            primitives.NewAccountSetId(),
		JournalId:     journalId,
		Name:          name,
		NormalBalance: normalBalance,
		ExternalId:    externalId,
	}
	if externalId != "" {
		if err := reserveExternalId(tx, bucketAccountSetExt, externalId, string(set.Id)); err != nil {
			return nil, err
		}
	}
	return set, putJSON(tx, bucketAccountSets, string(set.Id), set)
}

// AddMemberInOp adds account (or account-set) memberId as a child of setId,
// so setId's balance thereby aggregates memberId's (spec.md §4.4
// "add_member_in_op").
func (e *Engine) AddMemberInOp(tx *storage.Tx, setId primitives.AccountSetId, kind MemberKind, memberId string) error {
	set, err := e.getAccountSet(tx, setId)
	if err != nil {
		return err
	}
	for _, m := range set.Members {
		if m.Kind == kind && m.Id == memberId {
			return nil // idempotent: already a member
		}
	}
	set.Members = append(set.Members, Member{Kind: kind, Id: memberId})
	return putJSON(tx, bucketAccountSets, string(set.Id), set)
}

// CreateAccountInTx creates a leaf account (spec.md §4.4 "create_account").
func (e *Engine) CreateAccountInTx(tx *storage.Tx, externalId, name, description string, normalBalance Side, metadata map[string]string) (*Account, error) {
	acc := &Account{
		Id:            primitives.NewAccountId(),
		ExternalId:    externalId,
		Name:          name,
		Description:   description,
		NormalBalance: normalBalance,
		Metadata:      metadata,
		CreatedAt:     time.Now(),
	}
	if externalId != "" {
		if err := reserveExternalId(tx, bucketAccountExt, externalId, string(acc.Id)); err != nil {
			return nil, err
		}
	}
	return acc, putJSON(tx, bucketAccounts, string(acc.Id), acc)
}

// GetAccountByExternalIdInTx looks up an account by its external id within
// an existing transaction.
func (e *Engine) GetAccountByExternalIdInTx(tx *storage.Tx, externalId string) (*Account, error) {
	idBytes := tx.Bucket(bucketAccountExt).Get([]byte(externalId))
	if idBytes == nil {
		return nil, fmt.Errorf("%w: external id %s", ErrAccountNotFound, externalId)
	}
	return e.getAccount(tx, primitives.AccountId(idBytes))
}

// GetAccountByExternalId is the read-only convenience wrapper for callers
// outside an existing write transaction.
func (e *Engine) GetAccountByExternalId(externalId string) (*Account, error) {
	var acc *Account
	err := e.db.View(func(tx *storage.Tx) error {
		a, err := e.GetAccountByExternalIdInTx(tx, externalId)
		acc = a
		return err
	})
	return acc, err
}

func reserveExternalId(tx *storage.Tx, bucket []byte, externalId, ownerId string) error {
	b := tx.Bucket(bucket)
	if b.Get([]byte(externalId)) != nil {
		return ErrExternalIdTaken
	}
	return b.Put([]byte(externalId), []byte(ownerId))
}

func (e *Engine) getAccount(tx *storage.Tx, id primitives.AccountId) (*Account, error) {
	var acc Account
	if err := getJSON(tx, bucketAccounts, string(id), &acc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return &acc, nil
}

func (e *Engine) getAccountSet(tx *storage.Tx, id primitives.AccountSetId) (*AccountSet, error) {
	var set AccountSet
	if err := getJSON(tx, bucketAccountSets, string(id), &set); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountSetNotFound, id)
	}
	return &set, nil
}

// GetAccount and GetAccountSet are read-only lookups for callers outside a
// write transaction.
func (e *Engine) GetAccount(id primitives.AccountId) (*Account, error) {
	var acc *Account
	err := e.db.View(func(tx *storage.Tx) error {
		a, err := e.getAccount(tx, id)
		acc = a
		return err
	})
	return acc, err
}

func (e *Engine) GetAccountSet(id primitives.AccountSetId) (*AccountSet, error) {
	var set *AccountSet
	err := e.db.View(func(tx *storage.Tx) error {
		s, err := e.getAccountSet(tx, id)
		set = s
		return err
	})
	return set, err
}

// PostTransactionInOp posts txn's entries, enforcing the balance invariant
// per currency (spec.md §3, §4.4 "post_transaction_in_op"). Every entry
// applies under txn's single JournalId; accounts themselves carry no journal
// of their own (only AccountSet does), so a transaction can never straddle
// more than one journal by construction. The transaction id is assigned if
// empty.
func (e *Engine) PostTransactionInOp(tx *storage.Tx, txn *Transaction) (*Transaction, error) {
	if len(txn.Entries) == 0 {
		return nil, ErrNoEntries
	}
	if err := validateBalance(txn.Entries); err != nil {
		return nil, err
	}
	for _, entry := range txn.Entries {
		if _, err := e.getAccount(tx, entry.AccountId); err != nil {
			return nil, err
		}
	}
	if txn.Id == "" {
		txn.Id = primitives.NewTransactionId()
	}
	if err := putJSON(tx, bucketTransactions, string(txn.Id), txn); err != nil {
		return nil, err
	}
	for _, entry := range txn.Entries {
		if err := e.applyEntry(tx, txn.JournalId, entry, txn.EffectiveDate); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

// validateBalance enforces spec.md §3's "Invariant (balance)": for every
// (transaction, currency), sum of debits equals sum of credits.
func validateBalance(entries []Entry) error {
	totals := map[string]struct{ dr, cr int64 }{}
	for _, e := range entries {
		t := totals[e.Currency]
		if e.Direction == Debit {
			t.dr += int64(e.Amount)
		} else {
			t.cr += int64(e.Amount)
		}
		totals[e.Currency] = t
	}
	for currency, t := range totals {
		if t.dr != t.cr {
			return fmt.Errorf("%w: %s debits=%d credits=%d", ErrUnbalancedCurrency, currency, t.dr, t.cr)
		}
	}
	return nil
}

// --- small JSON bucket helpers, grounded on the teacher's storage.go
// Save*/Get* pattern (proto.Marshal there, json.Marshal here -- see
// DESIGN.md for why protobuf was dropped).

func putJSON(tx *storage.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *storage.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s: not found", key)
	}
	return jsonUnmarshalInto(data, v)
}

// jsonUnmarshalInto decodes raw bucket bytes, used both for by-key lookups
// (getJSON) and cursor scans that already hold the value bytes.
func jsonUnmarshalInto(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
