// Package chartofaccounts is the tree of chart nodes keyed by
// primitives.AccountCode (spec.md §4.5), plus the operations that grow it,
// back manual postings under its leaves, and close a period. Grounded on the
// teacher's Account-hierarchy helpers in accounting.go, generalized from a
// flat account list into an explicit parent/child tree stored by code rather
// than by pointer (spec.md §9 "Arena/indexed ownership": no node holds a
// pointer to another, only AccountCode/NodeId references, so the whole tree
// round-trips through bbolt without cycles).
package chartofaccounts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GaloyMoney/lana-bank-sub002/ledger"
	"github.com/GaloyMoney/lana-bank-sub002/primitives"
	"github.com/GaloyMoney/lana-bank-sub002/storage"
)

var (
	bucketCharts   = []byte("chart_charts")
	bucketNodes    = []byte("chart_nodes")
	bucketNodeIdx  = []byte("chart_nodes_by_code")
	bucketClosedAt = []byte("chart_closed_as_of")
)

// Outcome distinguishes a freshly-applied operation from a replay of one
// already applied, per spec.md §4.5 "idempotent by code".
type Outcome string

const (
	Applied        Outcome = "APPLIED"
	AlreadyApplied Outcome = "ALREADY_APPLIED"
)

var (
	ErrParentNotFound     = errors.New("parent chart node not found")
	ErrChildNotExtension  = errors.New("child code does not extend parent code")
	ErrNonLeafAccount     = errors.New("account code is not a leaf: has children")
	ErrChartNotFound      = errors.New("chart not found")
	ErrClosedAsOfRegressed = errors.New("closed-as-of date may not move backward")
	ErrPeriodAlreadyClosed = errors.New("effective date is at or before the closed-as-of marker")
)

// Node is one entry in the chart tree: an AccountCode, its human name, and
// the ledger AccountSet that aggregates everything posted under it.
type Node struct {
	Id        primitives.ChartId      `json:"id"`
	Code      string                  `json:"code"`
	Name      string                  `json:"name"`
	SetId     primitives.AccountSetId `json:"set_id"`
	ParentId  primitives.ChartId      `json:"parent_id,omitempty"`
}

// Chart is the tree's root record: its name, its journal, and the node id
// of each top-level code. Normal-balance sides are derived from a code's
// category (normalSideFor) and the closed-as-of marker (spec.md §4.5
// "close_as_of") is kept in its own bucket, not on this record.
type Chart struct {
	Id            primitives.ChartId   `json:"id"`
	Name          string               `json:"name"`
	JournalId     primitives.JournalId `json:"journal_id"`
	RootIds       map[string]primitives.ChartId `json:"root_ids"` // code -> node id, for top-level lookups
}

// Tree is the chartofaccounts engine: node creation, manual-posting account
// resolution, and period close.
type Tree struct {
	db     *storage.DB
	ledger *ledger.Engine
}

func New(db *storage.DB, led *ledger.Engine) (*Tree, error) {
	if err := db.EnsureBuckets(bucketCharts, bucketNodes, bucketNodeIdx, bucketClosedAt); err != nil {
		return nil, err
	}
	return &Tree{db: db, ledger: led}, nil
}

// normalSideFor returns the conventional normal-balance side for a code's
// top-level category (spec.md §3: assets/expenses/cost-of-revenue are
// debit-normal; liabilities/equity/revenue are credit-normal).
func normalSideFor(code primitives.AccountCode) ledger.Side {
	switch code.TopLevelCategory() {
	case primitives.CategoryAssets, primitives.CategoryExpenses, primitives.CategoryCostOfRevenue:
		return ledger.Debit
	default:
		return ledger.Credit
	}
}

// CreateRootNode creates (or, on replay, returns) the top-level node for
// code, creating the journal's chart first if it has none yet (spec.md §4.5
// "create_root_node").
func (t *Tree) CreateRootNode(tx *storage.Tx, journalId primitives.JournalId, chartName, code, name string) (*Chart, *Node, Outcome, error) {
	accCode, err := primitives.ParseAccountCode(code)
	if err != nil {
		return nil, nil, "", err
	}
	if !accCode.IsTopLevel() {
		return nil, nil, "", primitives.ErrAccountCodeNotTopLevel
	}

	chart, ok, err := t.findChartByJournal(tx, journalId)
	if err != nil {
		return nil, nil, "", err
	}
	if !ok {
		chart = &Chart{Id: primitives.NewChartId(), Name: chartName, JournalId: journalId, RootIds: map[string]primitives.ChartId{}}
	}
	if existingId, ok := chart.RootIds[code]; ok {
		node, err := t.getNode(tx, existingId)
		return chart, node, AlreadyApplied, err
	}

	set, err := t.ledger.CreateAccountSetInTx(tx, journalId, name, normalSideFor(accCode), "chart:"+code)
	if err != nil {
		return nil, nil, "", err
	}
	node := &Node{Id: primitives.NewChartId(), Code: code, Name: name, SetId: set.Id}
	if err := t.putNode(tx, node); err != nil {
		return nil, nil, "", err
	}
	chart.RootIds[code] = node.Id
	if err := t.putChart(tx, chart); err != nil {
		return nil, nil, "", err
	}
	return chart, node, Applied, nil
}

// CreateChildNode creates (or, on replay, returns) a node under parentCode,
// enforcing that code extends parentCode (spec.md §4.5 "create_child_node",
// §3 AccountCode invariant).
func (t *Tree) CreateChildNode(tx *storage.Tx, chartId primitives.ChartId, journalId primitives.JournalId, parentCode, code, name string) (*Node, Outcome, error) {
	parentAccCode, err := primitives.ParseAccountCode(parentCode)
	if err != nil {
		return nil, "", err
	}
	childAccCode, err := primitives.ParseAccountCode(code)
	if err != nil {
		return nil, "", err
	}
	if !parentAccCode.IsParentOf(childAccCode) {
		return nil, "", fmt.Errorf("%w: %s does not extend %s", ErrChildNotExtension, code, parentCode)
	}

	parent, ok, err := t.findNodeByCode(tx, parentCode)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrParentNotFound, parentCode)
	}

	if existing, ok, err := t.findNodeByCode(tx, code); err != nil {
		return nil, "", err
	} else if ok {
		return existing, AlreadyApplied, nil
	}

	set, err := t.ledger.CreateAccountSetInTx(tx, journalId, name, normalSideFor(childAccCode), "chart:"+code)
	if err != nil {
		return nil, "", err
	}
	node := &Node{Id: primitives.NewChartId(), Code: code, Name: name, SetId: set.Id, ParentId: parent.Id}
	if err := t.putNode(tx, node); err != nil {
		return nil, "", err
	}
	if err := t.ledger.AddMemberInOp(tx, parent.SetId, ledger.MemberAccountSet, string(set.Id)); err != nil {
		return nil, "", err
	}
	return node, Applied, nil
}

// hasChildren reports whether any other node's code is a strict extension of
// code, i.e. whether code is not a leaf (spec.md §4.5 "only leaf codes").
func (t *Tree) hasChildren(tx *storage.Tx, code primitives.AccountCode) (bool, error) {
	c := tx.Bucket(bucketNodes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var n Node
		if err := json.Unmarshal(v, &n); err != nil {
			return false, err
		}
		other, err := primitives.ParseAccountCode(n.Code)
		if err != nil {
			return false, err
		}
		if code.IsParentOf(other) {
			return true, nil
		}
	}
	return false, nil
}

// ManualTransactionAccount resolves idOrCode per spec.md §4.5
// "manual_transaction_account": a chart code backs a lazily-created manual
// account under the leaf's account set; anything that doesn't parse as a
// chart code is passed through as a pre-existing non-chart account id.
func (t *Tree) ManualTransactionAccount(tx *storage.Tx, journalId primitives.JournalId, idOrCode string) (primitives.AccountId, error) {
	accCode, err := primitives.ParseAccountCode(idOrCode)
	if err != nil {
		return primitives.AccountId(idOrCode), nil
	}

	node, ok, err := t.findNodeByCode(tx, idOrCode)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrParentNotFound, idOrCode)
	}
	if hasChildren, err := t.hasChildren(tx, accCode); err != nil {
		return "", err
	} else if hasChildren {
		return "", fmt.Errorf("%w: %s", ErrNonLeafAccount, idOrCode)
	}

	manualExternalId := "manual:" + idOrCode
	acc, ok, err := t.findAccountByExternalId(tx, manualExternalId)
	if err != nil {
		return "", err
	}
	if ok {
		return acc, nil
	}

	created, err := t.ledger.CreateAccountInTx(tx, manualExternalId, node.Name+" (manual)", "", normalSideFor(accCode), nil)
	if err != nil {
		return "", err
	}
	if err := t.ledger.AddMemberInOp(tx, node.SetId, ledger.MemberAccount, string(created.Id)); err != nil {
		return "", err
	}
	return created.Id, nil
}

// FindNodeByCode is the exported lookup reporting projections use to
// resolve a chart reference name to its node (and thus its account set).
func (t *Tree) FindNodeByCode(tx *storage.Tx, code string) (*Node, bool, error) {
	return t.findNodeByCode(tx, code)
}

// ChildCodes returns the codes of every node that is a direct or indirect
// child of parentCode, used by reporting projections that walk a subtree
// (spec.md §4.6 "Trial balance").
func (t *Tree) ChildCodes(tx *storage.Tx, parentCode string) ([]string, error) {
	parentAccCode, err := primitives.ParseAccountCode(parentCode)
	if err != nil {
		return nil, err
	}
	var out []string
	c := tx.Bucket(bucketNodes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var n Node
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, err
		}
		childCode, err := primitives.ParseAccountCode(n.Code)
		if err != nil {
			return nil, err
		}
		if parentAccCode.IsParentOf(childCode) {
			out = append(out, n.Code)
		}
	}
	return out, nil
}

func (t *Tree) findAccountByExternalId(tx *storage.Tx, externalId string) (primitives.AccountId, bool, error) {
	acc, err := t.ledger.GetAccountByExternalIdInTx(tx, externalId)
	if err != nil {
		return "", false, nil
	}
	return acc.Id, true, nil
}

func (t *Tree) putNode(tx *storage.Tx, n *Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketNodes).Put([]byte(n.Id), data); err != nil {
		return err
	}
	return tx.Bucket(bucketNodeIdx).Put([]byte(n.Code), []byte(n.Id))
}

func (t *Tree) getNode(tx *storage.Tx, id primitives.ChartId) (*Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("chart node %s not found", id)
	}
	var n Node
	return &n, json.Unmarshal(data, &n)
}

func (t *Tree) findNodeByCode(tx *storage.Tx, code string) (*Node, bool, error) {
	idBytes := tx.Bucket(bucketNodeIdx).Get([]byte(code))
	if idBytes == nil {
		return nil, false, nil
	}
	n, err := t.getNode(tx, primitives.ChartId(idBytes))
	return n, err == nil, err
}

func (t *Tree) putChart(tx *storage.Tx, c *Chart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCharts).Put([]byte(c.Id), data)
}

func (t *Tree) findChartByJournal(tx *storage.Tx, journalId primitives.JournalId) (*Chart, bool, error) {
	c := tx.Bucket(bucketCharts).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var chart Chart
		if err := json.Unmarshal(v, &chart); err != nil {
			return nil, false, err
		}
		if chart.JournalId == journalId {
			return &chart, true, nil
		}
	}
	return nil, false, nil
}
