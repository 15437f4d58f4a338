package primitives

import (
	"errors"
	"strconv"
	"strings"
)

// Errors returned while building or validating a chart of accounts, per
// spec.md §3.
var (
	ErrDuplicateAccountCode                = errors.New("duplicate account code")
	ErrAccountCodeNotTopLevel               = errors.New("account code is not top level")
	ErrRetainedEarningsCodeNotChildOfEquity = errors.New("retained earnings code is not a child of equity")
	ErrInvalidAccountCode                   = errors.New("invalid account code")
)

// AccountCode is an ordered sequence of numeric sections, e.g. "1.10.100.1000".
type AccountCode struct {
	sections []uint64
}

// ParseAccountCode parses a dot-separated sequence of non-negative integers.
func ParseAccountCode(s string) (AccountCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 {
		return AccountCode{}, ErrInvalidAccountCode
	}
	sections := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return AccountCode{}, ErrInvalidAccountCode
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return AccountCode{}, ErrInvalidAccountCode
		}
		sections = append(sections, n)
	}
	return AccountCode{sections: sections}, nil
}

// MustParseAccountCode panics on an invalid code; reserved for constants built
// from literals known at compile time.
func MustParseAccountCode(s string) AccountCode {
	c, err := ParseAccountCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the code back in dot-separated form. Round-trips with
// ParseAccountCode for every value ParseAccountCode can produce.
func (c AccountCode) String() string {
	parts := make([]string, len(c.sections))
	for i, s := range c.sections {
		parts[i] = strconv.FormatUint(s, 10)
	}
	return strings.Join(parts, ".")
}

// Len is the number of sections in the code.
func (c AccountCode) Len() int { return len(c.sections) }

// IsTopLevel is true for a single one-digit section, i.e. one of the six
// top-level chart categories.
func (c AccountCode) IsTopLevel() bool {
	return len(c.sections) == 1 && c.sections[0] < 10
}

// Equal reports whether two codes have identical sections.
func (c AccountCode) Equal(other AccountCode) bool {
	if len(c.sections) != len(other.sections) {
		return false
	}
	for i := range c.sections {
		if c.sections[i] != other.sections[i] {
			return false
		}
	}
	return true
}

// IsParentOf reports whether c is a parent of child: c is strictly shorter,
// and every section of c is a prefix-match (by string representation) of the
// corresponding section of child, per spec.md §3's AccountCode invariant.
func (c AccountCode) IsParentOf(child AccountCode) bool {
	if c.Len() >= child.Len() {
		return false
	}
	for i, s := range c.sections {
		cs := strconv.FormatUint(s, 10)
		chs := strconv.FormatUint(child.sections[i], 10)
		if !strings.HasPrefix(chs, cs) {
			return false
		}
		// An exact match on a non-last shared section is required unless
		// this is the final section of the parent overlapping the child's
		// corresponding section textually (e.g. "1.10" is parent of
		// "1.100.1000").
		if cs != chs && i < c.Len()-1 {
			return false
		}
	}
	return true
}

// TopLevelCategory identifies one of the six chart-of-accounts root
// categories, per spec.md §3.
type TopLevelCategory uint64

const (
	CategoryAssets        TopLevelCategory = 1
	CategoryLiabilities   TopLevelCategory = 2
	CategoryEquity        TopLevelCategory = 3
	CategoryRevenue       TopLevelCategory = 4
	CategoryCostOfRevenue TopLevelCategory = 5
	CategoryExpenses      TopLevelCategory = 6
)

// TopLevelCategory returns the root category this code descends from, valid
// only when Len() >= 1.
func (c AccountCode) TopLevelCategory() TopLevelCategory {
	if len(c.sections) == 0 {
		return 0
	}
	return TopLevelCategory(c.sections[0])
}
