package primitives

import (
	"time"

	"github.com/google/uuid"
)

// Typed ids, one per aggregate kind, so a caller can't accidentally pass an
// AccountId where a JournalId is expected. Grounded on the teacher's
// string-uuid ids (engine.go), made distinct via the Go type system instead
// of bare strings.

type AccountSetId string
type AccountId string
type JournalId string
type TransactionId string
type ChartId string
type ObligationId string
type FacilityId string
type LiquidationId string
type CustomerId string
type CustodianId string
type FiscalYearId string

func NewAccountSetId() AccountSetId   { return AccountSetId(uuid.NewString()) }
func NewAccountId() AccountId         { return AccountId(uuid.NewString()) }
func NewJournalId() JournalId         { return JournalId(uuid.NewString()) }
func NewTransactionId() TransactionId { return TransactionId(uuid.NewString()) }
func NewChartId() ChartId             { return ChartId(uuid.NewString()) }
func NewObligationId() ObligationId   { return ObligationId(uuid.NewString()) }
func NewFacilityId() FacilityId       { return FacilityId(uuid.NewString()) }
func NewLiquidationId() LiquidationId { return LiquidationId(uuid.NewString()) }
func NewCustomerId() CustomerId       { return CustomerId(uuid.NewString()) }
func NewFiscalYearId() FiscalYearId   { return FiscalYearId(uuid.NewString()) }

// AuditInfo records who did what when, attached to every aggregate mutation
// (grounded on the teacher's userID-threaded event creation in engine.go).
type AuditInfo struct {
	SubjectId string    `json:"subject_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

func NewAuditInfo(subjectId string, now time.Time) AuditInfo {
	return AuditInfo{SubjectId: subjectId, RecordedAt: now}
}
