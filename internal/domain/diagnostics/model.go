package diagnostics

import (
	"time"

	"github.com/google/uuid"
)

// TestType is the category of an ordered investigation. It selects the
// result schema.
type TestType string

const (
	TypeLab       TestType = "LAB"
	TypeRadiology TestType = "RADIOLOGY"
	TypeECG       TestType = "ECG"
	TypeUSG       TestType = "USG"
	TypeOther     TestType = "OTHER"
)

var testTypes = []TestType{TypeLab, TypeRadiology, TypeECG, TypeUSG, TypeOther}

func ParseTestType(s string) (TestType, bool) {
	for _, t := range testTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Status is the lifecycle state of a diagnostic test.
type Status string

const (
	StatusRequested      Status = "REQUESTED"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusResultVerified Status = "RESULT_VERIFIED"
)

// order lists the statuses along the only path a test may take.
var order = []Status{StatusRequested, StatusInProgress, StatusCompleted, StatusResultVerified}

func ParseStatus(s string) (Status, bool) {
	for _, st := range order {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Status) rank() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the single legal successor of s.
func (s Status) Next() (Status, bool) {
	r := s.rank()
	if r < 0 || r == len(order)-1 {
		return "", false
	}
	return order[r+1], true
}

// AtLeast reports whether s is at or past other along the lifecycle.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank() && s.rank() >= 0
}

// CanMove reports whether from -> to is the one forward edge out of from.
func CanMove(from, to Status) bool {
	next, ok := from.Next()
	return ok && next == to
}

// DiagnosticTest is one ordered investigation within an encounter.
type DiagnosticTest struct {
	ID                 uuid.UUID  `json:"id"`
	EncounterID        uuid.UUID  `json:"encounter_id"`
	TestType           TestType   `json:"test_type"`
	Status             Status     `json:"status"`
	RequestedBy        uuid.UUID  `json:"requested_by"`
	ProcessedBy        *uuid.UUID `json:"processed_by,omitempty"`
	Results            *ResultMap `json:"results,omitempty"`
	ResultsHash        string     `json:"results_hash,omitempty"`
	ResultTxHash       string     `json:"result_tx_hash,omitempty"`
	BlockchainVerified bool       `json:"blockchain_verified"`
	RequestedAt        time.Time  `json:"requested_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (t DiagnosticTest) Key() string { return t.ID.String() }

// Clone returns a deep copy.
func (t DiagnosticTest) Clone() DiagnosticTest {
	c := t
	c.Results = t.Results.Clone()
	if t.ProcessedBy != nil {
		id := *t.ProcessedBy
		c.ProcessedBy = &id
	}
	c.ProcessedAt = cloneTime(t.ProcessedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.VerifiedAt = cloneTime(t.VerifiedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// AwaitingAnchor reports whether the test is completed but its result hash
// has not been confirmed in the ledger.
func (t DiagnosticTest) AwaitingAnchor() bool {
	return t.Status == StatusCompleted && !t.BlockchainVerified
}

// CreateRequest is the body of POST /encounters/{id}/diagnostic-tests.
type CreateRequest struct {
	TestType TestType `json:"test_type" validate:"oneof=LAB RADIOLOGY ECG USG OTHER"`
}

// TransitionRequest is the body of PATCH /diagnostic-tests/{id}.
type TransitionRequest struct {
	Status      Status     `json:"status"`
	ProcessedBy *uuid.UUID `json:"processed_by,omitempty"`
	Results     *ResultMap `json:"results,omitempty"`
}

// StatusHistory is one committed status change.
type StatusHistory struct {
	ID         uuid.UUID `json:"id"`
	TestID     uuid.UUID `json:"test_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ChangedBy  uuid.UUID `json:"changed_by"`
	ChangedAt  time.Time `json:"changed_at"`
}
