package integrity

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a three-way hash comparison.
type Status string

const (
	StatusVerified  Status = "VERIFIED"
	StatusTampering Status = "TAMPERING_DETECTED"
	StatusUnknown   Status = "UNKNOWN"
)

// Hashes are the three digests of one test's results.
type Hashes struct {
	Stored      string `json:"stored_hash"`
	Regenerated string `json:"regenerated_hash"`
	// Blockchain is empty until the results are anchored.
	Blockchain string `json:"blockchain_hash,omitempty"`
}

// Comparison holds the pairwise equality flags as computed by the server.
type Comparison struct {
	StoredVsRegenerated     bool `json:"stored_vs_regenerated"`
	StoredVsBlockchain      bool `json:"stored_vs_blockchain"`
	RegeneratedVsBlockchain bool `json:"regenerated_vs_blockchain"`
	AllMatch                bool `json:"all_match"`
}

// VerificationRecord is the body returned by POST /admin/hash-verify/{testId}.
// It is computed fresh on every request and never persisted.
type VerificationRecord struct {
	TestID                uuid.UUID  `json:"test_id"`
	Hashes                Hashes     `json:"hashes"`
	Comparison            Comparison `json:"comparison"`
	IntegrityStatus       Status     `json:"integrity_status"`
	BlockchainTx          string     `json:"blockchain_tx,omitempty"`
	VerificationTimestamp time.Time  `json:"verification_timestamp"`
}

// PairResult is how one pairwise comparison is rendered.
type PairResult string

const (
	PairMatch       PairResult = "MATCH"
	PairMismatch    PairResult = "MISMATCH"
	PairUnavailable PairResult = "UNAVAILABLE"
)

// Report is the interpreted form of a VerificationRecord.
type Report struct {
	Record                  VerificationRecord `json:"record"`
	StoredVsRegenerated     PairResult         `json:"stored_vs_regenerated"`
	StoredVsBlockchain      PairResult         `json:"stored_vs_blockchain"`
	RegeneratedVsBlockchain PairResult         `json:"regenerated_vs_blockchain"`
	Status                  Status             `json:"status"`
	ExplorerLink            string             `json:"explorer_link,omitempty"`
}

// Alarm reports whether the report must be shown as a tampering alarm.
func (r Report) Alarm() bool { return r.Status == StatusTampering }

func match(a, b string) bool { return a != "" && b != "" && a == b }

func pair(a, b string) PairResult {
	switch {
	case a == "" || b == "":
		return PairUnavailable
	case a == b:
		return PairMatch
	default:
		return PairMismatch
	}
}

// Classify derives the integrity status from three hashes. Any mismatch
// between stored and regenerated is tampering regardless of the ledger; a
// missing hash otherwise leaves the outcome unknown.
func Classify(h Hashes) Status {
	sr := pair(h.Stored, h.Regenerated)
	sb := pair(h.Stored, h.Blockchain)
	rb := pair(h.Regenerated, h.Blockchain)
	switch {
	case sr == PairMismatch, sb == PairMismatch, rb == PairMismatch:
		return StatusTampering
	case sr == PairUnavailable, sb == PairUnavailable, rb == PairUnavailable:
		return StatusUnknown
	default:
		return StatusVerified
	}
}

// Compare builds the comparison flags for h.
func Compare(h Hashes) Comparison {
	c := Comparison{
		StoredVsRegenerated:     match(h.Stored, h.Regenerated),
		StoredVsBlockchain:      match(h.Stored, h.Blockchain),
		RegeneratedVsBlockchain: match(h.Regenerated, h.Blockchain),
	}
	c.AllMatch = c.StoredVsRegenerated && c.StoredVsBlockchain && c.RegeneratedVsBlockchain
	return c
}
