package encounter

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an emergency department visit.
type Status string

const (
	StatusTriage      Status = "TRIAGE"
	StatusOngoing     Status = "ONGOING"
	StatusObservation Status = "OBSERVATION"
	StatusDisposition Status = "DISPOSITION"
	StatusDischarged  Status = "DISCHARGED"
	StatusAdmitted    Status = "ADMITTED"
)

// transitions is the adjacency table. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusTriage:      {StatusOngoing},
	StatusOngoing:     {StatusObservation, StatusDisposition},
	StatusObservation: {StatusOngoing, StatusDisposition},
	StatusDisposition: {StatusDischarged, StatusAdmitted},
}

var allStatuses = []Status{
	StatusTriage, StatusOngoing, StatusObservation,
	StatusDisposition, StatusDischarged, StatusAdmitted,
}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether s closes the encounter.
func (s Status) IsTerminal() bool {
	return s == StatusDischarged || s == StatusAdmitted
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanMove reports whether from -> to is an edge of the adjacency table.
func CanMove(from, to Status) bool {
	for _, n := range transitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Disposition is the closing summary recorded on a terminal transition.
type Disposition struct {
	DischargeSummary     string     `json:"discharge_summary" validate:"notblank,max=2000"`
	FollowUpInstructions string     `json:"follow_up_instructions,omitempty" validate:"max=1000"`
	AuthorizedBy         *uuid.UUID `json:"authorized_by,omitempty"`
}

func (d *Disposition) clone() *Disposition {
	if d == nil {
		return nil
	}
	c := *d
	if d.AuthorizedBy != nil {
		id := *d.AuthorizedBy
		c.AuthorizedBy = &id
	}
	return &c
}

// Vitals are the intake measurements taken at triage. Every field is
// optional; present values must be physiologically plausible.
type Vitals struct {
	HeartRate        *int     `json:"heart_rate,omitempty" validate:"omitempty,gte=20,lte=250"`
	SystolicBP       *int     `json:"systolic_bp,omitempty" validate:"omitempty,gte=50,lte=300"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty" validate:"omitempty,gte=20,lte=200"`
	Temperature      *float64 `json:"temperature,omitempty" validate:"omitempty,gte=30,lte=45"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty" validate:"omitempty,gte=4,lte=60"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty" validate:"omitempty,gte=50,lte=100"`
}

func (v *Vitals) clone() *Vitals {
	if v == nil {
		return nil
	}
	c := Vitals{
		HeartRate:        cloneInt(v.HeartRate),
		SystolicBP:       cloneInt(v.SystolicBP),
		DiastolicBP:      cloneInt(v.DiastolicBP),
		RespiratoryRate:  cloneInt(v.RespiratoryRate),
		OxygenSaturation: cloneInt(v.OxygenSaturation),
	}
	if v.Temperature != nil {
		t := *v.Temperature
		c.Temperature = &t
	}
	return &c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}

// Encounter is one tracked emergency department visit.
type Encounter struct {
	ID                 uuid.UUID    `json:"id"`
	PatientMRN         string       `json:"patient_mrn"`
	Status             Status       `json:"status"`
	TriageLevel        int          `json:"triage_level"`
	ChiefComplaint     string       `json:"chief_complaint"`
	ResponsibleStaffID uuid.UUID    `json:"responsible_staff_id"`
	Vitals             *Vitals      `json:"vitals,omitempty"`
	StartTime          time.Time    `json:"start_time"`
	EndTime            *time.Time   `json:"end_time,omitempty"`
	Disposition        *Disposition `json:"disposition,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (e Encounter) Key() string { return e.ID.String() }

// Clone returns a deep copy.
func (e Encounter) Clone() Encounter {
	c := e
	c.Vitals = e.Vitals.clone()
	c.Disposition = e.Disposition.clone()
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return c
}

// IsClosed reports whether the encounter is read-only.
func (e Encounter) IsClosed() bool { return e.Status.IsTerminal() }

// CreateRequest is the intake payload for POST /encounters.
type CreateRequest struct {
	PatientMRN         string    `json:"patient_mrn" validate:"notblank,max=64"`
	TriageLevel        int       `json:"triage_level" validate:"gte=1,lte=5"`
	ChiefComplaint     string    `json:"chief_complaint" validate:"notblank,max=500"`
	ResponsibleStaffID uuid.UUID `json:"responsible_staff_id"`
	Vitals             *Vitals   `json:"vitals,omitempty"`
}

// StatusRequest is the body of PUT /encounters/{id}/status.
type StatusRequest struct {
	NewStatus   Status       `json:"newStatus"`
	Disposition *Disposition `json:"disposition,omitempty"`
}

// StatusHistory is one committed status change.
type StatusHistory struct {
	ID          uuid.UUID `json:"id"`
	EncounterID uuid.UUID `json:"encounter_id"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ChangedBy   uuid.UUID `json:"changed_by"`
	ChangedAt   time.Time `json:"changed_at"`
}

// ListFilter narrows GET /encounters.
type ListFilter struct {
	Status             Status
	ResponsibleStaffID uuid.UUID
}
