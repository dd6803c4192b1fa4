package encounter

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
)

func TestCanTransition(t *testing.T) {
	responsible := uuid.New()
	doctor := auth.Actor{StaffID: responsible, Role: auth.RoleDoctor}
	otherDoctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	responsibleNurse := auth.Actor{StaffID: responsible, Role: auth.RoleNurse}
	admin := auth.Actor{StaffID: responsible, Role: auth.RoleAdmin}

	enc := func(s Status) Encounter {
		return Encounter{ID: uuid.New(), Status: s, ResponsibleStaffID: responsible}
	}

	tests := []struct {
		name   string
		actor  auth.Actor
		from   Status
		to     Status
		allow  bool
		reason string
	}{
		{"doctor forward", otherDoctor, StatusTriage, StatusOngoing, true, ""},
		{"nurse forward", nurse, StatusOngoing, StatusObservation, true, ""},
		{"nurse back to ongoing", nurse, StatusObservation, StatusOngoing, true, ""},
		{"nurse to disposition", nurse, StatusOngoing, StatusDisposition, true, ""},
		{"responsible doctor discharges", doctor, StatusDisposition, StatusDischarged, true, ""},
		{"responsible doctor admits", doctor, StatusDisposition, StatusAdmitted, true, ""},
		{"nurse discharges", nurse, StatusDisposition, StatusDischarged, false, ReasonNurseTerminal},
		{"responsible nurse admits", responsibleNurse, StatusDisposition, StatusAdmitted, false, ReasonNurseTerminal},
		{"other doctor discharges", otherDoctor, StatusDisposition, StatusDischarged, false, ReasonNotResponsible},
		{"admin forward", admin, StatusTriage, StatusOngoing, false, ReasonRoleNotPermitted},
		{"unknown role", auth.Actor{StaffID: responsible, Role: "PORTER"}, StatusTriage, StatusOngoing, false, ReasonRoleNotPermitted},
		{"skip edge", doctor, StatusTriage, StatusDisposition, false, ""},
		{"from terminal", doctor, StatusDischarged, StatusOngoing, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CanTransition(tt.actor, enc(tt.from), tt.to)
			if d.Allow != tt.allow {
				t.Fatalf("allow = %v, want %v (reason %q)", d.Allow, tt.allow, d.Reason)
			}
			if tt.reason != "" && d.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.reason)
			}
			if !tt.allow && d.Reason == "" {
				t.Error("a denial must carry a reason")
			}
		})
	}
}

func TestCanTransition_NurseDeniedForEveryTerminalTarget(t *testing.T) {
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	for _, target := range []Status{StatusDischarged, StatusAdmitted} {
		for _, from := range allStatuses {
			e := Encounter{Status: from, ResponsibleStaffID: nurse.StaffID}
			if CanTransition(nurse, e, target).Allow {
				t.Errorf("nurse allowed %s -> %s", from, target)
			}
		}
	}
}
