package encounter

import (
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/validate"
	"github.com/ehr/edflow/internal/workflow"
)

// ValidateDisposition checks the closing payload a terminal transition must
// carry. Field names are reported under "disposition.".
func ValidateDisposition(d *Disposition) error {
	if d == nil {
		return workflow.NewValidationError("disposition.discharge_summary", "is required")
	}
	return prefixed("disposition", validate.Struct(d))
}

// ValidateCreate checks an intake request, including the triage vitals.
func ValidateCreate(req *CreateRequest) error {
	err := validate.Struct(req)
	if req.ResponsibleStaffID != uuid.Nil {
		return err
	}
	var ve *workflow.ValidationError
	switch {
	case err == nil:
		ve = &workflow.ValidationError{}
	case !errors.As(err, &ve):
		return err
	}
	return ve.Add("responsible_staff_id", "is required")
}

func prefixed(prefix string, err error) error {
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := &workflow.ValidationError{Fields: make(map[string]string, len(ve.Fields))}
	for k, msg := range ve.Fields {
		out.Add(prefix+"."+k, msg)
	}
	return out
}
