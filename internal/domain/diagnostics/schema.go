package diagnostics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ehr/edflow/internal/platform/validate"
	"github.com/ehr/edflow/internal/workflow"
)

// ValueType is the value shape of a result field.
type ValueType string

const (
	ValueNumber ValueType = "number"
	ValueText   ValueType = "text"
)

// Fields accepted for every test type, and for radiology only.
const (
	FieldCaseSummary = "case_summary"
	FieldImpression  = "impression"
)

// FieldDescriptor describes one result field.
type FieldDescriptor struct {
	Key   string    `json:"key" validate:"fieldkey"`
	Label string    `json:"label" validate:"notblank,max=100"`
	Type  ValueType `json:"type" validate:"oneof=number text"`
	Unit  string    `json:"unit,omitempty" validate:"max=32"`
}

// Schema is the preset field list of one test type. The set of schemas is
// closed: one variant per TestType.
type Schema struct {
	Type   TestType          `json:"test_type"`
	Fields []FieldDescriptor `json:"fields"`
	// Extras are the category-agnostic fields plus impression for radiology.
	Extras []FieldDescriptor `json:"extras"`
}

func num(key, label, unit string) FieldDescriptor {
	return FieldDescriptor{Key: key, Label: label, Type: ValueNumber, Unit: unit}
}

func text(key, label string) FieldDescriptor {
	return FieldDescriptor{Key: key, Label: label, Type: ValueText}
}

var presets = map[TestType][]FieldDescriptor{
	TypeLab: {
		num("hemoglobin", "Hemoglobin", "g/dL"),
		num("hematocrit", "Hematocrit", "%"),
		num("leukocyte", "Leukocyte", "10^3/uL"),
		num("erythrocyte", "Erythrocyte", "10^6/uL"),
		num("platelet", "Platelet", "10^3/uL"),
		num("blood_glucose", "Random blood glucose", "mg/dL"),
		text("notes", "Notes"),
	},
	TypeRadiology: {
		text("finding", "Finding"),
		text("image_reference", "Image reference"),
		text("technique", "Technique"),
		text("notes", "Notes"),
	},
	TypeECG: {
		num("heart_rate", "Heart rate", "bpm"),
		text("rhythm", "Rhythm"),
		num("pr_interval", "PR interval", "ms"),
		num("qrs_duration", "QRS duration", "ms"),
		num("qt_interval", "QT interval", "ms"),
		text("interpretation", "Interpretation"),
		text("notes", "Notes"),
	},
	TypeUSG: {
		text("examined_area", "Examined area"),
		text("finding", "Finding"),
		text("image_reference", "Image reference"),
		text("notes", "Notes"),
	},
	TypeOther: {
		text("description", "Description"),
		text("finding", "Finding"),
		text("notes", "Notes"),
	},
}

// SchemaFor returns the preset schema of t.
func SchemaFor(t TestType) (Schema, bool) {
	fields, ok := presets[t]
	if !ok {
		return Schema{}, false
	}
	s := Schema{
		Type:   t,
		Fields: append([]FieldDescriptor(nil), fields...),
		Extras: []FieldDescriptor{text(FieldCaseSummary, "Case summary")},
	}
	if t == TypeRadiology {
		s.Extras = append(s.Extras, text(FieldImpression, "Impression"))
	}
	return s, true
}

// reserved returns the preset and extra keys of s.
func (s Schema) reserved() map[string]bool {
	out := make(map[string]bool, len(s.Fields)+len(s.Extras))
	for _, f := range s.Fields {
		out[f.Key] = true
	}
	for _, f := range s.Extras {
		out[f.Key] = true
	}
	return out
}

// FieldSet is the active field list while results are entered: the preset
// schema of the test type plus caller-registered custom fields.
type FieldSet struct {
	schema Schema
	custom []FieldDescriptor
}

func NewFieldSet(t TestType) (*FieldSet, error) {
	s, ok := SchemaFor(t)
	if !ok {
		return nil, workflow.NewValidationError("test_type", "unknown test type")
	}
	return &FieldSet{schema: s}, nil
}

func (fs *FieldSet) Schema() Schema { return fs.schema }

// Custom returns the registered custom fields in registration order.
func (fs *FieldSet) Custom() []FieldDescriptor {
	return append([]FieldDescriptor(nil), fs.custom...)
}

// Fields returns preset, custom and extra fields, in that order.
func (fs *FieldSet) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(fs.schema.Fields)+len(fs.custom)+len(fs.schema.Extras))
	out = append(out, fs.schema.Fields...)
	out = append(out, fs.custom...)
	return append(out, fs.schema.Extras...)
}

// AddCustom registers fd. Its key must not collide with a preset or extra
// key, an already registered custom key, or a key present in existing. On
// error the field list is unchanged.
func (fs *FieldSet) AddCustom(fd FieldDescriptor, existing *ResultMap) error {
	fd.Key = strings.TrimSpace(fd.Key)
	if err := validate.Struct(fd); err != nil {
		return err
	}
	switch {
	case fs.schema.reserved()[fd.Key]:
		return workflow.NewValidationError("key", fmt.Sprintf("%q is already a %s field", fd.Key, fs.schema.Type))
	case fs.hasCustom(fd.Key):
		return workflow.NewValidationError("key", fmt.Sprintf("%q is already registered", fd.Key))
	case existing.Has(fd.Key):
		return workflow.NewValidationError("key", fmt.Sprintf("%q already has a recorded result", fd.Key))
	}
	fs.custom = append(fs.custom, fd)
	return nil
}

func (fs *FieldSet) hasCustom(key string) bool {
	for _, f := range fs.custom {
		if f.Key == key {
			return true
		}
	}
	return false
}

// BuildResults assembles the result map from raw form values. Fields are
// visited in Fields order; blank values are skipped, numeric fields are
// parsed to float64, and keys outside the field set are ignored. An empty
// map is a validation error.
func (fs *FieldSet) BuildResults(values map[string]string) (*ResultMap, error) {
	out := NewResultMap()
	verr := &workflow.ValidationError{}
	for _, f := range fs.Fields() {
		raw := strings.TrimSpace(values[f.Key])
		if raw == "" {
			continue
		}
		if f.Type != ValueNumber {
			out.Set(f.Key, raw)
			continue
		}
		n, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			verr.Add("results."+f.Key, "must be a number")
			continue
		}
		out.Set(f.Key, n)
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	if out.Len() == 0 {
		return nil, workflow.NewValidationError("results", "at least one result value is required")
	}
	return out, nil
}

var (
	compiledMu sync.Mutex
	compiled   = map[TestType]*gojsonschema.Schema{}
)

// jsonSchema renders s as a JSON Schema for the submitted result object.
// Preset and extra fields are typed; any other key is a custom field and
// may hold a non-empty string or a number. Outside RADIOLOGY impression is
// such a custom key, the same way FieldSet.AddCustom treats it.
func (s Schema) jsonSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Fields)+len(s.Extras))
	for _, f := range append(append([]FieldDescriptor(nil), s.Fields...), s.Extras...) {
		if f.Type == ValueNumber {
			props[f.Key] = map[string]interface{}{"type": "number"}
		} else {
			props[f.Key] = map[string]interface{}{"type": "string", "minLength": 1}
		}
	}
	return map[string]interface{}{
		"type":          "object",
		"minProperties": 1,
		"properties":    props,
		"patternProperties": map[string]interface{}{
			`^[a-z][a-z0-9_]{0,63}$`: map[string]interface{}{
				"type":      []interface{}{"string", "number"},
				"minLength": 1,
			},
		},
		"additionalProperties": false,
	}
}

func compiledSchema(t TestType) (*gojsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if c, ok := compiled[t]; ok {
		return c, nil
	}
	s, ok := SchemaFor(t)
	if !ok {
		return nil, workflow.NewValidationError("test_type", "unknown test type")
	}
	c, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.jsonSchema()))
	if err != nil {
		return nil, fmt.Errorf("compile %s result schema: %w", t, err)
	}
	compiled[t] = c
	return c, nil
}

// ValidateResults checks a submitted result map against the schema of t.
// It is the server-side counterpart of BuildResults.
func ValidateResults(t TestType, results *ResultMap) error {
	if results.Len() == 0 {
		return workflow.NewValidationError("results", "at least one result value is required")
	}
	c, err := compiledSchema(t)
	if err != nil {
		return err
	}
	res, err := c.Validate(gojsonschema.NewGoLoader(results.Map()))
	if err != nil {
		return fmt.Errorf("validate results: %w", err)
	}
	if res.Valid() {
		return nil
	}
	verr := &workflow.ValidationError{}
	for _, re := range res.Errors() {
		field := "results"
		switch {
		case re.Field() != gojsonschema.STRING_ROOT_SCHEMA_PROPERTY && re.Field() != "":
			field += "." + re.Field()
		case re.Type() == "additional_property_not_allowed":
			if p, ok := re.Details()["property"].(string); ok {
				field += "." + p
			}
		}
		if _, dup := verr.Fields[field]; !dup {
			verr.Add(field, re.Description())
		}
	}
	return verr
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m *ResultMap) []string {
	keys := m.Keys()
	sort.Strings(keys)
	return keys
}
