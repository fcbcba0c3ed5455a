package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type SchemaVersion string

const (
	// SchemaLegacy is the flat submission: aims, company_number, company_email, personal_name, referrer, password.
	SchemaLegacy SchemaVersion = "legacy"
	// SchemaNested wraps company and supplier details under a top-level "data" object.
	SchemaNested SchemaVersion = "nested"
)

// Enrolment is the audit record of one registration submission. It is written once and never mutated.
type Enrolment struct {
	ID            string
	MessageID     string
	SchemaVersion SchemaVersion
	Data          json.RawMessage
	CreatedAt     time.Time
}

type LegacyPayload struct {
	Aims          []string `json:"aims" validate:"required,min=1,dive,required"`
	CompanyNumber string   `json:"company_number" validate:"required"`
	CompanyEmail  string   `json:"company_email" validate:"required"`
	PersonalName  string   `json:"personal_name" validate:"required"`
	Referrer      string   `json:"referrer" validate:"required"`
	Password      string   `json:"password" validate:"required"`
}

type NestedPayload struct {
	ExportStatus   string          `json:"export_status" validate:"required"`
	CompanyName    string          `json:"company_name" validate:"required"`
	CompanyNumber  string          `json:"company_number" validate:"required"`
	DateOfCreation string          `json:"date_of_creation" validate:"required"`
	ContactDetails *ContactDetails `json:"contact_details" validate:"required"`
	SSOID          SSOID           `json:"sso_id" validate:"required"`
	CompanyEmail   string          `json:"company_email" validate:"required"`
	MobileNumber   string          `json:"mobile_number,omitempty"`
}

// Payload is a parsed queue message body. Exactly one of Legacy and Nested is set, selected by Version.
type Payload struct {
	Version SchemaVersion
	Legacy  *LegacyPayload
	Nested  *NestedPayload
	Raw     json.RawMessage
}

// MissingField returns the first required key that is absent or empty, or "" when the payload is complete.
func (p Payload) MissingField() string {
	switch p.Version {
	case SchemaLegacy:
		if p.Legacy == nil {
			return "aims"
		}
		return firstMissing(
			requiredKey{"aims", len(p.Legacy.Aims) > 0},
			requiredKey{"company_number", p.Legacy.CompanyNumber != ""},
			requiredKey{"company_email", p.Legacy.CompanyEmail != ""},
			requiredKey{"personal_name", p.Legacy.PersonalName != ""},
			requiredKey{"referrer", p.Legacy.Referrer != ""},
			requiredKey{"password", p.Legacy.Password != ""},
		)
	case SchemaNested:
		if p.Nested == nil {
			return "data"
		}
		return firstMissing(
			requiredKey{"export_status", p.Nested.ExportStatus != ""},
			requiredKey{"company_name", p.Nested.CompanyName != ""},
			requiredKey{"company_number", p.Nested.CompanyNumber != ""},
			requiredKey{"date_of_creation", p.Nested.DateOfCreation != ""},
			requiredKey{"contact_details", p.Nested.ContactDetails != nil},
			requiredKey{"sso_id", p.Nested.SSOID != ""},
			requiredKey{"company_email", p.Nested.CompanyEmail != ""},
		)
	default:
		return "schema_version"
	}
}

type requiredKey struct {
	name    string
	present bool
}

func firstMissing(keys ...requiredKey) string {
	for _, key := range keys {
		if !key.present {
			return key.name
		}
	}
	return ""
}

// SSOID is the single-sign-on user identifier. Upstream sends it either as a JSON number or a string.
type SSOID string

func (s *SSOID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = SSOID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*s = SSOID(number.String())
	return nil
}

func (s SSOID) String() string {
	return string(s)
}
