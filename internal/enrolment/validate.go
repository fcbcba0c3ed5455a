package enrolment

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/iago/directory-api/internal/domain"
)

const (
	dataKey          = "data"
	schemaVersionKey = "schema_version"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// IsValidEnrolment reports whether body parses into a complete enrolment payload of either schema version.
// It never creates records and never returns an error.
func IsValidEnrolment(body string) bool {
	_, err := Parse(body)
	return err == nil
}

// Parse decodes a queue body into its schema variant and checks the structure of that variant.
// Every failure is a *MalformedPayloadError.
func Parse(body string) (domain.Payload, error) {
	raw := json.RawMessage(body)

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return domain.Payload{}, &MalformedPayloadError{Reason: "body is not a JSON object", Err: err}
	}
	if top == nil {
		return domain.Payload{}, &MalformedPayloadError{Reason: "body is not a JSON object"}
	}

	version, err := schemaVersion(top)
	if err != nil {
		return domain.Payload{}, err
	}

	payload := domain.Payload{Version: version, Raw: append(json.RawMessage(nil), raw...)}
	switch version {
	case domain.SchemaNested:
		payload.Nested, err = parseNested(top[dataKey])
	case domain.SchemaLegacy:
		payload.Legacy, err = parseLegacy(raw)
	}
	if err != nil {
		return domain.Payload{}, err
	}
	return payload, nil
}

// schemaVersion picks the variant from the shape: a top-level "data" key means nested.
// An explicit schema_version must agree with the shape.
func schemaVersion(top map[string]json.RawMessage) (domain.SchemaVersion, error) {
	shape := domain.SchemaLegacy
	if _, ok := top[dataKey]; ok {
		shape = domain.SchemaNested
	}

	declared, ok := top[schemaVersionKey]
	if !ok {
		return shape, nil
	}
	var version string
	if err := json.Unmarshal(declared, &version); err != nil {
		return "", &MalformedPayloadError{Reason: "schema_version must be a string", Fields: []string{schemaVersionKey}, Err: err}
	}
	if domain.SchemaVersion(version) != shape {
		return "", &MalformedPayloadError{
			Reason: "schema_version " + version + " does not match payload shape " + string(shape),
			Fields: []string{schemaVersionKey},
		}
	}
	return shape, nil
}

func parseLegacy(raw json.RawMessage) (*domain.LegacyPayload, error) {
	var payload domain.LegacyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &MalformedPayloadError{Reason: "legacy payload has wrong field types", Err: err}
	}
	if err := checkStruct(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func parseNested(data json.RawMessage) (*domain.NestedPayload, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, &MalformedPayloadError{Reason: "data must be an object", Fields: []string{dataKey}}
	}
	var payload domain.NestedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &MalformedPayloadError{Reason: "nested payload has wrong field types", Err: err}
	}
	if err := checkStruct(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func checkStruct(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &MalformedPayloadError{Reason: "schema check failed", Err: err}
	}
	fields := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		fields = append(fields, fieldErr.Field())
	}
	return &MalformedPayloadError{Reason: "required fields missing or empty", Fields: fields}
}
