package enrolment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	ErrMalformedPayload = errors.New("malformed enrolment payload")
	ErrDuplicateMessage = errors.New("message already processed")
	ErrFieldValidation  = errors.New("field validation failed")
	ErrMissingField     = errors.New("missing required key")
)

// MalformedPayloadError means the body cannot be parsed or fails the schema; such messages are dead-lettered.
type MalformedPayloadError struct {
	Reason string
	Fields []string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	message := "malformed enrolment payload: " + e.Reason
	if len(e.Fields) > 0 {
		message += " (" + strings.Join(e.Fields, ", ") + ")"
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// DuplicateMessageError means the message id is already recorded, so the work was committed before.
type DuplicateMessageError struct {
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("message %q already processed", e.MessageID)
}

func (e *DuplicateMessageError) Is(target error) bool {
	return target == ErrDuplicateMessage
}

// FieldValidationError lists field-level problems of one entity, keyed by field name.
type FieldValidationError struct {
	Entity string
	Fields map[string][]string
}

func (e *FieldValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+strings.Join(e.Fields[name], " "))
	}
	return fmt.Sprintf("cannot create %s, invalid details: %s", e.Entity, strings.Join(parts, "; "))
}

func (e *FieldValidationError) Is(target error) bool {
	return target == ErrFieldValidation
}

func (e *FieldValidationError) add(field, problem string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], problem)
}

// checkLength counts characters, not bytes, matching VARCHAR(n).
func (e *FieldValidationError) checkLength(field, value string, limit int) {
	if utf8.RuneCountInString(value) > limit {
		e.add(field, fmt.Sprintf("Ensure this field has no more than %d characters.", limit))
	}
}

// MissingFieldError names the first required payload key that was absent.
type MissingFieldError struct {
	Key string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing key: %q", e.Key)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}
