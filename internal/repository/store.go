package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/directory-api/internal/domain"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrForeignKey   = errors.New("foreign key violation")
	ErrTxDone       = errors.New("transaction has already been committed or rolled back")
)

// ConstraintError reports which column of which table rejected a write.
// It matches ErrDuplicateKey or ErrForeignKey with errors.Is.
type ConstraintError struct {
	Table      string
	Field      string
	Constraint string
	Kind       error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s on %s.%s (%s)", e.Kind, e.Table, e.Field, e.Constraint)
}

func (e *ConstraintError) Unwrap() error {
	return e.Kind
}

// Store opens the transactions the enrolment orchestrator writes through.
type Store interface {
	Reader
	NotificationStore
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Tx is one unit of work. Nothing written through it is visible to others until Commit.
// Rollback after Commit returns ErrTxDone and changes nothing.
type Tx interface {
	InsertEnrolment(ctx context.Context, enrolment *domain.Enrolment) error
	InsertSupplier(ctx context.Context, supplier *domain.Supplier) error
	InsertCompany(ctx context.Context, company *domain.Company) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Reader exposes committed state.
type Reader interface {
	GetEnrolmentByMessageID(ctx context.Context, messageID string) (*domain.Enrolment, error)
	GetCompanyByNumber(ctx context.Context, number string) (*domain.Company, error)
	GetSupplierByEmail(ctx context.Context, email string) (*domain.Supplier, error)
	Counts(ctx context.Context) (Counts, error)
}

// NotificationStore selects and records supplier reminders. Selection windows are [start, end)
// and skip suppliers who unsubscribed or already received the given category.
type NotificationStore interface {
	SuppliersJoinedBetween(ctx context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error)
	SuppliersAwaitingVerification(ctx context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error)
	// RecordNotification fails with ErrDuplicateKey when the supplier already has the category.
	RecordNotification(ctx context.Context, notification *domain.SupplierNotification) error
	MarkVerificationLetterSent(ctx context.Context, number string, at time.Time) error
	Unsubscribe(ctx context.Context, email string, at time.Time) (*domain.Supplier, error)
}

type Counts struct {
	Enrolments int
	Companies  int
	Suppliers  int
}

type constraintSpec struct {
	table string
	field string
}

// constraints maps the unique and foreign key names declared in migrations/ to the column they guard.
var constraints = map[string]constraintSpec{
	"enrolments_message_id_key":   {"enrolments", "message_id"},
	"companies_number_key":        {"companies", "number"},
	"suppliers_company_email_key": {"suppliers", "company_email"},
	"suppliers_sso_id_key":        {"suppliers", "sso_id"},
	"suppliers_mobile_number_key": {"suppliers", "mobile_number"},
	"suppliers_company_id_key":    {"suppliers", "company_id"},
	"suppliers_company_id_fkey":   {"suppliers", "company_id"},

	"supplier_email_notifications_supplier_category_key": {"supplier_email_notifications", "category"},
	"supplier_email_notifications_supplier_id_fkey":      {"supplier_email_notifications", "supplier_id"},
}

func newConstraintError(name string, kind error) *ConstraintError {
	spec, ok := constraints[name]
	if !ok {
		spec = constraintSpec{table: "unknown", field: "unknown"}
	}
	return &ConstraintError{Table: spec.table, Field: spec.field, Constraint: name, Kind: kind}
}
