package enrolment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/notify"
	"github.com/iago/directory-api/internal/policy"
	"github.com/iago/directory-api/internal/repository"
)

const (
	EmailNotUniqueMessage  = "This email address has already been registered."
	MobileNotUniqueMessage = "This phone number has already been registered."
	SSOIDNotUniqueMessage  = "A supplier with this sso id already exists."
	NumberNotUniqueMessage = "Company with this number already exists."
	NumberLengthMessage    = "Company number must be 8 characters."
	NumberFormatMessage    = "Company number must be 8 digits or 2 letters followed by 6 digits."
	DateFormatMessage      = "Date has wrong format. Use YYYY-MM-DD."
	EmailFormatMessage     = "Enter a valid email address."
)

const (
	companyNumberLength    = 8
	verificationCodeDigits = 12
	maxNameLength          = 255
	maxReferrerLength      = 255
	maxSSOIDLength         = 64
	maxMobileNumberLength  = 20
	maxExportStatusLength  = 20
	dateOfCreationLayout   = "2006-01-02"
	supplierEntity         = "supplier"
	companyEntity          = "company"
)

var companyNumberPattern = regexp.MustCompile(`^(?:\d{8}|[A-Z]{2}\d{6})$`)

var tracer = otel.Tracer("github.com/iago/directory-api/internal/enrolment")

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithBcryptCost sets the cost used to hash legacy passwords. Out-of-range values fall back to bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			cost = bcrypt.DefaultCost
		}
		s.bcryptCost = cost
	}
}

// Service writes the Enrolment, Supplier and Company of one message in a single transaction.
type Service struct {
	store      repository.Store
	publisher  notify.Publisher
	logger     *logging.Logger
	now        func() time.Time
	bcryptCost int
}

func NewService(store repository.Store, publisher notify.Publisher, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateObjects persists all three records of the payload or none of them.
//
// A missing key fails with *MissingFieldError before a transaction is opened. A message id that is
// already recorded fails with *DuplicateMessageError. Bad or conflicting field values fail with
// *FieldValidationError. Events are published only after a successful commit.
func (s *Service) CreateObjects(ctx context.Context, payload domain.Payload, messageID string) (err error) {
	ctx, span := tracer.Start(ctx, "enrolment.CreateObjects")
	span.SetAttributes(
		attribute.String("enrolment.message_id", messageID),
		attribute.String("enrolment.schema_version", string(payload.Version)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if key := payload.MissingField(); key != "" {
		s.logger.Errorw("cannot create enrolment, missing key", "message_id", messageID, "key", key)
		return &MissingFieldError{Key: key}
	}

	data, err := policy.StripKeys(payload.Raw, policy.SecretKeys...)
	if err != nil {
		return fmt.Errorf("prepare enrolment data: %w", err)
	}

	now := s.now().UTC()
	enrolment := &domain.Enrolment{
		ID:            uuid.NewString(),
		MessageID:     messageID,
		SchemaVersion: payload.Version,
		Data:          data,
		CreatedAt:     now,
	}
	companyID := uuid.NewString()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enrolment transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil && !errors.Is(rollbackErr, repository.ErrTxDone) {
			s.logger.Errorw("rollback enrolment transaction", "message_id", messageID, "error", rollbackErr)
		}
	}()

	s.logger.Debugw("saving new enrolment", "message_id", messageID)
	if err := tx.InsertEnrolment(ctx, enrolment); err != nil {
		return s.storageError(messageID, "enrolment", err)
	}

	supplier, err := s.buildSupplier(payload, companyID, now)
	if err != nil {
		return s.invalid(messageID, err)
	}
	if err := tx.InsertSupplier(ctx, supplier); err != nil {
		return s.storageError(messageID, supplierEntity, err)
	}

	company, err := s.buildCompany(payload, companyID, now)
	if err != nil {
		return s.invalid(messageID, err)
	}
	if err := tx.InsertCompany(ctx, company); err != nil {
		return s.storageError(messageID, companyEntity, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.storageError(messageID, "enrolment", err)
	}
	committed = true

	s.logger.Infow("enrolment created",
		"message_id", messageID,
		"schema_version", payload.Version,
		"company_number", company.Number,
		"company_email", policy.MaskEmail(supplier.CompanyEmail),
	)
	s.publish(ctx, messageID, supplier, company)
	return nil
}

func (s *Service) buildSupplier(payload domain.Payload, companyID string, now time.Time) (*domain.Supplier, error) {
	supplier := &domain.Supplier{
		ID:               uuid.NewString(),
		CompanyID:        companyID,
		ConfirmationCode: uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	invalid := &FieldValidationError{Entity: supplierEntity}

	switch payload.Version {
	case domain.SchemaLegacy:
		supplier.CompanyEmail = strings.TrimSpace(payload.Legacy.CompanyEmail)
		supplier.Name = strings.TrimSpace(payload.Legacy.PersonalName)
		supplier.Referrer = strings.TrimSpace(payload.Legacy.Referrer)
		invalid.checkLength("name", supplier.Name, maxNameLength)
		invalid.checkLength("referrer", supplier.Referrer, maxReferrerLength)
		hash, err := bcrypt.GenerateFromPassword([]byte(payload.Legacy.Password), s.bcryptCost)
		if err != nil {
			invalid.add("password", err.Error())
		}
		supplier.PasswordHash = string(hash)
	case domain.SchemaNested:
		supplier.CompanyEmail = strings.TrimSpace(payload.Nested.CompanyEmail)
		supplier.SSOID = payload.Nested.SSOID.String()
		supplier.MobileNumber = strings.TrimSpace(payload.Nested.MobileNumber)
		invalid.checkLength("sso_id", supplier.SSOID, maxSSOIDLength)
		invalid.checkLength("mobile_number", supplier.MobileNumber, maxMobileNumberLength)
	}

	if err := validate.Var(supplier.CompanyEmail, "required,email,max=254"); err != nil {
		invalid.add("company_email", EmailFormatMessage)
	}
	if len(invalid.Fields) > 0 {
		return nil, invalid
	}
	return supplier, nil
}

func (s *Service) buildCompany(payload domain.Payload, companyID string, now time.Time) (*domain.Company, error) {
	code, err := verificationCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	company := &domain.Company{
		ID:               companyID,
		VerificationCode: code,
		IsPublished:      false,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	invalid := &FieldValidationError{Entity: companyEntity}

	switch payload.Version {
	case domain.SchemaLegacy:
		company.Number = strings.TrimSpace(payload.Legacy.CompanyNumber)
		company.Aims = append([]string(nil), payload.Legacy.Aims...)
	case domain.SchemaNested:
		nested := payload.Nested
		company.Number = strings.TrimSpace(nested.CompanyNumber)
		company.Name = strings.TrimSpace(nested.CompanyName)
		company.ExportStatus = strings.TrimSpace(nested.ExportStatus)
		details := *nested.ContactDetails
		company.ContactDetails = &details

		created, err := time.Parse(dateOfCreationLayout, strings.TrimSpace(nested.DateOfCreation))
		if err != nil {
			invalid.add("date_of_creation", DateFormatMessage)
		} else {
			company.DateOfCreation = &created
		}
		invalid.checkLength("name", company.Name, maxNameLength)
		invalid.checkLength("export_status", company.ExportStatus, maxExportStatusLength)
	}

	switch {
	case utf8.RuneCountInString(company.Number) != companyNumberLength:
		invalid.add("number", NumberLengthMessage)
	case !companyNumberPattern.MatchString(company.Number):
		invalid.add("number", NumberFormatMessage)
	}
	if len(invalid.Fields) > 0 {
		return nil, invalid
	}
	return company, nil
}

// storageError maps constraint violations from the store to the enrolment error taxonomy.
func (s *Service) storageError(messageID, entity string, err error) error {
	var constraintErr *repository.ConstraintError
	if !errors.As(err, &constraintErr) || !errors.Is(err, repository.ErrDuplicateKey) {
		s.logger.Errorw("cannot create "+entity, "message_id", messageID, "error", err)
		return fmt.Errorf("create %s: %w", entity, err)
	}

	switch constraintErr.Table + "." + constraintErr.Field {
	case "enrolments.message_id":
		s.logger.Warnw("message already processed", "message_id", messageID)
		return &DuplicateMessageError{MessageID: messageID}
	case "suppliers.company_email":
		return s.invalid(messageID, &FieldValidationError{Entity: supplierEntity, Fields: map[string][]string{"company_email": {EmailNotUniqueMessage}}})
	case "suppliers.mobile_number":
		return s.invalid(messageID, &FieldValidationError{Entity: supplierEntity, Fields: map[string][]string{"mobile_number": {MobileNotUniqueMessage}}})
	case "suppliers.sso_id":
		return s.invalid(messageID, &FieldValidationError{Entity: supplierEntity, Fields: map[string][]string{"sso_id": {SSOIDNotUniqueMessage}}})
	case "companies.number":
		return s.invalid(messageID, &FieldValidationError{Entity: companyEntity, Fields: map[string][]string{"number": {NumberNotUniqueMessage}}})
	default:
		s.logger.Errorw("cannot create "+entity, "message_id", messageID, "error", err)
		return fmt.Errorf("create %s: %w", entity, err)
	}
}

func (s *Service) invalid(messageID string, err error) error {
	var fieldErr *FieldValidationError
	if errors.As(err, &fieldErr) {
		s.logger.Errorw("cannot create "+fieldErr.Entity+", invalid details",
			"message_id", messageID,
			"fields", fieldErr.Fields,
		)
		return fieldErr
	}
	s.logger.Errorw("cannot create enrolment", "message_id", messageID, "error", err)
	return err
}

func (s *Service) publish(ctx context.Context, messageID string, supplier *domain.Supplier, company *domain.Company) {
	occurredAt := s.now().UTC()
	hasAddress := "false"
	if company.ContactDetails != nil {
		hasAddress = "true"
	}

	err := s.publisher.Publish(ctx,
		notify.Event{
			Type:       notify.EventSupplierCreated,
			ID:         supplier.ID,
			OccurredAt: occurredAt,
			Attributes: map[string]string{
				"company_id":        supplier.CompanyID,
				"company_email":     supplier.CompanyEmail,
				"confirmation_code": supplier.ConfirmationCode,
				"message_id":        messageID,
			},
		},
		notify.Event{
			Type:       notify.EventCompanyCreated,
			ID:         company.ID,
			OccurredAt: occurredAt,
			Attributes: map[string]string{
				"number":              company.Number,
				"verification_code":   company.VerificationCode,
				"has_contact_details": hasAddress,
				"message_id":          messageID,
			},
		},
	)
	if err != nil {
		s.logger.Errorw("publish enrolment events", "message_id", messageID, "error", err)
	}
}

func verificationCode() (string, error) {
	var builder strings.Builder
	builder.Grow(verificationCodeDigits)
	for i := 0; i < verificationCodeDigits; i++ {
		digit, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		builder.WriteByte(byte('0' + digit.Int64()))
	}
	return builder.String(), nil
}
