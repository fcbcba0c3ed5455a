package enrolment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/notify"
	"github.com/iago/directory-api/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

// countingStore counts Begin calls on top of the memory store.
type countingStore struct {
	*repository.MemoryStore
	begins   int
	beginErr error
}

func (s *countingStore) Begin(ctx context.Context) (repository.Tx, error) {
	s.begins++
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.MemoryStore.Begin(ctx)
}

type fixture struct {
	store     *countingStore
	publisher *recordingPublisher
	service   *Service
}

func newFixture() *fixture {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	publisher := &recordingPublisher{}
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	service := NewService(store, publisher, logging.NewNoopLogger(),
		WithBcryptCost(bcrypt.MinCost),
		WithClock(func() time.Time { return now }),
	)
	return &fixture{store: store, publisher: publisher, service: service}
}

func (f *fixture) counts(t *testing.T) repository.Counts {
	t.Helper()
	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	return counts
}

func mustParse(t *testing.T, body string) domain.Payload {
	t.Helper()
	payload, err := Parse(body)
	require.NoError(t, err)
	return payload
}

func legacyWith(t *testing.T, overrides map[string]any) domain.Payload {
	t.Helper()
	body := map[string]any{
		"aims":           []string{"AIM1"},
		"company_number": "01234567",
		"company_email":  "a@example.com",
		"personal_name":  "A",
		"referrer":       "x",
		"password":       "p",
	}
	for key, value := range overrides {
		body[key] = value
	}
	return mustParse(t, mustJSON(t, body))
}

func TestCreateObjectsLegacyCreatesTriple(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, legacyBody), "message-1"))
	assert.Equal(t, repository.Counts{Enrolments: 1, Companies: 1, Suppliers: 1}, f.counts(t))

	company, err := f.store.GetCompanyByNumber(ctx, "01234567")
	require.NoError(t, err)
	assert.Equal(t, []string{"AIM1"}, company.Aims)
	assert.False(t, company.IsPublished)
	assert.Len(t, company.VerificationCode, 12)

	supplier, err := f.store.GetSupplierByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, company.ID, supplier.CompanyID)
	assert.Equal(t, "A", supplier.Name)
	assert.Equal(t, "x", supplier.Referrer)
	assert.NotEmpty(t, supplier.ConfirmationCode)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(supplier.PasswordHash), []byte("p")))

	enrolment, err := f.store.GetEnrolmentByMessageID(ctx, "message-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SchemaLegacy, enrolment.SchemaVersion)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(enrolment.Data, &stored))
	assert.NotContains(t, stored, "password")
	assert.Equal(t, "01234567", stored["company_number"])
}

func TestCreateObjectsNestedCreatesTriple(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, nestedBody), "message-1"))

	company, err := f.store.GetCompanyByNumber(ctx, "01234567")
	require.NoError(t, err)
	assert.Equal(t, "Acme Ltd", company.Name)
	assert.Equal(t, "YES", company.ExportStatus)
	require.NotNil(t, company.DateOfCreation)
	assert.Equal(t, "2001-02-03", company.DateOfCreation.Format("2006-01-02"))
	require.NotNil(t, company.ContactDetails)
	assert.Equal(t, "N1 1AA", company.ContactDetails.PostalCode)

	supplier, err := f.store.GetSupplierByEmail(ctx, "jim@example.com")
	require.NoError(t, err)
	assert.Equal(t, "42", supplier.SSOID)
	assert.Equal(t, "07700900123", supplier.MobileNumber)
	assert.Empty(t, supplier.PasswordHash)
}

func TestCreateObjectsStoresLargeSSOIDExactly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	body := `{"data": {"export_status": "YES", "company_name": "Acme", "company_number": "01234567",
		"date_of_creation": "2001-02-03", "contact_details": {}, "sso_id": 12345678901234567891,
		"company_email": "a@example.com"}}`

	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, body), "message-1"))

	supplier, err := f.store.GetSupplierByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567891", supplier.SSOID)

	enrolment, err := f.store.GetEnrolmentByMessageID(ctx, "message-1")
	require.NoError(t, err)
	assert.Contains(t, string(enrolment.Data), `"sso_id":12345678901234567891`)
}

func TestCreateObjectsEnforcesColumnLengthsInCharacters(t *testing.T) {
	t.Run("referrer", func(t *testing.T) {
		f := newFixture()
		err := f.service.CreateObjects(context.Background(),
			legacyWith(t, map[string]any{"referrer": strings.Repeat("r", 256)}), "message-1")

		var fieldErr *FieldValidationError
		require.ErrorAs(t, err, &fieldErr)
		assert.Equal(t, "supplier", fieldErr.Entity)
		assert.Contains(t, fieldErr.Fields, "referrer")
		assert.Equal(t, repository.Counts{}, f.counts(t))
	})

	t.Run("multibyte name within limit", func(t *testing.T) {
		f := newFixture()
		name := strings.Repeat("é", maxNameLength)
		require.NoError(t, f.service.CreateObjects(context.Background(),
			legacyWith(t, map[string]any{"personal_name": name}), "message-1"))
	})

	t.Run("sso_id", func(t *testing.T) {
		f := newFixture()
		body := mustJSON(t, map[string]any{"data": map[string]any{
			"export_status": "YES", "company_name": "Acme", "company_number": "01234567",
			"date_of_creation": "2001-02-03", "contact_details": map[string]any{},
			"sso_id": strings.Repeat("9", maxSSOIDLength+1), "company_email": "a@example.com",
		}})
		err := f.service.CreateObjects(context.Background(), mustParse(t, body), "message-1")

		var fieldErr *FieldValidationError
		require.ErrorAs(t, err, &fieldErr)
		assert.Contains(t, fieldErr.Fields, "sso_id")
		assert.Equal(t, repository.Counts{}, f.counts(t))
	})
}

func TestCreateObjectsPublishesAfterCommit(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.service.CreateObjects(context.Background(), mustParse(t, legacyBody), "message-1"))

	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.EventSupplierCreated, events[0].Type)
	assert.Equal(t, "a@example.com", events[0].Attributes["company_email"])
	assert.Equal(t, notify.EventCompanyCreated, events[1].Type)
	assert.Equal(t, "01234567", events[1].Attributes["number"])
	assert.Equal(t, "false", events[1].Attributes["has_contact_details"])
}

func TestCreateObjectsIgnoresPublishFailure(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("redis down")

	require.NoError(t, f.service.CreateObjects(context.Background(), mustParse(t, legacyBody), "message-1"))
	assert.Equal(t, 1, f.counts(t).Companies)
}

func TestCreateObjectsRedeliveredMessageIsDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	payload := mustParse(t, legacyBody)

	require.NoError(t, f.service.CreateObjects(ctx, payload, "message-1"))
	err := f.service.CreateObjects(ctx, payload, "message-1")

	var duplicate *DuplicateMessageError
	require.ErrorAs(t, err, &duplicate)
	assert.Equal(t, "message-1", duplicate.MessageID)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Equal(t, repository.Counts{Enrolments: 1, Companies: 1, Suppliers: 1}, f.counts(t))
	assert.Len(t, f.publisher.Events(), 2, "no events for the duplicate")
}

func TestCreateObjectsShortCompanyNumberRollsBackEverything(t *testing.T) {
	f := newFixture()

	err := f.service.CreateObjects(context.Background(), legacyWith(t, map[string]any{"company_number": "1234567"}), "message-1")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "company", fieldErr.Entity)
	assert.Equal(t, []string{NumberLengthMessage}, fieldErr.Fields["number"])
	assert.Equal(t, repository.Counts{}, f.counts(t))
	assert.Empty(t, f.publisher.Events())
}

func TestCreateObjectsCompanyNumberFormat(t *testing.T) {
	cases := map[string]bool{
		"01234567": true,
		"SC123456": true,
		"sc123456": false,
		"0123456X": false,
		"ABCDEFGH": false,
	}
	for number, valid := range cases {
		t.Run(number, func(t *testing.T) {
			f := newFixture()
			err := f.service.CreateObjects(context.Background(), legacyWith(t, map[string]any{"company_number": number}), "message-1")
			if valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrFieldValidation)
			assert.Equal(t, repository.Counts{}, f.counts(t))
		})
	}
}

func TestCreateObjectsInvalidEmailIsFieldError(t *testing.T) {
	f := newFixture()

	err := f.service.CreateObjects(context.Background(), legacyWith(t, map[string]any{"company_email": "not-an-email"}), "message-1")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "supplier", fieldErr.Entity)
	assert.Contains(t, fieldErr.Fields, "company_email")
	assert.Equal(t, repository.Counts{}, f.counts(t))
}

func TestCreateObjectsDuplicateEmailRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, legacyBody), "message-1"))

	err := f.service.CreateObjects(ctx, legacyWith(t, map[string]any{"company_number": "07654321"}), "message-2")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, []string{EmailNotUniqueMessage}, fieldErr.Fields["company_email"])
	assert.Equal(t, repository.Counts{Enrolments: 1, Companies: 1, Suppliers: 1}, f.counts(t))

	_, err = f.store.GetEnrolmentByMessageID(ctx, "message-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateObjectsDuplicateCompanyNumberRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, legacyBody), "message-1"))

	err := f.service.CreateObjects(ctx, legacyWith(t, map[string]any{"company_email": "b@example.com"}), "message-2")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, []string{NumberNotUniqueMessage}, fieldErr.Fields["number"])
	assert.Equal(t, repository.Counts{Enrolments: 1, Companies: 1, Suppliers: 1}, f.counts(t))
}

func TestCreateObjectsDuplicateMobileNumber(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.service.CreateObjects(ctx, mustParse(t, nestedBody), "message-1"))

	body := `{"data": {"export_status": "YES", "company_name": "Other", "company_number": "07654321",
		"date_of_creation": "2001-02-03", "contact_details": {}, "sso_id": 7, "company_email": "other@example.com",
		"mobile_number": "07700900123"}}`
	err := f.service.CreateObjects(ctx, mustParse(t, body), "message-2")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, []string{MobileNotUniqueMessage}, fieldErr.Fields["mobile_number"])
}

func TestCreateObjectsNestedBadDate(t *testing.T) {
	f := newFixture()
	body := `{"data": {"export_status": "YES", "company_name": "Acme", "company_number": "01234567",
		"date_of_creation": "03/02/2001", "contact_details": {}, "sso_id": 1, "company_email": "a@example.com"}}`

	err := f.service.CreateObjects(context.Background(), mustParse(t, body), "message-1")

	var fieldErr *FieldValidationError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, []string{DateFormatMessage}, fieldErr.Fields["date_of_creation"])
	assert.Equal(t, repository.Counts{}, f.counts(t))
}

func TestCreateObjectsMissingKeyFailsBeforeAnyWrite(t *testing.T) {
	f := newFixture()
	payload := domain.Payload{
		Version: domain.SchemaLegacy,
		Legacy: &domain.LegacyPayload{
			Aims:          []string{"AIM1"},
			CompanyNumber: "01234567",
			CompanyEmail:  "a@example.com",
			PersonalName:  "A",
			Password:      "p",
		},
		Raw: json.RawMessage(`{}`),
	}

	err := f.service.CreateObjects(context.Background(), payload, "message-1")

	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "referrer", missing.Key)
	assert.Equal(t, `missing key: "referrer"`, err.Error())
	assert.Zero(t, f.store.begins, "no transaction is opened")
}

func TestCreateObjectsStorageFailureIsUnclassified(t *testing.T) {
	f := newFixture()
	f.store.beginErr = errors.New("connection refused")

	err := f.service.CreateObjects(context.Background(), mustParse(t, legacyBody), "message-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateMessage)
	assert.NotErrorIs(t, err, ErrFieldValidation)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFieldValidationErrorMessageIsSorted(t *testing.T) {
	err := &FieldValidationError{Entity: "company", Fields: map[string][]string{
		"number": {"bad"},
		"name":   {"long"},
	}}
	assert.Equal(t, "cannot create company, invalid details: name: long; number: bad", err.Error())
}
