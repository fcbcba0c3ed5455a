package repository

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iago/directory-api/internal/domain"
)

// MemoryStore keeps enrolments, companies and suppliers in process memory for local runs and tests.
// It enforces the same unique and foreign key constraints as the SQL schema; the supplier to
// company reference is checked at commit, like the deferred constraint in Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	enrolments map[string]*domain.Enrolment
	companies  map[string]*domain.Company
	suppliers  map[string]*domain.Supplier
	// notifications is keyed by supplier id, then category.
	notifications map[string]map[domain.NotificationCategory]*domain.SupplierNotification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrolments:    make(map[string]*domain.Enrolment),
		companies:     make(map[string]*domain.Company),
		suppliers:     make(map[string]*domain.Supplier),
		notifications: make(map[string]map[domain.NotificationCategory]*domain.SupplierNotification),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: s}, nil
}

func (s *MemoryStore) GetEnrolmentByMessageID(_ context.Context, messageID string) (*domain.Enrolment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, enrolment := range s.enrolments {
		if enrolment.MessageID == messageID {
			return cloneEnrolment(enrolment), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetCompanyByNumber(_ context.Context, number string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, company := range s.companies {
		if company.Number == number {
			return cloneCompany(company), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetSupplierByEmail(_ context.Context, email string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, supplier := range s.suppliers {
		if supplier.CompanyEmail == email {
			clone := *supplier
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Counts{
		Enrolments: len(s.enrolments),
		Companies:  len(s.companies),
		Suppliers:  len(s.suppliers),
	}, nil
}

func (s *MemoryStore) SuppliersJoinedBetween(_ context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSuppliers(category, func(supplier *domain.Supplier, _ *domain.Company) bool {
		return within(supplier.CreatedAt, start, end)
	}), nil
}

func (s *MemoryStore) SuppliersAwaitingVerification(_ context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSuppliers(category, func(_ *domain.Supplier, company *domain.Company) bool {
		return company != nil &&
			!company.VerifiedWithCode &&
			company.DateVerificationLetterSent != nil &&
			within(*company.DateVerificationLetterSent, start, end)
	}), nil
}

// selectSuppliers expects the read lock to be held. Results are ordered like the SQL query.
func (s *MemoryStore) selectSuppliers(category domain.NotificationCategory, match func(*domain.Supplier, *domain.Company) bool) []domain.Supplier {
	selected := make([]domain.Supplier, 0)
	for _, supplier := range s.suppliers {
		if supplier.Unsubscribed {
			continue
		}
		if _, sent := s.notifications[supplier.ID][category]; sent {
			continue
		}
		if match(supplier, s.companies[supplier.CompanyID]) {
			selected = append(selected, *supplier)
		}
	}
	slices.SortFunc(selected, func(a, b domain.Supplier) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return selected
}

func (s *MemoryStore) RecordNotification(ctx context.Context, notification *domain.SupplierNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[notification.SupplierID]; !ok {
		return newConstraintError("supplier_email_notifications_supplier_id_fkey", ErrForeignKey)
	}
	sent, ok := s.notifications[notification.SupplierID]
	if !ok {
		sent = make(map[domain.NotificationCategory]*domain.SupplierNotification)
		s.notifications[notification.SupplierID] = sent
	}
	if _, dup := sent[notification.Category]; dup {
		return newConstraintError("supplier_email_notifications_supplier_category_key", ErrDuplicateKey)
	}
	clone := *notification
	sent[notification.Category] = &clone
	return nil
}

func (s *MemoryStore) MarkVerificationLetterSent(ctx context.Context, number string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, company := range s.companies {
		if company.Number != number {
			continue
		}
		company.IsVerificationLetterSent = true
		if company.DateVerificationLetterSent == nil {
			sentAt := at
			company.DateVerificationLetterSent = &sentAt
		}
		company.UpdatedAt = at
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) Unsubscribe(ctx context.Context, email string, at time.Time) (*domain.Supplier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, supplier := range s.suppliers {
		if supplier.CompanyEmail != email {
			continue
		}
		supplier.Unsubscribed = true
		supplier.UpdatedAt = at
		clone := *supplier
		return &clone, nil
	}
	return nil, ErrNotFound
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

type memoryTx struct {
	store      *MemoryStore
	enrolments []*domain.Enrolment
	companies  []*domain.Company
	suppliers  []*domain.Supplier
	done       bool
}

func (tx *memoryTx) InsertEnrolment(ctx context.Context, enrolment *domain.Enrolment) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if err := tx.checkEnrolment(enrolment); err != nil {
		return err
	}
	tx.enrolments = append(tx.enrolments, cloneEnrolment(enrolment))
	return nil
}

func (tx *memoryTx) InsertSupplier(ctx context.Context, supplier *domain.Supplier) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if err := tx.checkSupplier(supplier); err != nil {
		return err
	}
	clone := *supplier
	tx.suppliers = append(tx.suppliers, &clone)
	return nil
}

func (tx *memoryTx) InsertCompany(ctx context.Context, company *domain.Company) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if err := tx.checkCompany(company); err != nil {
		return err
	}
	tx.companies = append(tx.companies, cloneCompany(company))
	return nil
}

// Commit re-checks every staged row against committed state, then checks deferred references.
func (tx *memoryTx) Commit(ctx context.Context) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &memoryTx{store: s}
	for _, enrolment := range tx.enrolments {
		if err := staged.checkEnrolment(enrolment); err != nil {
			return err
		}
		staged.enrolments = append(staged.enrolments, enrolment)
	}
	for _, company := range tx.companies {
		if err := staged.checkCompany(company); err != nil {
			return err
		}
		staged.companies = append(staged.companies, company)
	}
	for _, supplier := range tx.suppliers {
		if err := staged.checkSupplier(supplier); err != nil {
			return err
		}
		staged.suppliers = append(staged.suppliers, supplier)
	}
	for _, supplier := range tx.suppliers {
		if !tx.companyExists(supplier.CompanyID) {
			return newConstraintError("suppliers_company_id_fkey", ErrForeignKey)
		}
	}

	for _, enrolment := range tx.enrolments {
		s.enrolments[enrolment.ID] = enrolment
	}
	for _, company := range tx.companies {
		s.companies[company.ID] = company
	}
	for _, supplier := range tx.suppliers {
		s.suppliers[supplier.ID] = supplier
	}
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.enrolments, tx.companies, tx.suppliers = nil, nil, nil
	return nil
}

func (tx *memoryTx) usable(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	return ctx.Err()
}

// The check helpers expect the store lock to be held.

func (tx *memoryTx) checkEnrolment(enrolment *domain.Enrolment) error {
	for _, existing := range tx.store.enrolments {
		if existing.MessageID == enrolment.MessageID {
			return newConstraintError("enrolments_message_id_key", ErrDuplicateKey)
		}
	}
	for _, existing := range tx.enrolments {
		if existing.MessageID == enrolment.MessageID {
			return newConstraintError("enrolments_message_id_key", ErrDuplicateKey)
		}
	}
	return nil
}

func (tx *memoryTx) checkCompany(company *domain.Company) error {
	check := func(existing *domain.Company) error {
		if existing.Number == company.Number {
			return newConstraintError("companies_number_key", ErrDuplicateKey)
		}
		return nil
	}
	for _, existing := range tx.store.companies {
		if err := check(existing); err != nil {
			return err
		}
	}
	for _, existing := range tx.companies {
		if err := check(existing); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) checkSupplier(supplier *domain.Supplier) error {
	check := func(existing *domain.Supplier) error {
		switch {
		case existing.CompanyEmail == supplier.CompanyEmail:
			return newConstraintError("suppliers_company_email_key", ErrDuplicateKey)
		case supplier.SSOID != "" && existing.SSOID == supplier.SSOID:
			return newConstraintError("suppliers_sso_id_key", ErrDuplicateKey)
		case supplier.MobileNumber != "" && existing.MobileNumber == supplier.MobileNumber:
			return newConstraintError("suppliers_mobile_number_key", ErrDuplicateKey)
		case existing.CompanyID == supplier.CompanyID:
			return newConstraintError("suppliers_company_id_key", ErrDuplicateKey)
		}
		return nil
	}
	for _, existing := range tx.store.suppliers {
		if err := check(existing); err != nil {
			return err
		}
	}
	for _, existing := range tx.suppliers {
		if err := check(existing); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) companyExists(id string) bool {
	if _, ok := tx.store.companies[id]; ok {
		return true
	}
	for _, company := range tx.companies {
		if company.ID == id {
			return true
		}
	}
	return false
}

func cloneEnrolment(enrolment *domain.Enrolment) *domain.Enrolment {
	clone := *enrolment
	clone.Data = append(json.RawMessage(nil), enrolment.Data...)
	return &clone
}

func cloneCompany(company *domain.Company) *domain.Company {
	clone := *company
	clone.Aims = append([]string(nil), company.Aims...)
	if company.ContactDetails != nil {
		details := *company.ContactDetails
		clone.ContactDetails = &details
	}
	if company.DateVerificationLetterSent != nil {
		sentAt := *company.DateVerificationLetterSent
		clone.DateVerificationLetterSent = &sentAt
	}
	if company.DateOfCreation != nil {
		date := *company.DateOfCreation
		clone.DateOfCreation = &date
	}
	return &clone
}
