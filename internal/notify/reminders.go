package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/repository"
)

const (
	EventSupplierReminder     = "supplier.reminder"
	EventSupplierUnsubscribed = "supplier.unsubscribed"
)

// ReminderConfig sets how many days after the reference date each reminder goes out.
// A non-positive value disables that reminder.
type ReminderConfig struct {
	NoCaseStudiesDays               int
	VerificationCodeNotGivenDays    int
	VerificationCodeSecondEmailDays int
}

// ReminderSummary counts the reminders published per category in one run.
type ReminderSummary map[domain.NotificationCategory]int

type ReminderOption func(*Reminders)

func WithReminderClock(now func() time.Time) ReminderOption {
	return func(r *Reminders) {
		r.now = now
	}
}

// Reminders nudges suppliers whose account is incomplete. Downstream consumers turn the
// published events into emails.
type Reminders struct {
	store     repository.NotificationStore
	publisher Publisher
	logger    *logging.Logger
	cfg       ReminderConfig
	now       func() time.Time
}

func NewReminders(store repository.NotificationStore, publisher Publisher, logger *logging.Logger, cfg ReminderConfig, opts ...ReminderOption) *Reminders {
	r := &Reminders{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type reminderJob struct {
	category domain.NotificationCategory
	days     int
	selectFn func(ctx context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error)
}

// RunDue publishes every reminder whose day is today. A reminder targets suppliers whose
// reference date (joining, or the verification letter) falls on the UTC day that many days ago.
// The category is recorded before the event is published, so a supplier is reminded at most once
// even when runs overlap.
func (r *Reminders) RunDue(ctx context.Context) (ReminderSummary, error) {
	now := r.now().UTC()
	jobs := []reminderJob{
		// No case studies are stored by this service, so every company still lacks one.
		{domain.NotificationNoCaseStudies, r.cfg.NoCaseStudiesDays, r.store.SuppliersJoinedBetween},
		{domain.NotificationVerificationCodeNotGiven, r.cfg.VerificationCodeNotGivenDays, r.store.SuppliersAwaitingVerification},
		{domain.NotificationVerificationCode2ndEmail, r.cfg.VerificationCodeSecondEmailDays, r.store.SuppliersAwaitingVerification},
	}

	summary := ReminderSummary{}
	var errs []error
	for _, job := range jobs {
		if job.days <= 0 {
			continue
		}
		start, end := dayWindow(now, job.days)
		suppliers, err := job.selectFn(ctx, start, end, job.category)
		if err != nil {
			errs = append(errs, fmt.Errorf("select %s: %w", job.category, err))
			continue
		}
		for i := range suppliers {
			sent, err := r.remind(ctx, job.category, &suppliers[i], now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if sent {
				summary[job.category]++
			}
		}
		r.logger.Infow("reminders sent", "category", job.category, "count", summary[job.category], "window_start", start)
	}
	return summary, errors.Join(errs...)
}

func (r *Reminders) remind(ctx context.Context, category domain.NotificationCategory, supplier *domain.Supplier, now time.Time) (bool, error) {
	err := r.store.RecordNotification(ctx, &domain.SupplierNotification{
		ID:         uuid.NewString(),
		SupplierID: supplier.ID,
		Category:   category,
		DateSent:   now,
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		r.logger.Debugw("reminder already recorded", "supplier_id", supplier.ID, "category", category)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record %s for %s: %w", category, supplier.ID, err)
	}

	err = r.publisher.Publish(ctx, Event{
		Type:       EventSupplierReminder,
		ID:         supplier.ID,
		OccurredAt: now,
		Attributes: map[string]string{
			"category":      string(category),
			"company_id":    supplier.CompanyID,
			"company_email": supplier.CompanyEmail,
			"name":          supplier.Name,
		},
	})
	if err != nil {
		r.logger.Errorw("publish reminder failed", "supplier_id", supplier.ID, "category", category, "error", err)
		return false, fmt.Errorf("publish %s for %s: %w", category, supplier.ID, err)
	}
	return true, nil
}

// Unsubscribe stops all reminders to the supplier registered with email and announces it.
func (r *Reminders) Unsubscribe(ctx context.Context, email string) error {
	now := r.now().UTC()
	supplier, err := r.store.Unsubscribe(ctx, email, now)
	if err != nil {
		return err
	}
	err = r.publisher.Publish(ctx, Event{
		Type:       EventSupplierUnsubscribed,
		ID:         supplier.ID,
		OccurredAt: now,
		Attributes: map[string]string{
			"company_email": supplier.CompanyEmail,
			"name":          supplier.Name,
		},
	})
	if err != nil {
		r.logger.Errorw("publish unsubscribe failed", "supplier_id", supplier.ID, "error", err)
	}
	return nil
}

// LetterSent records that the verification letter of company number was posted.
func (r *Reminders) LetterSent(ctx context.Context, number string) error {
	return r.store.MarkVerificationLetterSent(ctx, number, r.now().UTC())
}

// dayWindow is the UTC day that lies days before now.
func dayWindow(now time.Time, days int) (time.Time, time.Time) {
	day := now.AddDate(0, 0, -days)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
