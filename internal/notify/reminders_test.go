package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) emails(category domain.NotificationCategory) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var emails []string
	for _, event := range p.events {
		if event.Type == EventSupplierReminder && event.Attributes["category"] == string(category) {
			emails = append(emails, event.Attributes["company_email"])
		}
	}
	return emails
}

type seededSupplier struct {
	key      string
	joined   time.Time
	verified bool
}

func seed(t *testing.T, store *repository.MemoryStore, suppliers ...seededSupplier) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for i, s := range suppliers {
		companyID := "company-" + s.key
		require.NoError(t, tx.InsertCompany(ctx, &domain.Company{
			ID:               companyID,
			Number:           "0200000" + string(rune('0'+i)),
			VerifiedWithCode: s.verified,
			CreatedAt:        s.joined,
			UpdatedAt:        s.joined,
		}))
		require.NoError(t, tx.InsertSupplier(ctx, &domain.Supplier{
			ID:           "supplier-" + s.key,
			CompanyID:    companyID,
			CompanyEmail: s.key + "@example.com",
			Name:         s.key,
			CreatedAt:    s.joined,
			UpdatedAt:    s.joined,
		}))
	}
	require.NoError(t, tx.Commit(ctx))
}

var reminderNow = time.Date(2016, 12, 16, 19, 11, 0, 0, time.UTC)

func newTestReminders(store repository.NotificationStore, publisher Publisher, now time.Time) *Reminders {
	return NewReminders(store, publisher, logging.NewNoopLogger(), ReminderConfig{
		NoCaseStudiesDays:               8,
		VerificationCodeNotGivenDays:    8,
		VerificationCodeSecondEmailDays: 16,
	}, WithReminderClock(func() time.Time { return now }))
}

func TestRunDueNoCaseStudiesSelectsWholeDay(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store,
		seededSupplier{key: "early", joined: time.Date(2016, 12, 8, 0, 0, 1, 0, time.UTC)},
		seededSupplier{key: "late", joined: time.Date(2016, 12, 8, 23, 59, 59, 0, time.UTC)},
		seededSupplier{key: "before", joined: time.Date(2016, 12, 7, 23, 59, 59, 0, time.UTC)},
		seededSupplier{key: "after", joined: time.Date(2016, 12, 9, 0, 0, 1, 0, time.UTC)},
	)
	publisher := &recordingPublisher{}

	summary, err := newTestReminders(store, publisher, reminderNow).RunDue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary[domain.NotificationNoCaseStudies])
	assert.Equal(t, []string{"early@example.com", "late@example.com"}, publisher.emails(domain.NotificationNoCaseStudies))
}

func TestRunDueSendsEachCategoryOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, seededSupplier{key: "jim", joined: reminderNow.AddDate(0, 0, -8)})
	publisher := &recordingPublisher{}
	reminders := newTestReminders(store, publisher, reminderNow)

	first, err := reminders.RunDue(context.Background())
	require.NoError(t, err)
	second, err := reminders.RunDue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first[domain.NotificationNoCaseStudies])
	assert.Zero(t, second[domain.NotificationNoCaseStudies])
	assert.Len(t, publisher.emails(domain.NotificationNoCaseStudies), 1)
}

func TestRunDueVerificationReminders(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	joined := reminderNow.AddDate(0, -1, 0)
	seed(t, store,
		seededSupplier{key: "first", joined: joined},
		seededSupplier{key: "second", joined: joined},
		seededSupplier{key: "verified", joined: joined, verified: true},
		seededSupplier{key: "unsubscribed", joined: joined},
		seededSupplier{key: "noletter", joined: joined},
	)
	eightDaysAgo := reminderNow.AddDate(0, 0, -8)
	sixteenDaysAgo := reminderNow.AddDate(0, 0, -16)
	require.NoError(t, store.MarkVerificationLetterSent(ctx, "02000000", eightDaysAgo))
	require.NoError(t, store.MarkVerificationLetterSent(ctx, "02000001", sixteenDaysAgo))
	require.NoError(t, store.MarkVerificationLetterSent(ctx, "02000002", eightDaysAgo))
	require.NoError(t, store.MarkVerificationLetterSent(ctx, "02000003", eightDaysAgo))
	_, err := store.Unsubscribe(ctx, "unsubscribed@example.com", reminderNow)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	summary, err := newTestReminders(store, publisher, reminderNow).RunDue(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{"first@example.com"}, publisher.emails(domain.NotificationVerificationCodeNotGiven))
	assert.Equal(t, []string{"second@example.com"}, publisher.emails(domain.NotificationVerificationCode2ndEmail))
	assert.Equal(t, 1, summary[domain.NotificationVerificationCodeNotGiven])
	assert.Equal(t, 1, summary[domain.NotificationVerificationCode2ndEmail])
}

func TestRunDueSkipsDisabledReminders(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, seededSupplier{key: "jim", joined: reminderNow.AddDate(0, 0, -8)})
	publisher := &recordingPublisher{}
	reminders := NewReminders(store, publisher, logging.NewNoopLogger(), ReminderConfig{},
		WithReminderClock(func() time.Time { return reminderNow }))

	summary, err := reminders.RunDue(context.Background())

	require.NoError(t, err)
	assert.Empty(t, summary)
	assert.Empty(t, publisher.events)
}

func TestRunDueReportsPublishFailures(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, seededSupplier{key: "jim", joined: reminderNow.AddDate(0, 0, -8)})
	publisher := &recordingPublisher{err: errors.New("redis down")}

	summary, err := newTestReminders(store, publisher, reminderNow).RunDue(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Zero(t, summary[domain.NotificationNoCaseStudies])
}

func TestUnsubscribeMarksSupplierAndPublishes(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, seededSupplier{key: "jim", joined: reminderNow.AddDate(0, 0, -8)})
	publisher := &recordingPublisher{}
	reminders := newTestReminders(store, publisher, reminderNow)

	require.NoError(t, reminders.Unsubscribe(context.Background(), "jim@example.com"))

	supplier, err := store.GetSupplierByEmail(context.Background(), "jim@example.com")
	require.NoError(t, err)
	assert.True(t, supplier.Unsubscribed)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, EventSupplierUnsubscribed, publisher.events[0].Type)

	summary, err := reminders.RunDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary[domain.NotificationNoCaseStudies])

	assert.ErrorIs(t, reminders.Unsubscribe(context.Background(), "nobody@example.com"), repository.ErrNotFound)
}

func TestLetterSentRecordsDate(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, seededSupplier{key: "jim", joined: reminderNow})

	require.NoError(t, newTestReminders(store, &recordingPublisher{}, reminderNow).LetterSent(context.Background(), "02000000"))

	company, err := store.GetCompanyByNumber(context.Background(), "02000000")
	require.NoError(t, err)
	require.NotNil(t, company.DateVerificationLetterSent)
	assert.Equal(t, reminderNow, *company.DateVerificationLetterSent)
}

func TestDayWindow(t *testing.T) {
	start, end := dayWindow(reminderNow, 8)
	assert.Equal(t, time.Date(2016, 12, 8, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2016, 12, 9, 0, 0, 0, 0, time.UTC), end)
}
