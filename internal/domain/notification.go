package domain

import "time"

// NotificationCategory names one reminder email. A supplier receives each category at most once.
type NotificationCategory string

const (
	NotificationNoCaseStudies            NotificationCategory = "no_case_studies"
	NotificationVerificationCodeNotGiven NotificationCategory = "verification_code_not_given"
	NotificationVerificationCode2ndEmail NotificationCategory = "verification_code_2nd_email"
)

// SupplierNotification records that a reminder of Category went to a supplier.
type SupplierNotification struct {
	ID         string
	SupplierID string
	Category   NotificationCategory
	DateSent   time.Time
}
