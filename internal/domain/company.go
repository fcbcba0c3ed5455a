package domain

import "time"

// Company is a business registered in the directory. Number is unique and a company is never
// published on creation.
type Company struct {
	ID                         string
	Number                     string
	Name                       string
	ExportStatus               string
	DateOfCreation             *time.Time
	ContactDetails             *ContactDetails
	Aims                       []string
	VerificationCode           string
	IsVerificationLetterSent   bool
	// DateVerificationLetterSent is set when the letter is reported posted; reminders count from it.
	DateVerificationLetterSent *time.Time
	VerifiedWithCode           bool
	IsPublished                bool
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// ContactDetails is the postal contact used for verification letters.
type ContactDetails struct {
	Title          string `json:"title,omitempty"`
	FirstName      string `json:"firstname,omitempty"`
	LastName       string `json:"lastname,omitempty"`
	PostalFullName string `json:"postal_full_name,omitempty"`
	AddressLine1   string `json:"address_line_1,omitempty"`
	AddressLine2   string `json:"address_line_2,omitempty"`
	Locality       string `json:"locality,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
	Country        string `json:"country,omitempty"`
	EmailAddress   string `json:"email_address,omitempty"`
}

// Supplier is the person who enrolled the company; one supplier per company.
type Supplier struct {
	ID                      string
	CompanyID               string
	SSOID                   string
	CompanyEmail            string
	Name                    string
	Referrer                string
	PasswordHash            string
	MobileNumber            string
	ConfirmationCode        string
	IsCompanyEmailConfirmed bool
	Unsubscribed            bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
