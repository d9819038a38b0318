package models

import "time"

// Provider identifies how an account is connected
type Provider string

const (
	ProviderOutlook Provider = "outlook"
	ProviderGmail   Provider = "gmail"
	ProviderIMAP    Provider = "imap"
	ProviderNylas   Provider = "nylas"
)

// Valid reports whether p is one of the known providers
func (p Provider) Valid() bool {
	switch p {
	case ProviderOutlook, ProviderGmail, ProviderIMAP, ProviderNylas:
		return true
	}
	return false
}

// Folder is the normalized mailbox a message lives in
type Folder string

const (
	FolderInbox Folder = "inbox"
	FolderSent  Folder = "sent"
	FolderTrash Folder = "trash"
	FolderSpam  Folder = "spam"
)

// AppointmentStatus is the normalized calendar event status
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Account is one connected mailbox/calendar
type Account struct {
	ID             string
	UserID         string
	OrganizationID string
	Provider       Provider
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiry    time.Time
	LastSync       time.Time
	Connected      bool

	// Nylas grant and the mailbox provider behind it (google, microsoft, ...)
	NylasGrantID  string
	NylasProvider string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	SMTPHost     string
	SMTPPort     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenExpired reports whether the access token must be refreshed at now.
// An expiry equal to now counts as expired.
func (a *Account) TokenExpired(now time.Time) bool {
	return !a.TokenExpiry.After(now)
}

// Message is the canonical email row shared by every provider
type Message struct {
	ID             string
	AccountID      string
	UserID         string
	OrganizationID string
	MessageID      string // provider-assigned, unique per account
	ThreadID       string
	Subject        string
	From           string
	To             []string
	Cc             []string
	Bcc            []string
	BodyText       string
	BodyHTML       string
	Folder         Folder
	IsRead         bool
	IsStarred      bool
	ReceivedAt     time.Time
}

// Attendee is one calendar event participant
type Attendee struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// Appointment is the canonical calendar event row
type Appointment struct {
	ID              string
	AccountID       string
	UserID          string
	OrganizationID  string
	CalendarEventID string
	CalendarID      string
	Title           string
	Description     string
	Location        string
	StartTime       time.Time
	EndTime         time.Time
	Status          AppointmentStatus
	Attendees       []Attendee
}

// OAuthState correlates an authorization redirect with the user who started it
type OAuthState struct {
	State     string
	UserID    string
	Provider  Provider
	CreatedAt time.Time
	ExpiresAt time.Time
}
