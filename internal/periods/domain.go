package periods

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Status enumerates meal period lifecycle stages.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusEnded    Status = "ENDED"
	StatusLocked   Status = "LOCKED"
	StatusArchived Status = "ARCHIVED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusEnded, StatusLocked, StatusArchived:
		return true
	default:
		return false
	}
}

// Period is a billing cycle scoping meals, expenses and payments of a room.
type Period struct {
	ID             string           `json:"id"`
	RoomID         string           `json:"roomId"`
	Name           string           `json:"name"`
	StartDate      time.Time        `json:"startDate"`
	EndDate        *time.Time       `json:"endDate"`
	Status         Status           `json:"status"`
	IsLocked       bool             `json:"isLocked"`
	OpeningBalance decimal.Decimal  `json:"openingBalance"`
	ClosingBalance *decimal.Decimal `json:"closingBalance"`
	CarryForward   bool             `json:"carryForward"`
	Notes          *string          `json:"notes,omitempty"`
	CreatedBy      string           `json:"createdBy,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Bounded reports whether the period has an end date.
func (p Period) Bounded() bool {
	return p.EndDate != nil
}

// Writable reports whether collaborators may still record child data.
func (p Period) Writable() bool {
	return !p.IsLocked && p.Status != StatusLocked && p.Status != StatusArchived
}

// Summary is the computed financial view of a period. It is never persisted.
type Summary struct {
	Period

	TotalMeals          int64           `json:"totalMeals"`
	TotalGuestMeals     int64           `json:"totalGuestMeals"`
	TotalShoppingAmount decimal.Decimal `json:"totalShoppingAmount"`
	TotalPayments       decimal.Decimal `json:"totalPayments"`
	TotalExtraExpenses  decimal.Decimal `json:"totalExtraExpenses"`
	MemberCount         int64           `json:"memberCount"`
	ActiveMemberCount   int64           `json:"activeMemberCount"`
	TotalExpenses       decimal.Decimal `json:"totalExpenses"`
	NetBalance          decimal.Decimal `json:"netBalance"`
}

// Totals holds the raw aggregation results for a period.
type Totals struct {
	Meals          int64
	GuestMeals     int64
	ShoppingAmount decimal.Decimal
	Payments       decimal.Decimal
	ExtraExpenses  decimal.Decimal
	Members        MemberCounts
}

// MemberCounts splits room membership into all and active members.
type MemberCounts struct {
	Total  int64
	Active int64
}

// NewSummary combines period metadata with aggregated totals.
func NewSummary(p Period, t Totals) Summary {
	expenses := t.ShoppingAmount.Add(t.ExtraExpenses)
	return Summary{
		Period:              p,
		TotalMeals:          t.Meals,
		TotalGuestMeals:     t.GuestMeals,
		TotalShoppingAmount: t.ShoppingAmount,
		TotalPayments:       t.Payments,
		TotalExtraExpenses:  t.ExtraExpenses,
		MemberCount:         t.Members.Total,
		ActiveMemberCount:   t.Members.Active,
		TotalExpenses:       expenses,
		NetBalance:          t.Payments.Sub(expenses).Add(p.OpeningBalance),
	}
}

// Scope narrows aggregation queries to a period and, optionally, a room.
type Scope struct {
	RoomID   string
	PeriodID string
}

// StartPeriodInput captures the fields accepted when opening a period.
type StartPeriodInput struct {
	Name           string           `json:"name" validate:"required,max=120"`
	StartDate      time.Time        `json:"startDate"`
	EndDate        *time.Time       `json:"endDate"`
	OpeningBalance *decimal.Decimal `json:"openingBalance"`
	CarryForward   *bool            `json:"carryForward"`
	Notes          *string          `json:"notes" validate:"omitempty,max=2000"`
}

// Validate ensures the start input is coherent.
func (in StartPeriodInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if in.StartDate.IsZero() {
		return fmt.Errorf("%w: start date required", ErrValidation)
	}
	return validateRange(in.StartDate, in.EndDate)
}

// UpdatePeriodInput captures editable fields; nil means unchanged.
type UpdatePeriodInput struct {
	Name           *string          `json:"name" validate:"omitempty,min=1,max=120"`
	StartDate      *time.Time       `json:"startDate"`
	EndDate        *time.Time       `json:"endDate"`
	OpeningBalance *decimal.Decimal `json:"openingBalance"`
	CarryForward   *bool            `json:"carryForward"`
	Notes          *string          `json:"notes" validate:"omitempty,max=2000"`
}

// RestartInput controls how a period is restarted.
type RestartInput struct {
	NewName  *string `json:"newName" validate:"omitempty,min=1,max=120"`
	WithData bool    `json:"withData"`
}

// UniquenessCheck describes the candidate name and range checked against existing periods.
type UniquenessCheck struct {
	Name      string
	StartDate time.Time
	EndDate   *time.Time
}

// MigrationReport counts the child rows moved per table during a restart.
type MigrationReport map[string]int64

// Total returns the number of moved rows across tables.
func (r MigrationReport) Total() int64 {
	var total int64
	for _, n := range r {
		total += n
	}
	return total
}

func validateRange(start time.Time, end *time.Time) error {
	if end == nil {
		return nil
	}
	if !start.Before(*end) {
		return fmt.Errorf("%w: start date must be before end date", ErrValidation)
	}
	return nil
}

// NormalizeName trims and NFC-normalises a period name. Comparison stays case-sensitive.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func formatRange(p Period) string {
	end := "open"
	if p.EndDate != nil {
		end = p.EndDate.Format(dateLayout)
	}
	return p.StartDate.Format(dateLayout) + " to " + end
}

const dateLayout = "2006-01-02"

var errNilRepository = errors.New("periods: repository not initialised")
