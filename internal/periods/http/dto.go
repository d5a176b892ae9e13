package periodshttp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mealsphere/mealsphere/internal/periods"
)

const dateLayout = "2006-01-02"

// date accepts either a calendar day or an RFC3339 timestamp.
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	t, err := parseDate(raw)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	return t.UTC(), nil
}

func (d *date) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

type startRequest struct {
	Name           string           `json:"name" validate:"required,max=120"`
	StartDate      *date            `json:"startDate" validate:"required"`
	EndDate        *date            `json:"endDate"`
	OpeningBalance *decimal.Decimal `json:"openingBalance"`
	CarryForward   *bool            `json:"carryForward"`
	Notes          *string          `json:"notes" validate:"omitempty,max=2000"`
}

func (req startRequest) input() periods.StartPeriodInput {
	return periods.StartPeriodInput{
		Name:           req.Name,
		StartDate:      req.StartDate.Time,
		EndDate:        req.EndDate.ptr(),
		OpeningBalance: req.OpeningBalance,
		CarryForward:   req.CarryForward,
		Notes:          req.Notes,
	}
}

type endRequest struct {
	EndDate *date `json:"endDate"`
}

type unlockRequest struct {
	Status string `json:"status" validate:"omitempty,oneof=ACTIVE ENDED"`
}

type updateRequest struct {
	Name           *string          `json:"name" validate:"omitempty,min=1,max=120"`
	StartDate      *date            `json:"startDate"`
	EndDate        *date            `json:"endDate"`
	OpeningBalance *decimal.Decimal `json:"openingBalance"`
	CarryForward   *bool            `json:"carryForward"`
	Notes          *string          `json:"notes" validate:"omitempty,max=2000"`
}

func (req updateRequest) input() periods.UpdatePeriodInput {
	return periods.UpdatePeriodInput{
		Name:           req.Name,
		StartDate:      req.StartDate.ptr(),
		EndDate:        req.EndDate.ptr(),
		OpeningBalance: req.OpeningBalance,
		CarryForward:   req.CarryForward,
		Notes:          req.Notes,
	}
}

type restartRequest struct {
	NewName  *string `json:"newName" validate:"omitempty,min=1,max=120"`
	WithData bool    `json:"withData"`
}

func (req restartRequest) input() periods.RestartInput {
	return periods.RestartInput{NewName: req.NewName, WithData: req.WithData}
}

type periodListResponse struct {
	Periods []periods.Period `json:"periods"`
}
