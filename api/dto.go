/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exchanged with clients, kept separate from domain types so
  the wire format can evolve independently. Monetary fields travel as
  strings to preserve decimal precision.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/investment-engine/invest"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateUserRequest struct {
	FirstName string `json:"firstName"`
	Email     string `json:"email"`
}

type CreatePlanRequest struct {
	Name                  string `json:"name"`
	ProfitRate            string `json:"profitRate"`
	PayoutFrequencyDays   int    `json:"payoutFrequencyDays"`
	CapitalBackOnMaturity bool   `json:"capitalBackOnMaturity"`
	DurationDays          int    `json:"durationDays"`
}

type CreatePositionRequest struct {
	UserID          string `json:"userId"`
	PlanID          string `json:"planId,omitempty"`
	Principal       string `json:"principal"`
	DailyProfitRate string `json:"dailyProfitRate,omitempty"`
	AssetSymbol     string `json:"assetSymbol,omitempty"`
	DurationDays    int    `json:"durationDays,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type PlanResponse struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	ProfitRate            string    `json:"profitRate"`
	PayoutFrequencyDays   int       `json:"payoutFrequencyDays"`
	CapitalBackOnMaturity bool      `json:"capitalBackOnMaturity"`
	DurationDays          int       `json:"durationDays"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

type PositionResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	PlanID          string    `json:"planId,omitempty"`
	Principal       string    `json:"principal"`
	DailyProfitRate string    `json:"dailyProfitRate"`
	AssetSymbol     string    `json:"assetSymbol"`
	CurrentDay      int       `json:"currentDay"`
	DurationDays    int       `json:"durationDays"`
	TotalPaid       string    `json:"totalPaid"`
	Status          string    `json:"status"`
	NextPayoutDate  time.Time `json:"nextPayoutDate"`
	LastUpdated     time.Time `json:"lastUpdated"`
	CreatedAt       time.Time `json:"createdAt"`
}

type WalletResponse struct {
	UserID      string `json:"userId"`
	AssetSymbol string `json:"assetSymbol"`
	Balance     string `json:"balance"`
}

type LedgerEntryResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      string    `json:"amount"`
	AssetSymbol string    `json:"assetSymbol"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Method      string    `json:"method"`
	PlanName    string    `json:"planName,omitempty"`
	PositionID  string    `json:"positionId,omitempty"`
	DayIndex    int       `json:"dayIndex,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PayoutRunResponse struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger"`
	Status      string     `json:"status"`
	Processed   int        `json:"processed"`
	Completed   int        `json:"completed"`
	Skipped     int        `json:"skipped"`
	Errored     int        `json:"errored"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toUserResponse(u invest.User) UserResponse {
	return UserResponse{
		ID:        string(u.ID),
		FirstName: u.FirstName,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

func toPlanResponse(p invest.Plan) PlanResponse {
	return PlanResponse{
		ID:                    string(p.ID),
		Name:                  p.Name,
		ProfitRate:            p.ProfitRate.String(),
		PayoutFrequencyDays:   p.PayoutFrequencyDays,
		CapitalBackOnMaturity: p.CapitalBackOnMaturity,
		DurationDays:          p.DurationDays,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func toPositionResponse(p invest.Position) PositionResponse {
	return PositionResponse{
		ID:              string(p.ID),
		UserID:          string(p.UserID),
		PlanID:          string(p.PlanID),
		Principal:       p.Principal.String(),
		DailyProfitRate: p.DailyProfitRate.String(),
		AssetSymbol:     p.Asset(),
		CurrentDay:      p.CurrentDay,
		DurationDays:    p.DurationDays,
		TotalPaid:       p.TotalPaid.String(),
		Status:          string(p.Status),
		NextPayoutDate:  p.NextPayoutDate,
		LastUpdated:     p.LastUpdated,
		CreatedAt:       p.CreatedAt,
	}
}

func toWalletResponse(w invest.WalletBalance) WalletResponse {
	return WalletResponse{
		UserID:      string(w.UserID),
		AssetSymbol: w.AssetSymbol,
		Balance:     w.Balance.String(),
	}
}

func toLedgerEntryResponse(e invest.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:          string(e.ID),
		UserID:      string(e.UserID),
		Amount:      e.Amount.String(),
		AssetSymbol: e.AssetSymbol,
		Kind:        string(e.Kind),
		Status:      string(e.Status),
		Method:      e.Method,
		PlanName:    e.PlanName,
		PositionID:  string(e.PositionID),
		DayIndex:    e.DayIndex,
		CreatedAt:   e.CreatedAt,
	}
}

func toPayoutRunResponse(r invest.PayoutRun) PayoutRunResponse {
	return PayoutRunResponse{
		ID:          string(r.ID),
		Trigger:     string(r.Trigger),
		Status:      string(r.Status),
		Processed:   r.Processed,
		Completed:   r.Completed,
		Skipped:     r.Skipped,
		Errored:     r.Errored,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// parsePositiveDecimal parses a monetary string and requires it > 0.
func parsePositiveDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}
