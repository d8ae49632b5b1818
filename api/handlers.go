/*
handlers.go - HTTP API handlers for the payout engine

PURPOSE:
  Exposes the payout engine via REST. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Payouts:
    POST   /api/payouts/run            Run one batch now (auth required)
    GET    /api/payouts/runs           Recent payout-run records

  Plans:
    GET    /api/plans                  List plans
    POST   /api/plans                  Create plan (auth required)
    GET    /api/plans/{id}             Get plan
    PUT    /api/plans/{id}             Update plan (auth required)
    DELETE /api/plans/{id}             Delete plan (auth required)

  Users:
    POST   /api/users                  Create user (auth required)
    GET    /api/users                  List users
    GET    /api/users/{id}/positions   User's positions
    GET    /api/users/{id}/wallets     User's balances
    GET    /api/users/{id}/ledger      User's ledger entries

  Positions:
    POST   /api/positions              Subscribe to a plan / create custom
    GET    /api/positions/{id}         Get position
    GET    /api/positions/{id}/ledger  Entries created for a position

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: The timer-driven path into the same engine
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/investment-engine/invest"
)

// Store bundles every persistence interface the API consumes. Both the
// sqlite store and the in-memory store satisfy it.
type Store interface {
	invest.PositionStore
	invest.PlanStore
	invest.WalletStore
	invest.Ledger
	invest.Books
	invest.UserDirectory
	invest.RunLog
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Store
	Engine *invest.Engine
}

// NewHandler creates a new handler over store and engine.
func NewHandler(store Store, engine *invest.Engine) *Handler {
	return &Handler{Store: store, Engine: engine}
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// RunPayouts synchronously runs one batch. It shares the run lease with
// the timers: a run already in flight is an idempotent no-op, not an
// error to the caller.
func (h *Handler) RunPayouts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.Run(r.Context(), invest.TriggerManual)
	if err != nil {
		if errors.Is(err, invest.ErrRunInProgress) {
			respondJSON(w, http.StatusOK, StatusResponse{
				Status:  "ok",
				Message: "payout run already in progress",
			})
			return
		}
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Message: fmt.Sprintf("processed %d positions (%d completed, %d skipped, %d errored)",
			summary.Processed, summary.Completed, summary.Skipped, summary.Errored),
	})
}

// ListRuns returns recent payout-run records, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]PayoutRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toPayoutRunResponse(run))
	}
	respondJSON(w, http.StatusOK, out)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	rate, ok := parsePositiveDecimal(req.ProfitRate)
	if !ok {
		respondError(w, http.StatusBadRequest, "profitRate must be a positive decimal")
		return
	}
	if req.DurationDays <= 0 {
		respondError(w, http.StatusBadRequest, "durationDays must be positive")
		return
	}

	now := time.Now().UTC()
	plan := &invest.Plan{
		ID:                    invest.PlanID(uuid.NewString()),
		Name:                  req.Name,
		ProfitRate:            rate,
		PayoutFrequencyDays:   req.PayoutFrequencyDays,
		CapitalBackOnMaturity: req.CapitalBackOnMaturity,
		DurationDays:          req.DurationDays,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := h.Store.CreatePlan(r.Context(), plan); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toPlanResponse(*plan))
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.ListPlans(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := invest.PlanID(chi.URLParam(r, "id"))

	plan, err := h.Store.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, invest.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(*plan))
}

func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := invest.PlanID(chi.URLParam(r, "id"))

	existing, err := h.Store.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, invest.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	rate, ok := parsePositiveDecimal(req.ProfitRate)
	if !ok {
		respondError(w, http.StatusBadRequest, "profitRate must be a positive decimal")
		return
	}

	existing.Name = req.Name
	existing.ProfitRate = rate
	existing.PayoutFrequencyDays = req.PayoutFrequencyDays
	existing.CapitalBackOnMaturity = req.CapitalBackOnMaturity
	if req.DurationDays > 0 {
		existing.DurationDays = req.DurationDays
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdatePlan(r.Context(), existing); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(*existing))
}

func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := invest.PlanID(chi.URLParam(r, "id"))

	if err := h.Store.DeletePlan(r.Context(), id); err != nil {
		if errors.Is(err, invest.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "ok", Message: "plan deleted"})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.FirstName == "" {
		respondError(w, http.StatusBadRequest, "firstName and email are required")
		return
	}

	user := &invest.User{
		ID:        invest.UserID(uuid.NewString()),
		FirstName: req.FirstName,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "id"))

	positions, err := h.Store.ListPositionsByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListUserWallets(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "id"))

	wallets, err := h.Store.ListWalletsByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]WalletResponse, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, toWalletResponse(wl))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListUserLedger(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "id"))

	entries, err := h.Store.ListEntriesByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryResponse(e))
	}
	respondJSON(w, http.StatusOK, out)
}

// =============================================================================
// POSITION HANDLERS
// =============================================================================

// CreatePosition subscribes a user to a plan, or opens a custom position
// when planId is absent. The first payout is scheduled one cycle out.
func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, ok := parsePositiveDecimal(req.Principal)
	if !ok {
		respondError(w, http.StatusBadRequest, "principal must be a positive decimal")
		return
	}

	if _, err := h.Store.Find(r.Context(), invest.UserID(req.UserID)); err != nil {
		if errors.Is(err, invest.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now().UTC()
	pos := &invest.Position{
		ID:           invest.PositionID(uuid.NewString()),
		UserID:       invest.UserID(req.UserID),
		Principal:    principal,
		AssetSymbol:  req.AssetSymbol,
		TotalPaid:    decimal.Zero,
		Status:       invest.PositionActive,
		DurationDays: req.DurationDays,
		LastUpdated:  now,
		CreatedAt:    now,
	}

	var plan *invest.Plan
	if req.PlanID != "" {
		var err error
		plan, err = h.Store.GetPlan(r.Context(), invest.PlanID(req.PlanID))
		if err != nil {
			if errors.Is(err, invest.ErrPlanNotFound) {
				respondError(w, http.StatusNotFound, "plan not found")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pos.PlanID = plan.ID
		if pos.DurationDays <= 0 {
			pos.DurationDays = plan.DurationDays
		}
	} else {
		rate, ok := parsePositiveDecimal(req.DailyProfitRate)
		if !ok {
			respondError(w, http.StatusBadRequest, "dailyProfitRate is required for custom positions")
			return
		}
		pos.DailyProfitRate = rate
	}

	if pos.DurationDays <= 0 {
		respondError(w, http.StatusBadRequest, "durationDays must be positive")
		return
	}

	terms, err := invest.ResolveTerms(pos, plan)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos.NextPayoutDate = now.AddDate(0, 0, terms.FrequencyDays)

	if err := h.Store.CreatePosition(r.Context(), pos); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[API] Position %s created for user %s (plan %q, principal %s %s)",
		pos.ID, pos.UserID, pos.PlanID, pos.Principal, pos.Asset())
	respondJSON(w, http.StatusCreated, toPositionResponse(*pos))
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	pos, err := h.Store.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, invest.ErrPositionNotFound) {
			respondError(w, http.StatusNotFound, "position not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toPositionResponse(*pos))
}

func (h *Handler) ListPositionLedger(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	entries, err := h.Store.ListEntriesByPosition(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryResponse(e))
	}
	respondJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
