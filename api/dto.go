/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines request and response structures for the REST API. DTOs decouple
  the API contract from settlement types, so internal changes don't break
  dashboards.

CONVENTIONS:
  - Amounts and prices are decimal strings, never floats
  - Prices also carry the raw 8-decimal answer the feed reports
  - Timestamps are RFC3339 strings
  - Optional fields use omitempty
  - Request bodies are checked with validator struct tags

SEE ALSO:
  - handlers.go: uses these DTOs
*/
package api

import (
	"time"

	"github.com/paramify/insurance-engine/settlement"
)

// =============================================================================
// REQUESTS
// =============================================================================

// BuyInsuranceRequest opens coverage for the calling principal.
type BuyInsuranceRequest struct {
	Coverage string `json:"coverage" validate:"required"`
	Premium  string `json:"premium" validate:"required"`
}

// FundRequest credits the treasury.
type FundRequest struct {
	Amount string `json:"amount" validate:"required"`
}

// PriceRequest carries a threshold or feed answer.
type PriceRequest struct {
	Value string `json:"value" validate:"required"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// PriceDTO is a feed-scale value in both notations.
type PriceDTO struct {
	Value  string `json:"value"`
	Answer int64  `json:"answer"`
}

// RoundDTO is one feed reading.
type RoundDTO struct {
	RoundID   uint64   `json:"round_id"`
	Price     PriceDTO `json:"price"`
	UpdatedAt string   `json:"updated_at"`
	Decimals  int      `json:"decimals"`
}

// PolicyDTO is one insurance record.
type PolicyDTO struct {
	ID          string `json:"id,omitempty"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
	Coverage    string `json:"coverage,omitempty"`
	PremiumPaid string `json:"premium_paid,omitempty"`
	Payout      string `json:"payout,omitempty"`
	PurchasedAt string `json:"purchased_at,omitempty"`
	SettledAt   string `json:"settled_at,omitempty"`
}

// PolicyDetailResponse is the current policy plus history.
type PolicyDetailResponse struct {
	Current PolicyDTO   `json:"current"`
	History []PolicyDTO `json:"history"`
}

// PayoutResponse reports a released payout.
type PayoutResponse struct {
	Policy    PolicyDTO `json:"policy"`
	Amount    string    `json:"amount"`
	Price     PriceDTO  `json:"price"`
	Threshold PriceDTO  `json:"threshold"`
	Balance   string    `json:"balance"`
}

// TotalsDTO summarizes the treasury journal.
type TotalsDTO struct {
	Premiums string `json:"premiums"`
	Funding  string `json:"funding"`
	Payouts  string `json:"payouts"`
	Balance  string `json:"balance"`
}

// EntryDTO is one treasury journal entry.
type EntryDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Principal      string `json:"principal"`
	PolicyID       string `json:"policy_id,omitempty"`
	Amount         string `json:"amount"`
	Delta          string `json:"delta"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// StatusResponse is what a dashboard polls.
type StatusResponse struct {
	Feed                *RoundDTO `json:"feed,omitempty"`
	FeedAvailable       bool      `json:"feed_available"`
	Threshold           *PriceDTO `json:"threshold,omitempty"`
	Claimable           bool      `json:"claimable"`
	Treasury            TotalsDTO `json:"treasury"`
	PayoutAuthorization string    `json:"payout_authorization"`
}

// QuoteResponse prices coverage.
type QuoteResponse struct {
	Coverage string `json:"coverage"`
	Premium  string `json:"premium"`
	Rate     string `json:"rate"`
}

// RoleCheckResponse answers hasRole.
type RoleCheckResponse struct {
	Role      string `json:"role"`
	Principal string `json:"principal"`
	HasRole   bool   `json:"has_role"`
}

// RoleMembersResponse lists holders of a role.
type RoleMembersResponse struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioStepDTO reports one scripted engine call.
type ScenarioStepDTO struct {
	Action string `json:"action"`
	Caller string `json:"caller"`
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ScenarioResultResponse reports a loaded scenario.
type ScenarioResultResponse struct {
	Scenario string            `json:"scenario"`
	Steps    []ScenarioStepDTO `json:"steps"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPriceDTO(p settlement.Price) PriceDTO {
	return PriceDTO{Value: p.String(), Answer: p.Answer()}
}

func toRoundDTO(r settlement.Round) RoundDTO {
	return RoundDTO{
		RoundID:   r.ID,
		Price:     toPriceDTO(r.Answer),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
		Decimals:  settlement.PriceDecimals,
	}
}

func toPolicyDTO(p settlement.Policy) PolicyDTO {
	dto := PolicyDTO{
		ID:     string(p.ID),
		Owner:  string(p.Owner),
		Status: string(p.Status),
	}
	if p.Status == settlement.StatusNone {
		return dto
	}
	dto.Coverage = p.Coverage.String()
	dto.PremiumPaid = p.PremiumPaid.String()
	dto.Payout = p.Payout.String()
	dto.PurchasedAt = p.PurchasedAt.Format(time.RFC3339)
	if p.SettledAt != nil {
		dto.SettledAt = p.SettledAt.Format(time.RFC3339)
	}
	return dto
}

func toTotalsDTO(t settlement.Totals) TotalsDTO {
	return TotalsDTO{
		Premiums: t.Premiums.String(),
		Funding:  t.Funding.String(),
		Payouts:  t.Payouts.String(),
		Balance:  t.Balance.String(),
	}
}

func toEntryDTO(e settlement.TreasuryEntry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		Kind:           string(e.Kind),
		Principal:      string(e.Principal),
		PolicyID:       string(e.PolicyID),
		Amount:         e.Amount.String(),
		Delta:          e.Delta().String(),
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toPayoutResponse(p settlement.Payout) PayoutResponse {
	return PayoutResponse{
		Policy:    toPolicyDTO(p.Policy),
		Amount:    p.Amount.String(),
		Price:     toPriceDTO(p.Price),
		Threshold: toPriceDTO(p.Threshold),
		Balance:   p.Balance.String(),
	}
}
