/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to settlement.Engine.

ENDPOINTS:
  Status:
    GET    /api/status                        Feed, threshold, treasury, claimable
    GET    /api/balance                       Treasury balance and totals
    GET    /api/quote?coverage=               Premium for coverage

  Feed:
    GET    /api/price                         Latest round
    POST   /api/oracle/answer                 Push a reading (oracle_updater)

  Threshold:
    GET    /api/threshold
    PUT    /api/threshold                     (insurance_admin)

  Policies:
    POST   /api/policies                      Buy insurance for the caller
    GET    /api/policies/{owner}              Current policy + history
    POST   /api/policies/{owner}/payout       Trigger payout

  Treasury:
    POST   /api/treasury/fund                 Fund (anyone)
    GET    /api/treasury/journal?limit=       Journal, oldest first

  Roles:
    GET    /api/roles/{role}                  Members
    GET    /api/roles/{role}/{principal}      hasRole
    POST   /api/roles/{role}/{principal}      Grant (admin)
    DELETE /api/roles/{role}/{principal}      Revoke (admin)

CALLER IDENTITY:
  The X-Principal header carries the wallet address the dashboard is
  connected with. Mutating endpoints reject a missing header with
  invalid_principal. Idempotency-Key is honoured by buy and fund.

ERROR HANDLING:
  Errors are returned as JSON {"error","code","details"}:
  - 400: invalid input (coverage, amount, premium, principal, role)
  - 403: caller lacks the required role
  - 409: engine state forbids it (active policy, threshold, treasury, ...)
  - 503: feed unavailable
  - 500: internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/paramify/insurance-engine/settlement"
)

const (
	// PrincipalHeader names the caller.
	PrincipalHeader = "X-Principal"

	// IdempotencyHeader deduplicates buy and fund retries.
	IdempotencyHeader = "Idempotency-Key"

	defaultJournalLimit = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *settlement.Engine

	log      zerolog.Logger
	validate *validator.Validate

	// reset empties the store before a scenario loads; nil disables loading.
	reset func(ctx context.Context) error

	// ping backs /healthz; nil means always healthy.
	ping func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithReset enables scenario loading over a store that can be emptied.
func WithReset(fn func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.reset = fn }
}

// WithHealthCheck wires /healthz to a dependency check.
func WithHealthCheck(fn func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.ping = fn }
}

// NewHandler creates a handler over engine.
func NewHandler(engine *settlement.Engine, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		Engine:   engine,
		log:      logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// STATUS
// =============================================================================

// GetStatus returns the dashboard snapshot.
// GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to load status", err)
		return
	}

	resp := StatusResponse{
		FeedAvailable:       st.FeedAvailable,
		Claimable:           st.Claimable,
		Treasury:            toTotalsDTO(st.Totals),
		PayoutAuthorization: string(h.Engine.PayoutAuthorization()),
	}
	if st.FeedAvailable {
		round := toRoundDTO(st.Round)
		resp.Feed = &round
	}
	if st.ThresholdSet {
		threshold := toPriceDTO(st.Threshold)
		resp.Threshold = &threshold
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBalance returns the treasury balance and the totals behind it.
// GET /api/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Engine.Totals(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toTotalsDTO(totals))
}

// GetQuote prices coverage.
// GET /api/quote?coverage=1.0
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	coverage, err := settlement.ParseAmount(r.URL.Query().Get("coverage"))
	if err != nil {
		writeEngineError(w, "Invalid coverage", err)
		return
	}
	premium, err := h.Engine.QuotePremium(coverage)
	if err != nil {
		writeEngineError(w, "Cannot quote coverage", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Coverage: coverage.String(),
		Premium:  premium.String(),
		Rate:     settlement.PremiumRate.String(),
	})
}

// Health reports liveness and, when configured, store reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", "unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// FEED
// =============================================================================

// GetPrice returns the latest feed round.
// GET /api/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	round, err := h.Engine.LatestRound(r.Context())
	if err != nil {
		writeEngineError(w, "Feed unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundDTO(round))
}

// UpdateAnswer pushes a new reading.
// POST /api/oracle/answer {"value": "3500"}
func (h *Handler) UpdateAnswer(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := settlement.ParsePrice(req.Value)
	if err != nil {
		writeEngineError(w, "Invalid answer", err)
		return
	}

	round, err := h.Engine.UpdateAnswer(r.Context(), caller, value)
	if err != nil {
		writeEngineError(w, "Failed to update answer", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoundDTO(round))
}

// =============================================================================
// THRESHOLD
// =============================================================================

// GetThreshold returns the payout threshold.
// GET /api/threshold
func (h *Handler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.Engine.Threshold(r.Context())
	if err != nil {
		writeEngineError(w, "Threshold unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceDTO(threshold))
}

// SetThreshold replaces the payout threshold.
// PUT /api/threshold {"value": "3000"}
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := settlement.ParsePrice(req.Value)
	if err != nil {
		writeEngineError(w, "Invalid threshold", err)
		return
	}

	if err := h.Engine.SetThreshold(r.Context(), caller, value); err != nil {
		writeEngineError(w, "Failed to set threshold", err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceDTO(value))
}

// =============================================================================
// POLICIES
// =============================================================================

// BuyInsurance opens coverage for the caller.
// POST /api/policies {"coverage": "1.0", "premium": "0.1"}
func (h *Handler) BuyInsurance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req BuyInsuranceRequest
	if !h.decode(w, r, &req) {
		return
	}
	coverage, err := settlement.ParseAmount(req.Coverage)
	if err != nil {
		writeEngineError(w, "Invalid coverage", errors.Join(settlement.ErrInvalidCoverage, err))
		return
	}
	premium, err := settlement.ParseAmount(req.Premium)
	if err != nil {
		writeEngineError(w, "Invalid premium", err)
		return
	}

	policy, err := h.Engine.BuyInsurance(r.Context(), caller, coverage, premium, r.Header.Get(IdempotencyHeader))
	if err != nil {
		writeEngineError(w, "Failed to buy insurance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(policy))
}

// GetPolicy returns the owner's current policy and full history.
// GET /api/policies/{owner}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	owner, err := settlement.ParsePrincipal(chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, "Invalid owner", err)
		return
	}
	ctx := r.Context()

	current, err := h.Engine.PolicyOf(ctx, owner)
	if err != nil {
		writeEngineError(w, "Failed to load policy", err)
		return
	}
	history, err := h.Engine.Policies(ctx, owner)
	if err != nil {
		writeEngineError(w, "Failed to load policy history", err)
		return
	}

	resp := PolicyDetailResponse{Current: toPolicyDTO(current), History: make([]PolicyDTO, len(history))}
	for i, p := range history {
		resp.History[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerPayout settles the owner's active policy.
// POST /api/policies/{owner}/payout
func (h *Handler) TriggerPayout(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	owner, err := settlement.ParsePrincipal(chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, "Invalid owner", err)
		return
	}

	payout, err := h.Engine.TriggerPayout(r.Context(), caller, owner)
	if err != nil {
		writeEngineError(w, "Payout rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutResponse(payout))
}

// =============================================================================
// TREASURY
// =============================================================================

// Fund credits the treasury from the caller.
// POST /api/treasury/fund {"amount": "2.0"}
func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req FundRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := settlement.ParseAmount(req.Amount)
	if err != nil {
		writeEngineError(w, "Invalid amount", err)
		return
	}

	entry, err := h.Engine.Fund(r.Context(), caller, amount, r.Header.Get(IdempotencyHeader))
	if err != nil {
		writeEngineError(w, "Failed to fund treasury", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// GetJournal returns the most recent journal entries, oldest first.
// GET /api/treasury/journal?limit=100
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "invalid_request", err)
			return
		}
		limit = n
	}

	entries, err := h.Engine.Journal(r.Context(), limit)
	if err != nil {
		writeEngineError(w, "Failed to load journal", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ROLES
// =============================================================================

// ListRoleMembers returns the holders of a role.
// GET /api/roles/{role}
func (h *Handler) ListRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := settlement.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeEngineError(w, "Invalid role", err)
		return
	}
	members, err := h.Engine.RoleMembers(r.Context(), role)
	if err != nil {
		writeEngineError(w, "Failed to list role members", err)
		return
	}
	resp := RoleMembersResponse{Role: string(role), Members: make([]string, len(members))}
	for i, m := range members {
		resp.Members[i] = string(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HasRole answers a membership query.
// GET /api/roles/{role}/{principal}
func (h *Handler) HasRole(w http.ResponseWriter, r *http.Request) {
	role, p, ok := roleParams(w, r)
	if !ok {
		return
	}
	has, err := h.Engine.HasRole(r.Context(), role, p)
	if err != nil {
		writeEngineError(w, "Failed to check role", err)
		return
	}
	writeJSON(w, http.StatusOK, RoleCheckResponse{Role: string(role), Principal: string(p), HasRole: has})
}

// GrantRole gives a role to a principal.
// POST /api/roles/{role}/{principal}
func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	role, p, ok := roleParams(w, r)
	if !ok {
		return
	}
	if err := h.Engine.GrantRole(r.Context(), caller, role, p); err != nil {
		writeEngineError(w, "Failed to grant role", err)
		return
	}
	writeJSON(w, http.StatusOK, RoleCheckResponse{Role: string(role), Principal: string(p), HasRole: true})
}

// RevokeRole removes a role from a principal.
// DELETE /api/roles/{role}/{principal}
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	role, p, ok := roleParams(w, r)
	if !ok {
		return
	}
	if err := h.Engine.RevokeRole(r.Context(), caller, role, p); err != nil {
		writeEngineError(w, "Failed to revoke role", err)
		return
	}
	writeJSON(w, http.StatusOK, RoleCheckResponse{Role: string(role), Principal: string(p), HasRole: false})
}

// =============================================================================
// HELPERS
// =============================================================================

// callerFrom reads X-Principal, writing a 400 when it is missing.
func callerFrom(w http.ResponseWriter, r *http.Request) (settlement.Principal, bool) {
	caller, err := settlement.ParsePrincipal(r.Header.Get(PrincipalHeader))
	if err != nil {
		writeEngineError(w, "Missing or invalid "+PrincipalHeader+" header", err)
		return "", false
	}
	return caller, true
}

func roleParams(w http.ResponseWriter, r *http.Request) (settlement.Role, settlement.Principal, bool) {
	role, err := settlement.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeEngineError(w, "Invalid role", err)
		return "", "", false
	}
	p, err := settlement.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil {
		writeEngineError(w, "Invalid principal", err)
		return "", "", false
	}
	return role, p, true
}

// decode parses and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps a settlement error to its HTTP status and code.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, settlement.Code(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrFeedUnavailable):
		return http.StatusServiceUnavailable
	case settlement.IsConflict(err):
		return http.StatusConflict
	case settlement.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
