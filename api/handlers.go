/*
handlers.go - HTTP handlers for the loyalty API

ENDPOINTS:
  Accounts:
    GET  /api/accounts/{id}                    - Balance and tier progress
    POST /api/accounts/{id}/welcome            - Claim the welcome bonus (creates the account)
    POST /api/accounts/{id}/check-in           - Daily login bonus and streak
    GET  /api/accounts/{id}/streak             - Streak state
    GET  /api/accounts/{id}/transactions       - Transaction log (?type=a,b&limit=n)
    GET  /api/accounts/{id}/claimed-rewards    - Claimed rewards
    POST /api/accounts/{id}/reviews            - Review credit
    POST /api/accounts/{id}/redemptions        - Redeem a reward

  Earning:
    POST /api/purchases                        - Purchase credit + referral completion
    POST /api/referrals                        - Record a pending referral

  Catalog:
    GET  /api/rewards                          - Catalog (?category=&active=&max_cost=)

  Checkout:
    POST /api/checkout/discounts               - Reserve coins against an order draft
    POST /api/checkout/discounts/{ref}/commit  - Bind the reservation to the placed order
    POST /api/checkout/discounts/{ref}/release - Give the coins back

  Admin:
    GET  /api/admin/stock-discrepancies        - Claims awaiting stock reconciliation
    GET  /api/admin/accounts/{id}/verify       - Counter vs log check
    PUT  /api/admin/rewards/{id}               - Upsert a catalog row

ERROR HANDLING:
  Engine errors go through writeLedgerError, the only place that maps the
  ledger error taxonomy to status codes. The body always carries the
  user-facing message from ledger.UserMessage.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

// Handler holds the engines the HTTP layer drives.
type Handler struct {
	Ledger   *ledger.Ledger
	Bonus    *bonus.Engine
	Rewards  *rewards.Engine
	Checkout *checkout.Service
	Store    ledger.Backend

	// Cache is nil when Redis is not configured.
	Cache *cache.CatalogCache
	Log   logrus.FieldLogger
}

func NewHandler(l *ledger.Ledger, b *bonus.Engine, r *rewards.Engine, c *checkout.Service, store ledger.Backend, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:   l,
		Bonus:    b,
		Rewards:  r,
		Checkout: c,
		Store:    store,
		Log:      log,
	}
}

func accountID(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// GetBalance returns the balance view.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.Ledger.Balance(r.Context(), accountID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// ClaimWelcome credits the one-time welcome bonus.
func (h *Handler) ClaimWelcome(w http.ResponseWriter, r *http.Request) {
	tx, outcome, err := h.Bonus.ClaimWelcome(r.Context(), accountID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, creditStatus(outcome), toCreditDTO(tx, outcome))
}

// CheckIn records today's login.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.Bonus.CheckIn(r.Context(), accountID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, creditStatus(res.Outcome), toCheckInDTO(res))
}

func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	s, err := h.Bonus.Streak(r.Context(), accountID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTO(s))
}

// ListTransactions returns the log, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var filter ledger.HistoryFilter
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			txType := ledger.TransactionType(strings.TrimSpace(t))
			if !txType.Valid() {
				h.writeLedgerError(w, r, ledger.NewValidationError("type", "unknown transaction type "+string(txType)))
				return
			}
			filter.Types = append(filter.Types, txType)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeLedgerError(w, r, ledger.NewValidationError("limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	txs, err := h.Ledger.History(r.Context(), accountID(r), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListClaimedRewards(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Rewards.ClaimedRewards(r.Context(), accountID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ClaimDTO, 0, len(claims))
	for _, c := range claims {
		dtos = append(dtos, toClaimDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreditReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decode(w, r, &req) {
		return
	}
	tx, outcome, err := h.Bonus.CreditReview(r.Context(), accountID(r), req.ReviewID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, creditStatus(outcome), toCreditDTO(tx, outcome))
}

// Redeem spends coins on a reward. A repeated attempt id returns the
// existing claim with outcome already_claimed and 200.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	red, err := h.Rewards.Redeem(r.Context(), rewards.RedeemRequest{
		AccountID: accountID(r),
		RewardID:  ledger.RewardID(req.RewardID),
		AttemptID: req.AttemptID,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if h.Cache != nil && red.Outcome == ledger.OutcomeApplied && red.Reward.Stock != nil {
		h.Cache.Invalidate(r.Context(), red.Reward.ID)
	}
	writeJSON(w, creditStatus(red.Outcome), toRedemptionDTO(red))
}

// =============================================================================
// EARNING ENDPOINTS
// =============================================================================

// RecordPurchase credits purchase coins and completes a pending referral.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Bonus.RecordPurchase(r.Context(), ledger.AccountID(req.AccountID), req.OrderID, req.OrderTotal)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, creditStatus(res.Outcome), toPurchaseDTO(res))
}

func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.Bonus.Refer(r.Context(), ledger.ReferralID(uuid.NewString()),
		ledger.AccountID(req.ReferrerID), ledger.AccountID(req.ReferredID))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListRewards returns active rewards unless active=false is passed.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.CatalogFilter{
		Category:   ledger.RewardCategory(q.Get("category")),
		ActiveOnly: q.Get("active") != "false",
	}
	if raw := q.Get("max_cost"); raw != "" {
		maxCost, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || maxCost < 0 {
			h.writeLedgerError(w, r, ledger.NewValidationError("max_cost", "max_cost must be a non-negative integer"))
			return
		}
		filter.MaxCost = maxCost
	}

	all, err := h.Rewards.Rewards(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]RewardDTO, 0, len(all))
	for _, rw := range all {
		dtos = append(dtos, toRewardDTO(rw))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CHECKOUT ENDPOINTS
// =============================================================================

func (h *Handler) ReserveDiscount(w http.ResponseWriter, r *http.Request) {
	var req ReserveDiscountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Checkout.Reserve(r.Context(), checkout.ReserveRequest{
		AccountID:  ledger.AccountID(req.AccountID),
		DraftID:    req.DraftID,
		Coins:      req.Coins,
		OrderTotal: req.OrderTotal,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == ledger.OutcomeAlreadyClaimed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReservationDTO(res))
}

func (h *Handler) CommitDiscount(w http.ResponseWriter, r *http.Request) {
	var req CommitDiscountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Checkout.Commit(r.Context(), chi.URLParam(r, "ref"), req.OrderID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

func (h *Handler) ReleaseDiscount(w http.ResponseWriter, r *http.Request) {
	res, err := h.Checkout.Release(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) ListStockDiscrepancies(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Rewards.StockDiscrepancies(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]DiscrepancyDTO, 0, len(ds))
	for _, d := range ds {
		dtos = append(dtos, toDiscrepancyDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyAccount reports whether the counter matches the log. A divergence
// is a 200 with consistent=false; the audit job uses the same check.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := accountID(r)
	err := h.Ledger.VerifyConsistency(r.Context(), id)

	var div *ledger.DivergenceError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "consistent": true})
	case errors.As(err, &div):
		h.Log.WithError(err).WithField("account_id", id).Error("api: balance diverged from log")
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": id,
			"consistent": false,
			"counter":    div.Counter,
			"log_sum":    div.LogSum,
		})
	default:
		h.writeLedgerError(w, r, err)
	}
}

// UpsertReward saves a catalog row. The body is decoded through
// factory.RewardFromRow, so it accepts the same shape as a catalog file
// entry.
func (h *Handler) UpsertReward(w http.ResponseWriter, r *http.Request) {
	var row factory.Row
	if !decode(w, r, &row) {
		return
	}
	if row == nil {
		row = factory.Row{}
	}
	row["id"] = chi.URLParam(r, "id")
	reward, err := factory.RewardFromRow(row)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reward", err)
		return
	}

	var catalog ledger.CatalogStore = h.Store
	if h.Cache != nil {
		catalog = h.Cache
	}
	if err := ledger.Call(r.Context(), h.Ledger.Timeout, "save reward", func(ctx context.Context) error {
		return catalog.SaveReward(ctx, reward)
	}); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(reward))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into dst. On failure it writes the 400 and
// returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// creditStatus is 201 for a fresh application and 200 for an idempotency
// hit.
func creditStatus(outcome ledger.Outcome) int {
	if outcome == ledger.OutcomeAlreadyClaimed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// errorStatus maps the ledger error taxonomy to an HTTP status.
func errorStatus(err error) int {
	switch {
	case ledger.NeedsSupport(err):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrPartialApplication):
		return http.StatusBadGateway
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrOutOfStock):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNetworkFailure) && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrNetworkFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Message:   ledger.UserMessage(err),
		Details:   err.Error(),
		Retryable: ledger.IsRetryable(err),
	}

	var ipe *ledger.InsufficientPointsError
	if errors.As(err, &ipe) {
		resp.Shortfall = ipe.Shortfall()
	}
	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
		resp.MaxCoins = ve.MaxCoins
	}

	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).Error("api: request failed")
	}
	writeJSON(w, status, resp)
}
