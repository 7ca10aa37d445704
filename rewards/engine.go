/*
Package rewards spends coins on catalog rewards.

STATE MACHINE (per redemption attempt):

	Quoted ──validate──► Validated ──commit──► Committed
	   │                     │
	   └──────reject─────────┴──────────────► Rejected

  Quoted:    account and reward read
  Validated: active, in stock, enough coins (shortfall reported exactly)
  Committed: debit + claim + stock decrement applied (atomic or fallback)
  Rejected:  business rule failed, nothing applied

  A commit that fails with a network error or a partial application stays
  Validated: the outcome is unknown or compensated, not a clean rejection.

IDEMPOTENCY:
  The attempt id is the redemption reference. A repeated attempt returns
  the existing claim with OutcomeAlreadyClaimed.

SEE ALSO:
  - commit.go: atomic and fallback committers
*/
package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/metrics"
)

type State string

const (
	StateQuoted    State = "quoted"
	StateValidated State = "validated"
	StateCommitted State = "committed"
	StateRejected  State = "rejected"
)

// Store is the part of the backend redemptions need.
type Store interface {
	ledger.AccountStore
	ledger.TransactionStore
	ledger.CatalogStore
	ledger.ClaimStore
	ledger.RedemptionSteps
}

type RedeemRequest struct {
	AccountID ledger.AccountID
	RewardID  ledger.RewardID
	AttemptID string
}

type Redemption struct {
	AccountID   ledger.AccountID
	AttemptID   string
	Reward      ledger.Reward
	State       State
	Path        Path
	Outcome     ledger.Outcome
	Claim       *ledger.ClaimedReward
	Transaction *ledger.Transaction
}

type Engine struct {
	Store Store
	// Catalog serves quotes and listings; nil reads Store. The fallback
	// re-validation always reads Store.
	Catalog ledger.CatalogStore
	// Committer overrides the per-attempt capability probe.
	Committer Committer
	Timeout   time.Duration
	Log       logrus.FieldLogger
	Now       func() time.Time
}

func NewEngine(store Store, timeout time.Duration, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Store:   store,
		Timeout: timeout,
		Log:     log,
		Now:     time.Now,
	}
}

func (e *Engine) catalog() ledger.CatalogStore {
	if e.Catalog != nil {
		return e.Catalog
	}
	return e.Store
}

func (e *Engine) committer(ctx context.Context) Committer {
	if e.Committer != nil {
		return e.Committer
	}
	return SelectCommitter(ctx, e.Store, e.Timeout, e.Log)
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem runs one attempt through the state machine. On rejection the
// returned Redemption is in StateRejected and err carries the reason.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (Redemption, error) {
	r := Redemption{AccountID: req.AccountID, AttemptID: req.AttemptID, State: StateQuoted}
	log := e.Log.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"attempt_id": req.AttemptID,
		"reward_id":  req.RewardID,
	})

	if req.AccountID == "" || req.RewardID == "" || req.AttemptID == "" {
		return e.reject(r, ledger.NewValidationError("redemption", "account_id, reward_id and attempt_id are required"))
	}

	if done, ok, err := e.existingClaim(ctx, r); ok || err != nil {
		return done, err
	}

	// Quoted
	acct, err := ledger.CallValue(ctx, e.Timeout, "get account", func(ctx context.Context) (ledger.Account, error) {
		return e.Store.GetAccount(ctx, req.AccountID)
	})
	if err != nil {
		return r, err
	}
	reward, err := ledger.CallValue(ctx, e.Timeout, "get reward", func(ctx context.Context) (ledger.Reward, error) {
		return e.catalog().GetReward(ctx, req.RewardID)
	})
	if errors.Is(err, ledger.ErrRewardNotFound) {
		return e.reject(r, err)
	}
	if err != nil {
		return r, err
	}
	r.Reward = reward

	// Validated
	if err := validate(acct, reward); err != nil {
		log.WithError(err).Info("rewards: redemption rejected at quote")
		return e.reject(r, err)
	}
	r.State = StateValidated

	// Committed
	committer := e.committer(ctx)
	out, err := committer.Commit(ctx, Quote{
		Account:   acct,
		Reward:    reward,
		AttemptID: req.AttemptID,
		ClaimID:   ledger.ClaimID(uuid.NewString()),
		TxID:      ledger.NewTransactionID(),
		At:        e.Now().UTC(),
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateReference):
		// Another device committed this attempt first.
		if done, ok, ferr := e.existingClaim(ctx, r); ok || ferr != nil {
			return done, ferr
		}
		return r, err
	case ledger.IsClientError(err):
		log.WithError(err).Info("rewards: redemption rejected at commit")
		metrics.Redemptions.WithLabelValues(pathLabel(committer), "rejected").Inc()
		return e.reject(r, err)
	default:
		log.WithError(err).Error("rewards: redemption failed")
		metrics.Redemptions.WithLabelValues(pathLabel(committer), "failed").Inc()
		return r, err
	}

	r.State = StateCommitted
	r.Path = out.Path
	r.Outcome = ledger.OutcomeApplied
	r.Claim = &out.Claim
	r.Transaction = &out.Transaction
	metrics.Redemptions.WithLabelValues(string(out.Path), "committed").Inc()
	log.WithFields(logrus.Fields{"path": out.Path, "claim_id": out.Claim.ID}).Info("rewards: redemption committed")
	return r, nil
}

func (e *Engine) existingClaim(ctx context.Context, r Redemption) (Redemption, bool, error) {
	claim, err := ledger.CallValue(ctx, e.Timeout, "find claim", func(ctx context.Context) (*ledger.ClaimedReward, error) {
		return e.Store.FindClaimByAttempt(ctx, r.AccountID, r.AttemptID)
	})
	if err != nil || claim == nil {
		return r, false, err
	}
	tx, err := ledger.CallValue(ctx, e.Timeout, "find transaction", func(ctx context.Context) (*ledger.Transaction, error) {
		return e.Store.FindTransaction(ctx, r.AccountID, ledger.TxRedemption, r.AttemptID)
	})
	if err != nil {
		return r, false, err
	}
	r.State = StateCommitted
	r.Outcome = ledger.OutcomeAlreadyClaimed
	r.Claim = claim
	r.Transaction = tx
	if reward, err := e.catalog().GetReward(ctx, claim.RewardID); err == nil {
		r.Reward = reward
	}
	return r, true, nil
}

func (e *Engine) reject(r Redemption, err error) (Redemption, error) {
	r.State = StateRejected
	return r, err
}

// validate applies the quote-time and commit-time business rules.
func validate(acct ledger.Account, reward ledger.Reward) error {
	if !reward.IsActive {
		return ledger.NewValidationError("reward_id", "reward is not available")
	}
	if !reward.InStock() {
		return &ledger.OutOfStockError{RewardID: reward.ID}
	}
	if acct.AvailablePoints < reward.PointsCost {
		return &ledger.InsufficientPointsError{
			AccountID: acct.ID,
			Available: acct.AvailablePoints,
			Requested: reward.PointsCost,
		}
	}
	return nil
}

func pathLabel(c Committer) string {
	if _, ok := c.(*atomicCommitter); ok {
		return string(PathAtomic)
	}
	return string(PathFallback)
}

// =============================================================================
// READ SIDE / MAINTENANCE
// =============================================================================

// Rewards lists the catalog.
func (e *Engine) Rewards(ctx context.Context, filter ledger.CatalogFilter) ([]ledger.Reward, error) {
	return ledger.CallValue(ctx, e.Timeout, "get reward catalog", func(ctx context.Context) ([]ledger.Reward, error) {
		return e.catalog().GetRewardCatalog(ctx, filter)
	})
}

// ClaimedRewards lists an account's claims.
func (e *Engine) ClaimedRewards(ctx context.Context, id ledger.AccountID) ([]ledger.ClaimedReward, error) {
	return ledger.CallValue(ctx, e.Timeout, "list claims", func(ctx context.Context) ([]ledger.ClaimedReward, error) {
		return e.Store.ClaimedRewards(ctx, id)
	})
}

// StockDiscrepancies lists claims awaiting stock reconciliation.
func (e *Engine) StockDiscrepancies(ctx context.Context) ([]ledger.StockDiscrepancy, error) {
	return ledger.CallValue(ctx, e.Timeout, "list discrepancies", func(ctx context.Context) ([]ledger.StockDiscrepancy, error) {
		return e.Store.StockDiscrepancies(ctx)
	})
}

// ExpireClaims moves claims past their expiry to expired.
func (e *Engine) ExpireClaims(ctx context.Context) (int, error) {
	n, err := ledger.CallValue(ctx, e.Timeout, "expire claims", func(ctx context.Context) (int, error) {
		return e.Store.ExpireClaims(ctx, e.Now().UTC())
	})
	if err == nil && n > 0 {
		e.Log.WithField("count", n).Info("rewards: claims expired")
	}
	return n, err
}
