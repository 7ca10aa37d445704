/*
commit.go - Committing a validated redemption

PURPOSE:
  One Committer interface, two implementations. The engine never branches
  on which path it is on; SelectCommitter probes the backend once per
  attempt.

ATOMIC PATH (atomicCommitter):
  ledger.AtomicRedeemer.ClaimRewardAtomic debits, inserts the claim and
  decrements stock as one unit. ErrProcedureUnavailable means nothing was
  applied, so that attempt drops to the fallback. A timeout does NOT: the
  outcome is unknown and a second path could double-debit.

FALLBACK PATH (fallbackCommitter):
  Fixed order, each step a separate backend call:

    1. re-validate   fresh reward + account (narrows the race window)
    2. debit         DebitBalance(attempt)          counter only
    3. claim         CreateClaimedReward
    4. log           LogTransaction(redemption)     log only
    5. stock         DecrementStock

  Failure after step 2:
    claim fails  -> CreditBalance(attempt-void), PartialApplicationError
    claim unknown (network) -> FindClaimByAttempt; void only if absent,
                    otherwise ErrContactSupport with the debit left in place
    log fails    -> CreditBalance(attempt-void) + DeleteClaimedReward
    stock fails  -> claim stands, StockDiscrepancy recorded, warning logged
    compensation fails -> PartialApplicationError wrapping ErrContactSupport

  The void credit is counter-only because no log row exists for the debit
  yet, so available_points == sum(delta) holds after compensation.

SEE ALSO:
  - engine.go: state machine
  - ledger/store.go: RedemptionSteps, AtomicRedeemer
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/metrics"
)

// Path names a commit implementation.
type Path string

const (
	PathAtomic   Path = "atomic"
	PathFallback Path = "fallback"
)

// Fallback step names, used in PartialApplicationError.Step and metrics.
const (
	StepDebit = "debit_balance"
	StepClaim = "create_claim"
	StepLog   = "log_transaction"
	StepStock = "decrement_stock"
)

// Quote is a validated redemption ready to commit.
type Quote struct {
	Account   ledger.Account
	Reward    ledger.Reward
	AttemptID string
	ClaimID   ledger.ClaimID
	TxID      ledger.TransactionID
	At        time.Time
}

func (q Quote) description() string {
	return fmt.Sprintf("Redeemed %s", q.Reward.Name)
}

// Committed is what a Committer produced.
type Committed struct {
	Claim       ledger.ClaimedReward
	Transaction ledger.Transaction
	Path        Path
}

type Committer interface {
	Commit(ctx context.Context, q Quote) (Committed, error)
}

// SelectCommitter probes the backend: the atomic committer when the
// procedure is available, otherwise the fallback.
func SelectCommitter(ctx context.Context, backend Store, timeout time.Duration, log logrus.FieldLogger) Committer {
	fallback := &fallbackCommitter{store: backend, timeout: timeout, log: log}
	if ar, ok := backend.(ledger.AtomicRedeemer); ok && ar.AtomicAvailable(ctx) {
		return &atomicCommitter{redeemer: ar, fallback: fallback, timeout: timeout, log: log}
	}
	return fallback
}

// =============================================================================
// ATOMIC
// =============================================================================

type atomicCommitter struct {
	redeemer ledger.AtomicRedeemer
	fallback Committer
	timeout  time.Duration
	log      logrus.FieldLogger
}

func (c *atomicCommitter) Commit(ctx context.Context, q Quote) (Committed, error) {
	req := ledger.ClaimRequest{
		AccountID:   q.Account.ID,
		RewardID:    q.Reward.ID,
		AttemptID:   q.AttemptID,
		ClaimID:     q.ClaimID,
		TxID:        q.TxID,
		Description: q.description(),
		At:          q.At,
	}
	var out Committed
	err := ledger.Call(ctx, c.timeout, "claim reward atomic", func(ctx context.Context) error {
		claim, tx, err := c.redeemer.ClaimRewardAtomic(ctx, req)
		out = Committed{Claim: claim, Transaction: tx, Path: PathAtomic}
		return err
	})
	if errors.Is(err, ledger.ErrProcedureUnavailable) {
		c.log.WithField("attempt_id", q.AttemptID).Warn("rewards: atomic procedure unavailable, using fallback")
		return c.fallback.Commit(ctx, q)
	}
	return out, err
}

// =============================================================================
// FALLBACK
// =============================================================================

type fallbackCommitter struct {
	store   Store
	timeout time.Duration
	log     logrus.FieldLogger
}

func (c *fallbackCommitter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return ledger.Call(ctx, c.timeout, op, fn)
}

func (c *fallbackCommitter) Commit(ctx context.Context, q Quote) (Committed, error) {
	log := c.log.WithFields(logrus.Fields{
		"account_id": q.Account.ID,
		"attempt_id": q.AttemptID,
		"reward_id":  q.Reward.ID,
		"path":       PathFallback,
	})

	// 1. Re-validate against fresh state right before the debit.
	reward, err := ledger.CallValue(ctx, c.timeout, "get reward", func(ctx context.Context) (ledger.Reward, error) {
		return c.store.GetReward(ctx, q.Reward.ID)
	})
	if err != nil {
		return Committed{}, err
	}
	acct, err := ledger.CallValue(ctx, c.timeout, "get account", func(ctx context.Context) (ledger.Account, error) {
		return c.store.GetAccount(ctx, q.Account.ID)
	})
	if err != nil {
		return Committed{}, err
	}
	if err := validate(acct, reward); err != nil {
		return Committed{}, err
	}
	cost := reward.PointsCost

	// 2. Debit the counter.
	err = c.call(ctx, "debit balance", func(ctx context.Context) error {
		return c.store.DebitBalance(ctx, acct.ID, cost, q.AttemptID)
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return Committed{}, ledger.NewValidationError("attempt_id", "attempt already used, start a new redemption")
	}
	if err != nil {
		return Committed{}, err
	}

	// 3. Create the claim.
	claim := ledger.ClaimedReward{
		ID:          q.ClaimID,
		AccountID:   acct.ID,
		RewardID:    reward.ID,
		AttemptID:   q.AttemptID,
		PointsSpent: cost,
		Status:      ledger.ClaimActive,
		ExpiresAt:   reward.ExpiryFrom(q.At),
		ClaimedAt:   q.At,
	}
	if err := c.call(ctx, "create claim", func(ctx context.Context) error {
		return c.store.CreateClaimedReward(ctx, claim)
	}); err != nil {
		if errors.Is(err, ledger.ErrNetworkFailure) {
			if landedErr := c.claimLanded(ctx, acct.ID, q.AttemptID); landedErr != nil {
				log.WithError(err).Error("rewards: claim outcome unknown after debit, debit left in place")
				return Committed{}, partial(StepClaim, err, landedErr)
			}
		}
		log.WithError(err).Error("rewards: claim creation failed after debit, compensating")
		compErr := c.voidDebit(ctx, acct.ID, cost, q.AttemptID)
		return Committed{}, partial(StepClaim, err, compErr)
	}

	// 4. Log the redemption row.
	tx := ledger.Transaction{
		ID:          q.TxID,
		AccountID:   acct.ID,
		Delta:       -cost,
		Type:        ledger.TxRedemption,
		Reference:   q.AttemptID,
		Description: q.description(),
		CreatedAt:   q.At,
	}
	if err := c.call(ctx, "log transaction", func(ctx context.Context) error {
		return c.store.LogTransaction(ctx, tx)
	}); err != nil {
		log.WithError(err).Error("rewards: transaction log failed after claim, compensating")
		compErr := errors.Join(
			c.voidDebit(ctx, acct.ID, cost, q.AttemptID),
			c.deleteClaim(ctx, claim.ID),
		)
		return Committed{}, partial(StepLog, err, compErr)
	}

	// 5. Decrement stock. The claim stands either way.
	if err := c.call(ctx, "decrement stock", func(ctx context.Context) error {
		return c.store.DecrementStock(ctx, reward.ID)
	}); err != nil {
		c.recordDiscrepancy(ctx, log, claim, err)
	}

	return Committed{Claim: claim, Transaction: tx, Path: PathFallback}, nil
}

// claimLanded looks for the claim after a create whose outcome is unknown.
// It returns nil only when the claim is confirmed absent, so the debit can
// be voided without leaving an active claim behind.
func (c *fallbackCommitter) claimLanded(ctx context.Context, id ledger.AccountID, attemptID string) error {
	found, err := ledger.CallValue(ctx, c.timeout, "find claim", func(ctx context.Context) (*ledger.ClaimedReward, error) {
		return c.store.FindClaimByAttempt(ctx, id, attemptID)
	})
	switch {
	case err != nil:
		return fmt.Errorf("claim for attempt %s unconfirmed: %w", attemptID, err)
	case found != nil:
		return fmt.Errorf("claim %s exists without a logged debit: %w", found.ID, ledger.ErrContactSupport)
	}
	return nil
}

func (c *fallbackCommitter) voidDebit(ctx context.Context, id ledger.AccountID, points int64, attemptID string) error {
	err := c.call(ctx, "void debit", func(ctx context.Context) error {
		return c.store.CreditBalance(ctx, id, points, attemptID+"-void")
	})
	metrics.Compensations.WithLabelValues("void_debit", result(err)).Inc()
	return err
}

func (c *fallbackCommitter) deleteClaim(ctx context.Context, id ledger.ClaimID) error {
	err := c.call(ctx, "delete claim", func(ctx context.Context) error {
		return c.store.DeleteClaimedReward(ctx, id)
	})
	metrics.Compensations.WithLabelValues("delete_claim", result(err)).Inc()
	return err
}

func (c *fallbackCommitter) recordDiscrepancy(ctx context.Context, log logrus.FieldLogger, claim ledger.ClaimedReward, cause error) {
	metrics.StockDiscrepancies.Inc()
	d := ledger.StockDiscrepancy{
		ID:         uuid.NewString(),
		RewardID:   claim.RewardID,
		ClaimID:    claim.ID,
		AttemptID:  claim.AttemptID,
		Reason:     cause.Error(),
		RecordedAt: claim.ClaimedAt,
	}
	err := c.call(ctx, "record stock discrepancy", func(ctx context.Context) error {
		return c.store.RecordStockDiscrepancy(ctx, d)
	})
	entry := log.WithError(cause).WithField("claim_id", claim.ID)
	if err != nil {
		entry = entry.WithField("record_error", err.Error())
	}
	entry.Warn("rewards: stock decrement failed, claim stands; reconcile stock")
}

func partial(step string, cause, compErr error) error {
	return &ledger.PartialApplicationError{
		Step:            step,
		Cause:           cause,
		Compensated:     compErr == nil,
		CompensationErr: compErr,
	}
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
