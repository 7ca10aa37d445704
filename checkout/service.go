/*
Package checkout reserves coins as an order discount.

LIFECYCLE (per order draft):

	reserved ──commit(order_id)──► committed   (terminal, no ledger action)
	    │
	    └──release──► released                 (terminal, coins credited back)

LEDGER ENTRIES:
  checkout_discount          -coins  ref = draft id          on Reserve
  checkout_discount_release  +coins  ref = draft id+"-release" on Release

ORDERING:
  Reserve debits first and then records the reservation, so the balance
  reflects the pending spend before the checkout can continue. If the
  reservation cannot be recorded the debit is released and the draft is
  spent: a retry under the same draft id is rejected.

  Release transitions the reservation first and credits after. The credit is
  idempotent, so releasing an already released reservation re-issues it and
  heals a credit that failed the first time. Commit and Release race on the
  same state transition; only one wins.

SEE ALSO:
  - rules.go: minimum, rate, discount cap
  - ledger/store.go: DiscountStore
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/metrics"
)

// StepCreateDiscount names the reservation write in PartialApplicationError.
const StepCreateDiscount = "create_discount"

type Store interface {
	ledger.DiscountStore
	ledger.TransactionStore
}

type ReserveRequest struct {
	AccountID  ledger.AccountID
	DraftID    string
	Coins      int64
	OrderTotal decimal.Decimal
}

// Reservation is a checkout discount plus how this call resolved it.
type Reservation struct {
	ledger.CheckoutDiscount
	Outcome ledger.Outcome
}

type Service struct {
	Ledger *ledger.Ledger
	Store  Store
	Rules  Rules
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func NewService(l *ledger.Ledger, store Store, rules Rules, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Ledger: l, Store: store, Rules: rules, Log: log, Now: time.Now}
}

func releaseRef(ref string) string { return ref + "-release" }

func (s *Service) get(ctx context.Context, ref string) (ledger.CheckoutDiscount, error) {
	return ledger.CallValue(ctx, s.Ledger.Timeout, "get discount", func(ctx context.Context) (ledger.CheckoutDiscount, error) {
		return s.Store.GetDiscount(ctx, ref)
	})
}

func (s *Service) transition(ctx context.Context, ref string, from, to ledger.DiscountState, orderID string) (bool, error) {
	return ledger.CallValue(ctx, s.Ledger.Timeout, "transition discount", func(ctx context.Context) (bool, error) {
		return s.Store.TransitionDiscount(ctx, ref, from, to, orderID, s.Now())
	})
}

func record(action string, err error) {
	switch {
	case err == nil:
		metrics.Reservations.WithLabelValues(action, "ok").Inc()
	case ledger.IsClientError(err):
		metrics.Reservations.WithLabelValues(action, "rejected").Inc()
	default:
		metrics.Reservations.WithLabelValues(action, "failed").Inc()
	}
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve debits coins for the draft and records the reservation.
// Re-reserving the same draft with the same coins returns the existing
// reservation with OutcomeAlreadyClaimed.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	res, err := s.reserve(ctx, req)
	record("reserve", err)
	return res, err
}

func (s *Service) reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := s.validate(req); err != nil {
		return Reservation{}, err
	}
	log := s.Log.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"reference":  req.DraftID,
		"coins":      req.Coins,
	})

	existing, err := s.get(ctx, req.DraftID)
	switch {
	case err == nil:
		return sameReservation(existing, req)
	case !errors.Is(err, ledger.ErrReservationNotFound):
		return Reservation{}, err
	}

	tx, outcome, err := s.Ledger.Apply(ctx, req.AccountID, -req.Coins, ledger.TxCheckoutDiscount, req.DraftID,
		fmt.Sprintf("Checkout discount on %s", req.DraftID))
	if err != nil {
		return Reservation{}, err
	}
	if outcome == ledger.OutcomeAlreadyClaimed {
		// Debited earlier without a reservation row: either a crash between
		// the two writes (heal) or a released draft (reject).
		if tx.Delta != -req.Coins {
			return Reservation{}, ledger.NewValidationError("draft_id", "draft already used with a different amount")
		}
		released, err := ledger.CallValue(ctx, s.Ledger.Timeout, "find release", func(ctx context.Context) (*ledger.Transaction, error) {
			return s.Store.FindTransaction(ctx, req.AccountID, ledger.TxCheckoutDiscountRelease, releaseRef(req.DraftID))
		})
		if err != nil {
			return Reservation{}, err
		}
		if released != nil {
			return Reservation{}, ledger.NewValidationError("draft_id", "draft was released, start a new checkout")
		}
	}

	now := s.Now().UTC()
	d := ledger.CheckoutDiscount{
		Ref:            req.DraftID,
		AccountID:      req.AccountID,
		CoinsReserved:  req.Coins,
		DiscountAmount: s.Rules.DiscountFor(req.Coins),
		OrderTotal:     req.OrderTotal,
		State:          ledger.DiscountReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	type created struct {
		d  ledger.CheckoutDiscount
		ok bool
	}
	out, err := ledger.CallValue(ctx, s.Ledger.Timeout, "create discount", func(ctx context.Context) (created, error) {
		got, ok, err := s.Store.CreateDiscount(ctx, d)
		return created{got, ok}, err
	})
	if err != nil {
		log.WithError(err).Error("checkout: reservation write failed after debit, releasing")
		_, _, compErr := s.Ledger.Apply(ctx, req.AccountID, req.Coins, ledger.TxCheckoutDiscountRelease,
			releaseRef(req.DraftID), "Checkout discount released")
		metrics.Compensations.WithLabelValues("release_discount", resultLabel(compErr)).Inc()
		return Reservation{}, &ledger.PartialApplicationError{
			Step:            StepCreateDiscount,
			Cause:           err,
			Compensated:     compErr == nil,
			CompensationErr: compErr,
		}
	}
	if !out.ok {
		// Another request for the same draft recorded it first.
		return sameReservation(out.d, req)
	}

	log.WithField("discount", d.DiscountAmount.String()).Info("checkout: coins reserved")
	return Reservation{CheckoutDiscount: out.d, Outcome: ledger.OutcomeApplied}, nil
}

func (s *Service) validate(req ReserveRequest) error {
	switch {
	case req.AccountID == "":
		return ledger.NewValidationError("account_id", "required")
	case req.DraftID == "":
		return ledger.NewValidationError("draft_id", "required")
	case !req.OrderTotal.IsPositive():
		return ledger.NewValidationError("order_total", "must be positive")
	case req.Coins < s.Rules.MinCoinsToUse:
		return ledger.NewValidationError("coins", fmt.Sprintf("use at least %d coins", s.Rules.MinCoinsToUse))
	}
	if limit := s.Rules.MaxCoins(req.OrderTotal); req.Coins > limit {
		return &ledger.ValidationError{
			Field:    "coins",
			Reason:   fmt.Sprintf("discount exceeds %s%% of the order", s.Rules.MaxDiscountPercentage),
			MaxCoins: limit,
		}
	}
	return nil
}

func sameReservation(d ledger.CheckoutDiscount, req ReserveRequest) (Reservation, error) {
	if d.AccountID != req.AccountID || d.CoinsReserved != req.Coins {
		return Reservation{}, ledger.NewValidationError("draft_id",
			fmt.Sprintf("draft already has a reservation of %d coins", d.CoinsReserved))
	}
	if d.State != ledger.DiscountReserved {
		return Reservation{}, ledger.NewValidationError("draft_id", fmt.Sprintf("reservation is %s", d.State))
	}
	return Reservation{CheckoutDiscount: d, Outcome: ledger.OutcomeAlreadyClaimed}, nil
}

// =============================================================================
// COMMIT / RELEASE
// =============================================================================

// Commit binds the reservation to the placed order. The coins were debited
// at reserve time; nothing is written to the ledger.
func (s *Service) Commit(ctx context.Context, ref, orderID string) (Reservation, error) {
	res, err := s.commit(ctx, ref, orderID)
	record("commit", err)
	return res, err
}

func (s *Service) commit(ctx context.Context, ref, orderID string) (Reservation, error) {
	if orderID == "" {
		return Reservation{}, ledger.NewValidationError("order_id", "required")
	}
	ok, err := s.transition(ctx, ref, ledger.DiscountReserved, ledger.DiscountCommitted, orderID)
	if err != nil {
		return Reservation{}, err
	}
	d, err := s.get(ctx, ref)
	if err != nil {
		return Reservation{}, err
	}
	if ok {
		s.Log.WithFields(logrus.Fields{"reference": ref, "order_id": orderID}).Info("checkout: reservation committed")
		return Reservation{CheckoutDiscount: d, Outcome: ledger.OutcomeApplied}, nil
	}
	if d.State == ledger.DiscountCommitted && d.OrderID == orderID {
		return Reservation{CheckoutDiscount: d, Outcome: ledger.OutcomeAlreadyClaimed}, nil
	}
	return Reservation{}, ledger.NewValidationError("ref", fmt.Sprintf("reservation is %s", d.State))
}

// Release returns the reserved coins. Safe to retry; releasing a committed
// reservation is rejected.
func (s *Service) Release(ctx context.Context, ref string) (Reservation, error) {
	res, err := s.release(ctx, ref)
	record("release", err)
	return res, err
}

func (s *Service) release(ctx context.Context, ref string) (Reservation, error) {
	ok, err := s.transition(ctx, ref, ledger.DiscountReserved, ledger.DiscountReleased, "")
	if err != nil {
		return Reservation{}, err
	}
	d, err := s.get(ctx, ref)
	if err != nil {
		return Reservation{}, err
	}
	if d.State == ledger.DiscountCommitted {
		return Reservation{}, ledger.NewValidationError("ref", "reservation is committed to an order")
	}

	_, outcome, err := s.Ledger.Apply(ctx, d.AccountID, d.CoinsReserved, ledger.TxCheckoutDiscountRelease,
		releaseRef(ref), "Checkout discount released")
	if err != nil {
		s.Log.WithError(err).WithField("reference", ref).Error("checkout: release credit failed, retry release")
		return Reservation{}, err
	}
	if ok {
		s.Log.WithFields(logrus.Fields{"account_id": d.AccountID, "reference": ref}).Info("checkout: reservation released")
	}
	return Reservation{CheckoutDiscount: d, Outcome: outcome}, nil
}

// ReleaseStale releases reservations still open after ttl.
func (s *Service) ReleaseStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.Now().Add(-ttl)
	stale, err := ledger.CallValue(ctx, s.Ledger.Timeout, "stale discounts", func(ctx context.Context) ([]ledger.CheckoutDiscount, error) {
		return s.Store.StaleDiscounts(ctx, cutoff)
	})
	if err != nil {
		return 0, err
	}
	var errs []error
	released := 0
	for _, d := range stale {
		if _, err := s.Release(ctx, d.Ref); err != nil {
			// Committed between the listing and the release.
			if ledger.IsClientError(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("release %s: %w", d.Ref, err))
			continue
		}
		released++
	}
	if released > 0 {
		s.Log.WithField("count", released).Info("checkout: stale reservations released")
	}
	return released, errors.Join(errs...)
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
