// Package store provides an in-memory ledger.Backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

// Step names accepted by FailOn and DelayOn.
const (
	StepGetAccount          = "GetAccount"
	StepAppendTransaction   = "AppendTransaction"
	StepClaimRewardAtomic   = "ClaimRewardAtomic"
	StepAtomicStock         = "ClaimRewardAtomic.stock"
	StepDebitBalance        = "DebitBalance"
	StepCreditBalance       = "CreditBalance"
	StepCreateClaimedReward = "CreateClaimedReward"
	StepDeleteClaimedReward = "DeleteClaimedReward"
	StepLogTransaction      = "LogTransaction"
	StepDecrementStock      = "DecrementStock"
	StepCreateDiscount      = "CreateDiscount"
	StepTransitionDiscount  = "TransitionDiscount"
	StepSaveStreak          = "SaveStreak"
	StepCompleteReferral    = "CompleteReferral"
)

// =============================================================================
// MEMORY BACKEND - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState

	atomic bool

	fmu    sync.Mutex
	faults map[string][]error
	lost   map[string][]error
	delays map[string]time.Duration
}

type refKey struct {
	AccountID ledger.AccountID
	Type      ledger.TransactionType
	Reference string
}

type memoryState struct {
	accounts      map[ledger.AccountID]ledger.Account
	transactions  map[ledger.AccountID][]ledger.Transaction
	refs          map[refKey]ledger.TransactionID
	balanceRefs   map[string]bool
	streaks       map[ledger.AccountID]ledger.StreakState
	rewards       map[ledger.RewardID]ledger.Reward
	claims        []ledger.ClaimedReward
	referrals     map[ledger.ReferralID]ledger.Referral
	discounts     map[string]ledger.CheckoutDiscount
	discrepancies []ledger.StockDiscrepancy
}

func newState() memoryState {
	return memoryState{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		transactions: make(map[ledger.AccountID][]ledger.Transaction),
		refs:         make(map[refKey]ledger.TransactionID),
		balanceRefs:  make(map[string]bool),
		streaks:      make(map[ledger.AccountID]ledger.StreakState),
		rewards:      make(map[ledger.RewardID]ledger.Reward),
		referrals:    make(map[ledger.ReferralID]ledger.Referral),
		discounts:    make(map[string]ledger.CheckoutDiscount),
	}
}

// NewMemory returns an empty backend with the atomic procedure available.
func NewMemory() *Memory {
	return &Memory{
		state:  newState(),
		atomic: true,
		faults: make(map[string][]error),
		lost:   make(map[string][]error),
		delays: make(map[string]time.Duration),
	}
}

// Compile-time checks
var (
	_ ledger.Backend        = (*Memory)(nil)
	_ ledger.AtomicRedeemer = (*Memory)(nil)
)

// =============================================================================
// FAULT INJECTION
// =============================================================================

// SetAtomic toggles the atomic claim procedure.
func (m *Memory) SetAtomic(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atomic = enabled
}

// FailOn makes the next call of step return err. Calls queue up.
func (m *Memory) FailOn(step string, err error) {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	m.faults[step] = append(m.faults[step], err)
}

// LoseResponseOn makes the next call of step apply and then return err, as
// when the write lands but the reply never arrives. Only CreateClaimedReward
// honours it.
func (m *Memory) LoseResponseOn(step string, err error) {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	m.lost[step] = append(m.lost[step], err)
}

func (m *Memory) lostResponse(step string) error {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	q := m.lost[step]
	if len(q) == 0 {
		return nil
	}
	m.lost[step] = q[1:]
	return q[0]
}

// DelayOn makes every call of step wait d (or until ctx is done).
func (m *Memory) DelayOn(step string, d time.Duration) {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	m.delays[step] = d
}

func (m *Memory) inject(ctx context.Context, step string) error {
	m.fmu.Lock()
	delay := m.delays[step]
	var err error
	if q := m.faults[step]; len(q) > 0 {
		err = q[0]
		m.faults[step] = q[1:]
	}
	m.fmu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// =============================================================================
// TRANSACTIONAL VIEW - snapshot + rollback on error
// =============================================================================

// atomically runs fn under the write lock; on error the state is restored.
func (m *Memory) atomically(fn func(s *memoryState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memoryState) clone() memoryState {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]ledger.Transaction(nil), v...)
	}
	for k, v := range s.refs {
		c.refs[k] = v
	}
	for k, v := range s.balanceRefs {
		c.balanceRefs[k] = v
	}
	for k, v := range s.streaks {
		c.streaks[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = cloneReward(v)
	}
	c.claims = append([]ledger.ClaimedReward(nil), s.claims...)
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	for k, v := range s.discounts {
		c.discounts[k] = v
	}
	c.discrepancies = append([]ledger.StockDiscrepancy(nil), s.discrepancies...)
	return c
}

func cloneReward(r ledger.Reward) ledger.Reward {
	if r.Stock != nil {
		v := *r.Stock
		r.Stock = &v
	}
	if r.DurationDays != nil {
		v := *r.DurationDays
		r.DurationDays = &v
	}
	return r
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	if err := m.inject(ctx, StepGetAccount); err != nil {
		return ledger.Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.state.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) EnsureAccount(_ context.Context, id ledger.AccountID, at time.Time) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.state.accounts[id]; ok {
		return acct, nil
	}
	acct := ledger.Account{ID: id, CreatedAt: at.UTC()}
	m.state.accounts[id] = acct
	m.state.streaks[id] = ledger.StreakState{AccountID: id}
	return acct, nil
}

func (m *Memory) ListAccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.AccountID, 0, len(m.state.accounts))
	for id := range m.state.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) MarkWelcomeBonusClaimed(_ context.Context, id ledger.AccountID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.state.accounts[id]
	if !ok {
		return false, ledger.ErrAccountNotFound
	}
	if acct.WelcomeBonusClaimed {
		return false, nil
	}
	acct.WelcomeBonusClaimed = true
	m.state.accounts[id] = acct
	return true, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := m.inject(ctx, StepAppendTransaction); err != nil {
		return ledger.Transaction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state.appendLocked(tx, true); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// appendLocked writes the row; when moveCounter is set the balance view moves
// with it.
func (s *memoryState) appendLocked(tx ledger.Transaction, moveCounter bool) error {
	acct, ok := s.accounts[tx.AccountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	k := refKey{AccountID: tx.AccountID, Type: tx.Type, Reference: tx.Reference}
	if _, dup := s.refs[k]; dup {
		return ledger.ErrDuplicateReference
	}
	if moveCounter {
		if tx.Delta < 0 && acct.AvailablePoints+tx.Delta < 0 {
			return &ledger.InsufficientPointsError{
				AccountID: tx.AccountID,
				Available: acct.AvailablePoints,
				Requested: -tx.Delta,
			}
		}
		acct.AvailablePoints += tx.Delta
		acct.LifetimePoints += tx.LifetimeDelta()
		s.accounts[tx.AccountID] = acct
	}
	s.transactions[tx.AccountID] = append(s.transactions[tx.AccountID], tx)
	s.refs[k] = tx.ID
	return nil
}

func (m *Memory) FindTransaction(_ context.Context, id ledger.AccountID, txType ledger.TransactionType, reference string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txID, ok := m.state.refs[refKey{AccountID: id, Type: txType, Reference: reference}]
	if !ok {
		return nil, nil
	}
	for _, tx := range m.state.transactions[id] {
		if tx.ID == txID {
			found := tx
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.AccountID, filter ledger.HistoryFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[ledger.TransactionType]bool, len(filter.Types))
	for _, t := range filter.Types {
		want[t] = true
	}
	all := m.state.transactions[id]
	result := make([]ledger.Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if len(want) > 0 && !want[all[i].Type] {
			continue
		}
		result = append(result, all[i])
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// STREAKS
// =============================================================================

func (m *Memory) GetStreak(_ context.Context, id ledger.AccountID) (ledger.StreakState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.state.streaks[id]; ok {
		return s, nil
	}
	return ledger.StreakState{AccountID: id}, nil
}

func (m *Memory) SaveStreak(ctx context.Context, s ledger.StreakState) error {
	if err := m.inject(ctx, StepSaveStreak); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.streaks[s.AccountID] = s
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetRewardCatalog(_ context.Context, filter ledger.CatalogFilter) ([]ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Reward
	for _, r := range m.state.rewards {
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.MaxCost > 0 && r.PointsCost > filter.MaxCost {
			continue
		}
		result = append(result, cloneReward(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PointsCost != result[j].PointsCost {
			return result[i].PointsCost < result[j].PointsCost
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) GetReward(_ context.Context, id ledger.RewardID) (ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.rewards[id]
	if !ok {
		return ledger.Reward{}, ledger.ErrRewardNotFound
	}
	return cloneReward(r), nil
}

func (m *Memory) SaveReward(_ context.Context, r ledger.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.rewards[r.ID] = cloneReward(r)
	return nil
}

// =============================================================================
// CLAIMS
// =============================================================================

func (m *Memory) ClaimedRewards(_ context.Context, id ledger.AccountID) ([]ledger.ClaimedReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.ClaimedReward
	for _, c := range m.state.claims {
		if c.AccountID == id {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *Memory) FindClaimByAttempt(_ context.Context, id ledger.AccountID, attemptID string) (*ledger.ClaimedReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.state.claims {
		if c.AccountID == id && c.AttemptID == attemptID {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) ExpireClaims(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, c := range m.state.claims {
		if c.Status == ledger.ClaimActive && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			m.state.claims[i].Status = ledger.ClaimExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) StockDiscrepancies(_ context.Context) ([]ledger.StockDiscrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.StockDiscrepancy(nil), m.state.discrepancies...), nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (m *Memory) CreateReferral(_ context.Context, r ledger.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.referrals {
		if existing.ReferredID == r.ReferredID {
			return fmt.Errorf("account %s already referred", r.ReferredID)
		}
	}
	if r.Status == "" {
		r.Status = ledger.ReferralPending
	}
	m.state.referrals[r.ID] = r
	return nil
}

func (m *Memory) GetReferralByReferred(_ context.Context, referredID ledger.AccountID) (*ledger.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.state.referrals {
		if r.ReferredID == referredID {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) CompleteReferral(ctx context.Context, id ledger.ReferralID, at time.Time) (ledger.Referral, bool, error) {
	if err := m.inject(ctx, StepCompleteReferral); err != nil {
		return ledger.Referral{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.referrals[id]
	if !ok {
		return ledger.Referral{}, false, ledger.ErrReferralNotFound
	}
	if r.Status == ledger.ReferralCompleted {
		return r, false, nil
	}
	completedAt := at.UTC()
	r.Status = ledger.ReferralCompleted
	r.CompletedAt = &completedAt
	m.state.referrals[id] = r
	return r, true, nil
}

// =============================================================================
// CHECKOUT DISCOUNTS
// =============================================================================

func (m *Memory) CreateDiscount(ctx context.Context, d ledger.CheckoutDiscount) (ledger.CheckoutDiscount, bool, error) {
	if err := m.inject(ctx, StepCreateDiscount); err != nil {
		return ledger.CheckoutDiscount{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.state.discounts[d.Ref]; ok {
		return existing, false, nil
	}
	m.state.discounts[d.Ref] = d
	return d, true, nil
}

func (m *Memory) GetDiscount(_ context.Context, ref string) (ledger.CheckoutDiscount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.state.discounts[ref]
	if !ok {
		return ledger.CheckoutDiscount{}, ledger.ErrReservationNotFound
	}
	return d, nil
}

func (m *Memory) TransitionDiscount(ctx context.Context, ref string, from, to ledger.DiscountState, orderID string, at time.Time) (bool, error) {
	if err := m.inject(ctx, StepTransitionDiscount); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.discounts[ref]
	if !ok {
		return false, ledger.ErrReservationNotFound
	}
	if d.State != from {
		return false, nil
	}
	d.State = to
	if orderID != "" {
		d.OrderID = orderID
	}
	d.UpdatedAt = at.UTC()
	m.state.discounts[ref] = d
	return true, nil
}

func (m *Memory) StaleDiscounts(_ context.Context, cutoff time.Time) ([]ledger.CheckoutDiscount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.CheckoutDiscount
	for _, d := range m.state.discounts {
		if d.State == ledger.DiscountReserved && d.CreatedAt.Before(cutoff) {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// =============================================================================
// ATOMIC CLAIM
// =============================================================================

func (m *Memory) AtomicAvailable(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.atomic
}

func (m *Memory) ClaimRewardAtomic(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimedReward, ledger.Transaction, error) {
	if !m.AtomicAvailable(ctx) {
		return ledger.ClaimedReward{}, ledger.Transaction{}, ledger.ErrProcedureUnavailable
	}
	if err := m.inject(ctx, StepClaimRewardAtomic); err != nil {
		return ledger.ClaimedReward{}, ledger.Transaction{}, err
	}

	var claim ledger.ClaimedReward
	var tx ledger.Transaction
	err := m.atomically(func(s *memoryState) error {
		reward, ok := s.rewards[req.RewardID]
		if !ok {
			return ledger.ErrRewardNotFound
		}
		if !reward.IsActive {
			return ledger.NewValidationError("reward_id", "reward is not active")
		}

		tx = ledger.Transaction{
			ID:          req.TxID,
			AccountID:   req.AccountID,
			Delta:       -reward.PointsCost,
			Type:        ledger.TxRedemption,
			Reference:   req.AttemptID,
			Description: req.Description,
			CreatedAt:   req.At.UTC(),
		}
		if err := s.appendLocked(tx, true); err != nil {
			return err
		}

		claim = ledger.ClaimedReward{
			ID:          req.ClaimID,
			AccountID:   req.AccountID,
			RewardID:    req.RewardID,
			AttemptID:   req.AttemptID,
			PointsSpent: reward.PointsCost,
			Status:      ledger.ClaimActive,
			ExpiresAt:   reward.ExpiryFrom(req.At.UTC()),
			ClaimedAt:   req.At.UTC(),
		}
		s.claims = append(s.claims, claim)

		if err := m.inject(ctx, StepAtomicStock); err != nil {
			return err
		}
		if reward.Stock != nil {
			if *reward.Stock <= 0 {
				return &ledger.OutOfStockError{RewardID: reward.ID}
			}
			left := *reward.Stock - 1
			reward.Stock = &left
			s.rewards[reward.ID] = reward
		}
		return nil
	})
	if err != nil {
		return ledger.ClaimedReward{}, ledger.Transaction{}, err
	}
	return claim, tx, nil
}

// =============================================================================
// DISCRETE REDEMPTION STEPS (fallback path)
// =============================================================================

func balanceKey(op string, id ledger.AccountID, reference string) string {
	return op + "|" + string(id) + "|" + reference
}

func (m *Memory) DebitBalance(ctx context.Context, id ledger.AccountID, points int64, reference string) error {
	if err := m.inject(ctx, StepDebitBalance); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey("debit", id, reference)
	if m.state.balanceRefs[key] {
		return ledger.ErrDuplicateReference
	}
	acct, ok := m.state.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if acct.AvailablePoints < points {
		return &ledger.InsufficientPointsError{AccountID: id, Available: acct.AvailablePoints, Requested: points}
	}
	acct.AvailablePoints -= points
	m.state.accounts[id] = acct
	m.state.balanceRefs[key] = true
	return nil
}

func (m *Memory) CreditBalance(ctx context.Context, id ledger.AccountID, points int64, reference string) error {
	if err := m.inject(ctx, StepCreditBalance); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey("credit", id, reference)
	if m.state.balanceRefs[key] {
		return nil
	}
	acct, ok := m.state.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acct.AvailablePoints += points
	m.state.accounts[id] = acct
	m.state.balanceRefs[key] = true
	return nil
}

func (m *Memory) CreateClaimedReward(ctx context.Context, c ledger.ClaimedReward) error {
	if err := m.inject(ctx, StepCreateClaimedReward); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.claims {
		if existing.ID == c.ID {
			return fmt.Errorf("claim %s already exists", c.ID)
		}
	}
	m.state.claims = append(m.state.claims, c)
	return m.lostResponse(StepCreateClaimedReward)
}

func (m *Memory) DeleteClaimedReward(ctx context.Context, id ledger.ClaimID) error {
	if err := m.inject(ctx, StepDeleteClaimedReward); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.state.claims {
		if c.ID == id {
			m.state.claims = append(m.state.claims[:i], m.state.claims[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) LogTransaction(ctx context.Context, tx ledger.Transaction) error {
	if err := m.inject(ctx, StepLogTransaction); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendLocked(tx, false)
}

func (m *Memory) DecrementStock(ctx context.Context, id ledger.RewardID) error {
	if err := m.inject(ctx, StepDecrementStock); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.rewards[id]
	if !ok {
		return ledger.ErrRewardNotFound
	}
	if r.Stock == nil {
		return nil
	}
	if *r.Stock <= 0 {
		return &ledger.OutOfStockError{RewardID: id}
	}
	left := *r.Stock - 1
	r.Stock = &left
	m.state.rewards[id] = r
	return nil
}

func (m *Memory) RecordStockDiscrepancy(_ context.Context, d ledger.StockDiscrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.discrepancies = append(m.state.discrepancies, d)
	return nil
}
