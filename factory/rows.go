/*
Package factory turns loosely typed records into ledger types.

PURPOSE:
  Rows arrive as map[string]any from several places: SQL scans, the JSON
  catalog cache, YAML/JSON seed files and admin payloads. Each constructor
  checks every field it reads and rejects the row with a *RowError instead
  of letting an untyped value travel inward.

ROW SHAPE (column names, shared by every source):
  account:     id, available_points, lifetime_points, welcome_bonus_claimed, created_at
  transaction: id, account_id, delta, tx_type, reference, description, created_at
  reward:      id, name, points_cost, stock, category, duration_days, is_active
  claim:       id, account_id, reward_id, attempt_id, points_spent, status,
               expires_at, claimed_at

VALUE COERCION:
  integers   int, int64, float64 (integral only, from JSON), numeric string
  booleans   bool, integer 0/1 (SQLite), "true"/"false"
  times      time.Time or RFC3339 string
  absent or nil optional fields (stock, duration_days, expires_at) mean "none"

SEE ALSO:
  - catalog.go: seed file loader
  - store/sqlite: decodes scanned rows here
  - cache: decodes cached catalog rows here
*/
package factory

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

// ErrMalformedRow is wrapped by every *RowError.
var ErrMalformedRow = errors.New("malformed row")

// Row is one loosely typed record, keyed by column name.
type Row map[string]any

// RowError names the record kind and the offending field.
type RowError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("malformed %s row: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *RowError) Unwrap() error { return ErrMalformedRow }

// decoder reads fields of one row and keeps the first error.
type decoder struct {
	kind string
	row  Row
	err  error
}

func (d *decoder) fail(field, reason string) {
	if d.err == nil {
		d.err = &RowError{Kind: d.kind, Field: field, Reason: reason}
	}
}

func (d *decoder) present(field string) bool {
	v, ok := d.row[field]
	return ok && v != nil
}

func (d *decoder) str(field string) string {
	v, ok := d.row[field]
	if !ok || v == nil {
		d.fail(field, "missing")
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	d.fail(field, fmt.Sprintf("want string, got %T", v))
	return ""
}

func (d *decoder) requiredStr(field string) string {
	s := d.str(field)
	if d.err == nil && strings.TrimSpace(s) == "" {
		d.fail(field, "empty")
	}
	return s
}

func (d *decoder) optionalStr(field string) string {
	if !d.present(field) {
		return ""
	}
	return d.str(field)
}

func (d *decoder) int64(field string) int64 {
	v, ok := d.row[field]
	if !ok || v == nil {
		d.fail(field, "missing")
		return 0
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			d.fail(field, fmt.Sprintf("want integer, got %v", n))
			return 0
		}
		return int64(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			d.fail(field, fmt.Sprintf("want integer, got %q", n))
		}
		return i
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			d.fail(field, fmt.Sprintf("want integer, got %q", n))
		}
		return i
	}
	d.fail(field, fmt.Sprintf("want integer, got %T", v))
	return 0
}

func (d *decoder) optionalInt64(field string) *int64 {
	if !d.present(field) {
		return nil
	}
	n := d.int64(field)
	return &n
}

func (d *decoder) bool(field string, fallback bool) bool {
	v, ok := d.row[field]
	if !ok || v == nil {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			d.fail(field, fmt.Sprintf("want boolean, got %q", b))
		}
		return parsed
	}
	d.fail(field, fmt.Sprintf("want boolean, got %T", v))
	return fallback
}

func (d *decoder) time(field string) time.Time {
	v, ok := d.row[field]
	if !ok || v == nil {
		d.fail(field, "missing")
		return time.Time{}
	}
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		d.fail(field, fmt.Sprintf("want timestamp, got %T", v))
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail(field, fmt.Sprintf("want RFC3339 timestamp, got %q", s))
	}
	return parsed.UTC()
}

func (d *decoder) optionalTime(field string) *time.Time {
	if !d.present(field) {
		return nil
	}
	if s, ok := d.row[field].(string); ok && s == "" {
		return nil
	}
	t := d.time(field)
	return &t
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func AccountFromRow(row Row) (ledger.Account, error) {
	d := &decoder{kind: "account", row: row}
	acct := ledger.Account{
		ID:                  ledger.AccountID(d.requiredStr("id")),
		AvailablePoints:     d.int64("available_points"),
		LifetimePoints:      d.int64("lifetime_points"),
		WelcomeBonusClaimed: d.bool("welcome_bonus_claimed", false),
		CreatedAt:           d.time("created_at"),
	}
	switch {
	case d.err != nil:
	case acct.AvailablePoints < 0:
		d.fail("available_points", "negative")
	case acct.LifetimePoints < 0:
		d.fail("lifetime_points", "negative")
	}
	return acct, d.err
}

func TransactionFromRow(row Row) (ledger.Transaction, error) {
	d := &decoder{kind: "transaction", row: row}
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(d.requiredStr("id")),
		AccountID:   ledger.AccountID(d.requiredStr("account_id")),
		Delta:       d.int64("delta"),
		Type:        ledger.TransactionType(d.requiredStr("tx_type")),
		Reference:   d.requiredStr("reference"),
		Description: d.optionalStr("description"),
		CreatedAt:   d.time("created_at"),
	}
	switch {
	case d.err != nil:
	case !tx.Type.Valid():
		d.fail("tx_type", fmt.Sprintf("unknown type %q", tx.Type))
	case tx.Delta == 0:
		d.fail("delta", "zero")
	}
	return tx, d.err
}

var categories = map[ledger.RewardCategory]bool{
	ledger.CategoryVoucher:      true,
	ledger.CategoryFreeDelivery: true,
	ledger.CategoryMerchandise:  true,
	ledger.CategoryExperience:   true,
	ledger.CategoryDonation:     true,
}

// RewardFromRow decodes a catalog entry. A missing is_active means active;
// a missing or nil stock means unlimited.
func RewardFromRow(row Row) (ledger.Reward, error) {
	d := &decoder{kind: "reward", row: row}
	r := ledger.Reward{
		ID:         ledger.RewardID(d.requiredStr("id")),
		Name:       d.requiredStr("name"),
		PointsCost: d.int64("points_cost"),
		Stock:      d.optionalInt64("stock"),
		Category:   ledger.RewardCategory(d.requiredStr("category")),
		IsActive:   d.bool("is_active", true),
	}
	if days := d.optionalInt64("duration_days"); days != nil {
		n := int(*days)
		r.DurationDays = &n
	}
	switch {
	case d.err != nil:
	case r.PointsCost <= 0:
		d.fail("points_cost", "must be positive")
	case r.Stock != nil && *r.Stock < 0:
		d.fail("stock", "negative")
	case r.DurationDays != nil && *r.DurationDays <= 0:
		d.fail("duration_days", "must be positive")
	case !categories[r.Category]:
		d.fail("category", fmt.Sprintf("unknown category %q", r.Category))
	}
	return r, d.err
}

func ClaimFromRow(row Row) (ledger.ClaimedReward, error) {
	d := &decoder{kind: "claim", row: row}
	c := ledger.ClaimedReward{
		ID:          ledger.ClaimID(d.requiredStr("id")),
		AccountID:   ledger.AccountID(d.requiredStr("account_id")),
		RewardID:    ledger.RewardID(d.requiredStr("reward_id")),
		AttemptID:   d.requiredStr("attempt_id"),
		PointsSpent: d.int64("points_spent"),
		Status:      ledger.ClaimStatus(d.requiredStr("status")),
		ExpiresAt:   d.optionalTime("expires_at"),
		ClaimedAt:   d.time("claimed_at"),
	}
	switch {
	case d.err != nil:
	case c.Status != ledger.ClaimActive && c.Status != ledger.ClaimExpired:
		d.fail("status", fmt.Sprintf("unknown status %q", c.Status))
	case c.PointsSpent <= 0:
		d.fail("points_spent", "must be positive")
	}
	return c, d.err
}

// DiscrepancyFromRow decodes a stock discrepancy awaiting reconciliation.
func DiscrepancyFromRow(row Row) (ledger.StockDiscrepancy, error) {
	d := &decoder{kind: "stock discrepancy", row: row}
	sd := ledger.StockDiscrepancy{
		ID:         d.requiredStr("id"),
		RewardID:   ledger.RewardID(d.requiredStr("reward_id")),
		ClaimID:    ledger.ClaimID(d.requiredStr("claim_id")),
		AttemptID:  d.requiredStr("attempt_id"),
		Reason:     d.optionalStr("reason"),
		RecordedAt: d.time("recorded_at"),
	}
	return sd, d.err
}

// RewardToRow is the inverse of RewardFromRow.
func RewardToRow(r ledger.Reward) Row {
	row := Row{
		"id":          string(r.ID),
		"name":        r.Name,
		"points_cost": r.PointsCost,
		"category":    string(r.Category),
		"is_active":   r.IsActive,
	}
	if r.Stock != nil {
		row["stock"] = *r.Stock
	}
	if r.DurationDays != nil {
		row["duration_days"] = *r.DurationDays
	}
	return row
}

// RewardsFromRows decodes a list, reporting the index of the first bad row.
func RewardsFromRows(rows []Row) ([]ledger.Reward, error) {
	rewards := make([]ledger.Reward, 0, len(rows))
	for i, row := range rows {
		r, err := RewardFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("reward %d: %w", i, err)
		}
		rewards = append(rewards, r)
	}
	return rewards, nil
}
