package periods

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// The room filter is optional: an empty room id aggregates by period only.
const scopeFilter = `period_id = $1 AND ($2::text = '' OR room_id = $2)`

// CountMeals counts meals recorded against the period.
func (q queries) CountMeals(ctx context.Context, s Scope) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM meals WHERE `+scopeFilter, s.PeriodID, s.RoomID).Scan(&n)
	return n, err
}

// SumGuestMeals sums guest meal counts for the period.
func (q queries) SumGuestMeals(ctx context.Context, s Scope) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(count), 0)::bigint FROM guest_meals WHERE `+scopeFilter, s.PeriodID, s.RoomID).Scan(&n)
	return n, err
}

// SumPurchasedShopping sums quantities of purchased shopping items.
func (q queries) SumPurchasedShopping(ctx context.Context, s Scope) (decimal.Decimal, error) {
	return q.sumDecimal(ctx, `SELECT COALESCE(SUM(quantity), 0)::text FROM shopping_items WHERE purchased AND `+scopeFilter, s)
}

// SumCompletedPayments sums payments whose status is COMPLETED.
func (q queries) SumCompletedPayments(ctx context.Context, s Scope) (decimal.Decimal, error) {
	return q.sumDecimal(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM payments WHERE status = 'COMPLETED' AND `+scopeFilter, s)
}

// SumExtraExpenses sums extra expense amounts.
func (q queries) SumExtraExpenses(ctx context.Context, s Scope) (decimal.Decimal, error) {
	return q.sumDecimal(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM extra_expenses WHERE `+scopeFilter, s)
}

// CountMembers counts all memberships of a room and the current, non-banned ones.
func (q queries) CountMembers(ctx context.Context, roomID string) (MemberCounts, error) {
	var c MemberCounts
	err := q.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_current AND NOT is_banned)
FROM room_members WHERE room_id = $1`, roomID).Scan(&c.Total, &c.Active)
	return c, err
}

func (q queries) sumDecimal(ctx context.Context, sql string, s Scope) (decimal.Decimal, error) {
	var raw string
	if err := q.db.QueryRow(ctx, sql, s.PeriodID, s.RoomID).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("periods: parse sum: %w", err)
	}
	return d, nil
}
