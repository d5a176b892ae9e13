package periods

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mealsphere/mealsphere/internal/platform/db"
)

// Reader exposes the read queries available both on the pool and inside a transaction.
type Reader interface {
	GetPeriod(ctx context.Context, id string) (Period, error)
	GetActivePeriod(ctx context.Context, roomID string) (Period, error)
	ListPeriods(ctx context.Context, roomID string, includeArchived bool) ([]Period, error)
	FindPeriodByName(ctx context.Context, roomID, name string) (Period, error)
	ListBoundedPeriods(ctx context.Context, roomID string) ([]Period, error)
	Aggregator
}

// Aggregator computes scalar facts about the child records of a period.
type Aggregator interface {
	CountMeals(ctx context.Context, s Scope) (int64, error)
	SumGuestMeals(ctx context.Context, s Scope) (int64, error)
	SumPurchasedShopping(ctx context.Context, s Scope) (decimal.Decimal, error)
	SumCompletedPayments(ctx context.Context, s Scope) (decimal.Decimal, error)
	SumExtraExpenses(ctx context.Context, s Scope) (decimal.Decimal, error)
	CountMembers(ctx context.Context, roomID string) (MemberCounts, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Reader
	GetPeriodForUpdate(ctx context.Context, id string) (Period, error)
	InsertPeriod(ctx context.Context, p Period) error
	UpdatePeriod(ctx context.Context, p Period) error
	ReassignChildren(ctx context.Context, fromPeriodID, toPeriodID string) (MigrationReport, error)
}

// Repository is the persistence contract used by Service.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// childTables lists every table whose rows belong to a period. Order is fixed so restart
// reports are stable.
var childTables = []string{
	"meals",
	"guest_meals",
	"shopping_items",
	"extra_expenses",
	"payments",
	"market_dates",
	"account_transactions",
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

type repository struct {
	queries
	pool *pgxpool.Pool
}

type txRepository struct {
	queries
}

// NewRepository constructs a Postgres backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errNilRepository
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{queries: queries{db: tx}})
	})
	return mapWriteError(err)
}

const periodColumns = `id, room_id, name, start_date, end_date, status, is_locked,
opening_balance::text, closing_balance::text, carry_forward, notes, created_by, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p       Period
		status  string
		opening string
		closing *string
	)
	err := row.Scan(&p.ID, &p.RoomID, &p.Name, &p.StartDate, &p.EndDate, &status, &p.IsLocked,
		&opening, &closing, &p.CarryForward, &p.Notes, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	p.Status = Status(status)
	if p.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return Period{}, fmt.Errorf("periods: parse opening balance: %w", err)
	}
	if closing != nil {
		value, err := decimal.NewFromString(*closing)
		if err != nil {
			return Period{}, fmt.Errorf("periods: parse closing balance: %w", err)
		}
		p.ClosingBalance = &value
	}
	return p, nil
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeriod loads a single period.
func (q queries) GetPeriod(ctx context.Context, id string) (Period, error) {
	return scanPeriod(q.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM meal_periods WHERE id = $1`, id))
}

// GetPeriodForUpdate loads and row-locks a period.
func (q queries) GetPeriodForUpdate(ctx context.Context, id string) (Period, error) {
	return scanPeriod(q.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM meal_periods WHERE id = $1 FOR UPDATE`, id))
}

// GetActivePeriod returns the ACTIVE period of a room or ErrNotFound.
func (q queries) GetActivePeriod(ctx context.Context, roomID string) (Period, error) {
	return scanPeriod(q.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM meal_periods
WHERE room_id = $1 AND status = 'ACTIVE' ORDER BY start_date DESC LIMIT 1`, roomID))
}

// ListPeriods returns the room's periods, newest first.
func (q queries) ListPeriods(ctx context.Context, roomID string, includeArchived bool) ([]Period, error) {
	rows, err := q.db.Query(ctx, `SELECT `+periodColumns+` FROM meal_periods
WHERE room_id = $1 AND ($2 OR status <> 'ARCHIVED')
ORDER BY start_date DESC`, roomID, includeArchived)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// FindPeriodByName looks up a period by exact name within a room.
func (q queries) FindPeriodByName(ctx context.Context, roomID, name string) (Period, error) {
	return scanPeriod(q.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM meal_periods
WHERE room_id = $1 AND name = $2 LIMIT 1`, roomID, name))
}

// ListBoundedPeriods returns the room's periods that have an end date.
func (q queries) ListBoundedPeriods(ctx context.Context, roomID string) ([]Period, error) {
	rows, err := q.db.Query(ctx, `SELECT `+periodColumns+` FROM meal_periods
WHERE room_id = $1 AND end_date IS NOT NULL ORDER BY start_date`, roomID)
	if err != nil {
		return nil, err
	}
	return collectPeriods(rows)
}

// InsertPeriod creates a period row.
func (q queries) InsertPeriod(ctx context.Context, p Period) error {
	_, err := q.db.Exec(ctx, `INSERT INTO meal_periods
(id, room_id, name, start_date, end_date, status, is_locked, opening_balance, closing_balance,
 carry_forward, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10, $11, $12, $13, $13)`,
		p.ID, p.RoomID, p.Name, p.StartDate, p.EndDate, string(p.Status), p.IsLocked,
		p.OpeningBalance.String(), decimalText(p.ClosingBalance), p.CarryForward, p.Notes, p.CreatedBy, p.CreatedAt)
	return mapWriteError(err)
}

// UpdatePeriod writes every mutable column of a period.
func (q queries) UpdatePeriod(ctx context.Context, p Period) error {
	tag, err := q.db.Exec(ctx, `UPDATE meal_periods SET
name = $2, start_date = $3, end_date = $4, status = $5, is_locked = $6,
opening_balance = $7::text::numeric, closing_balance = $8::text::numeric, carry_forward = $9, notes = $10,
updated_at = $11
WHERE id = $1`,
		p.ID, p.Name, p.StartDate, p.EndDate, string(p.Status), p.IsLocked,
		p.OpeningBalance.String(), decimalText(p.ClosingBalance), p.CarryForward, p.Notes, p.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignChildren moves every child record of one period to another.
func (q queries) ReassignChildren(ctx context.Context, fromPeriodID, toPeriodID string) (MigrationReport, error) {
	report := make(MigrationReport, len(childTables))
	for _, table := range childTables {
		tag, err := q.db.Exec(ctx, `UPDATE `+table+` SET period_id = $2 WHERE period_id = $1`, fromPeriodID, toPeriodID)
		if err != nil {
			return report, fmt.Errorf("periods: reassign %s: %w", table, err)
		}
		report[table] = tag.RowsAffected()
	}
	return report, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	constraintOneActive    = "meal_periods_one_active_per_room"
	constraintNamePerRoom  = "meal_periods_room_name_key"
	constraintDateOrder    = "meal_periods_date_order"
)

// mapWriteError translates constraint violations into the package error taxonomy. Serialization
// failures keep the *pgconn.PgError in the chain so db.WithTx can still retry them.
func mapWriteError(err error) error {
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintOneActive:
			return fmt.Errorf("%w: room already has an active period", ErrConflict)
		case constraintNamePerRoom:
			return fmt.Errorf("%w: period name already used in this room", ErrConflict)
		}
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case pgCheckViolation:
		if pgErr.ConstraintName == constraintDateOrder {
			return fmt.Errorf("%w: start date must be before end date", ErrValidation)
		}
		return fmt.Errorf("%w: %s", ErrValidation, pgErr.Message)
	case pgSerializationFailure:
		return fmt.Errorf("%w: concurrent period update: %w", ErrConflict, err)
	}
	return err
}
