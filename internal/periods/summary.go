package periods

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// summaryLoadTimeout bounds a shared summary load once it no longer follows any caller's context.
const summaryLoadTimeout = 15 * time.Second

func summaryScope(roomID string) string {
	return "periods:summary:" + roomID
}

// CalculatePeriodSummary derives the financial summary of a period. A non-empty roomID must
// match the period's room and also narrows every aggregation to that room. Concurrent calls for
// the same period share one load; a caller that gives up does not cancel it for the others.
func (s *Service) CalculatePeriodSummary(ctx context.Context, periodID, roomID string) (Summary, error) {
	period, err := s.GetPeriod(ctx, periodID, roomID)
	if err != nil {
		return Summary{}, err
	}
	load := func(ctx context.Context) (any, error) {
		totals, err := collectTotals(ctx, s.repo, period, roomID, true)
		if err != nil {
			return nil, err
		}
		return NewSummary(period, totals), nil
	}

	flightKey := period.RoomID + "|" + roomID + "|" + period.ID
	ch := s.flight.DoChan(flightKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryLoadTimeout)
		defer cancel()
		if s.cache == nil {
			return load(ctx)
		}
		cacheScope := summaryScope(period.RoomID)
		key, err := s.cache.BuildKey(ctx, cacheScope, "period", period.ID, "room", roomID)
		if err == nil {
			var cached Summary
			if err = s.cache.FetchJSON(ctx, key, &cached, load); err == nil {
				return cached, nil
			}
		}
		s.logger.Warn("summary cache unavailable", slog.String("period_id", period.ID), slog.Any("error", err))
		return load(ctx)
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

// collectTotals runs the six aggregations for p. roomFilter, when set, is added to the child
// record queries. concurrent must be false when agg is bound to a single transaction.
func collectTotals(ctx context.Context, agg Aggregator, p Period, roomFilter string, concurrent bool) (Totals, error) {
	var t Totals
	scope := Scope{RoomID: roomFilter, PeriodID: p.ID}
	steps := []func(context.Context) error{
		func(ctx context.Context) (err error) { t.Meals, err = agg.CountMeals(ctx, scope); return },
		func(ctx context.Context) (err error) { t.GuestMeals, err = agg.SumGuestMeals(ctx, scope); return },
		func(ctx context.Context) (err error) { t.ShoppingAmount, err = agg.SumPurchasedShopping(ctx, scope); return },
		func(ctx context.Context) (err error) { t.Payments, err = agg.SumCompletedPayments(ctx, scope); return },
		func(ctx context.Context) (err error) { t.ExtraExpenses, err = agg.SumExtraExpenses(ctx, scope); return },
		func(ctx context.Context) (err error) { t.Members, err = agg.CountMembers(ctx, p.RoomID); return },
	}
	if !concurrent {
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return Totals{}, err
			}
		}
		return t, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		step := step
		g.Go(func() error { return step(gctx) })
	}
	if err := g.Wait(); err != nil {
		return Totals{}, err
	}
	return t, nil
}
