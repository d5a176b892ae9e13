package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StartPeriod opens a new ACTIVE period for the room.
func (s *Service) StartPeriod(ctx context.Context, roomID, actorID string, in StartPeriodInput) (Period, error) {
	period, err := s.startPeriod(ctx, roomID, actorID, in)
	s.record("start", err)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period started",
		slog.String("room_id", roomID),
		slog.String("period_id", period.ID),
		slog.String("actor_id", actorID))
	s.afterCommit(ctx, s.auditEntry("start", actorID, period, nil), newEvent(EventPeriodStarted, period, actorID, period.CreatedAt))
	return period, nil
}

func (s *Service) startPeriod(ctx context.Context, roomID, actorID string, in StartPeriodInput) (Period, error) {
	if err := s.authorizeManager(ctx, roomID, actorID); err != nil {
		return Period{}, err
	}
	if err := s.validateStruct(in); err != nil {
		return Period{}, err
	}
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	name := NormalizeName(in.Name)

	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		active, err := tx.GetActivePeriod(ctx, roomID)
		if err == nil {
			return fmt.Errorf("%w: there is already an active period named %q", ErrConflict, active.Name)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		check := UniquenessCheck{Name: name, StartDate: in.StartDate, EndDate: in.EndDate}
		if err := ValidatePeriodUniqueness(ctx, tx, roomID, check, ""); err != nil {
			return err
		}

		now := s.now()
		period = Period{
			ID:             s.newID(),
			RoomID:         roomID,
			Name:           name,
			StartDate:      in.StartDate,
			EndDate:        in.EndDate,
			Status:         StatusActive,
			OpeningBalance: decimal.Zero,
			Notes:          cleanNotes(in.Notes),
			CreatedBy:      actorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if in.OpeningBalance != nil {
			period.OpeningBalance = *in.OpeningBalance
		}
		if in.CarryForward != nil {
			period.CarryForward = *in.CarryForward
		}
		return tx.InsertPeriod(ctx, period)
	})
	return period, err
}

// EndPeriod ends the room's active period. The closing balance is the period's net balance at
// the moment it ends.
func (s *Service) EndPeriod(ctx context.Context, roomID, actorID string, endDate *time.Time) (Period, error) {
	period, err := s.endPeriod(ctx, roomID, actorID, endDate)
	s.record("end", err)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period ended",
		slog.String("room_id", roomID),
		slog.String("period_id", period.ID),
		slog.String("closing_balance", period.ClosingBalance.String()))
	s.afterCommit(ctx, s.auditEntry("end", actorID, period, map[string]any{"closing_balance": period.ClosingBalance.String()}),
		newEvent(EventPeriodEnded, period, actorID, period.UpdatedAt))
	return period, nil
}

func (s *Service) endPeriod(ctx context.Context, roomID, actorID string, endDate *time.Time) (Period, error) {
	if err := s.authorizeManager(ctx, roomID, actorID); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		active, err := tx.GetActivePeriod(ctx, roomID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: no active period to end", ErrNotFound)
			}
			return err
		}
		p, err := loadInRoom(ctx, tx, roomID, active.ID)
		if err != nil {
			return err
		}

		end := s.now()
		if endDate != nil {
			end = *endDate
		}
		if err := validateRange(p.StartDate, &end); err != nil {
			return err
		}
		if err := ValidatePeriodUniqueness(ctx, tx, roomID, UniquenessCheck{Name: p.Name, StartDate: p.StartDate, EndDate: &end}, p.ID); err != nil {
			return err
		}

		// pgx.Tx is not safe for concurrent use, so totals are read sequentially here.
		totals, err := collectTotals(ctx, tx, p, roomID, false)
		if err != nil {
			return err
		}
		closing := NewSummary(p, totals).NetBalance

		p.EndDate = &end
		p.Status = StatusEnded
		p.ClosingBalance = &closing
		p.UpdatedAt = s.now()
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		period = p
		return nil
	})
	return period, err
}

// LockPeriod freezes a period so that no further edits are allowed.
func (s *Service) LockPeriod(ctx context.Context, roomID, actorID, periodID string) (Period, error) {
	period, err := s.mutate(ctx, roomID, actorID, periodID, func(p *Period) error {
		if p.IsLocked {
			return fmt.Errorf("%w: period %q is already locked", ErrConflict, p.Name)
		}
		p.IsLocked = true
		p.Status = StatusLocked
		return nil
	}, nil)
	s.record("lock", err)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period locked", slog.String("room_id", roomID), slog.String("period_id", periodID))
	s.afterCommit(ctx, s.auditEntry("lock", actorID, period, nil), newEvent(EventPeriodLocked, period, actorID, period.UpdatedAt))
	return period, nil
}

// UnlockPeriod reopens a locked period as ACTIVE or ENDED. An empty target means ENDED.
func (s *Service) UnlockPeriod(ctx context.Context, roomID, actorID, periodID string, target Status) (Period, error) {
	if target == "" {
		target = StatusEnded
	}
	var period Period
	err := fmt.Errorf("%w: unlock target must be ACTIVE or ENDED", ErrValidation)
	if target == StatusActive || target == StatusEnded {
		period, err = s.mutate(ctx, roomID, actorID, periodID, func(p *Period) error {
			if !p.IsLocked {
				return fmt.Errorf("%w: period %q is not locked", ErrConflict, p.Name)
			}
			p.IsLocked = false
			p.Status = target
			return nil
		}, func(ctx context.Context, tx TxRepository, p Period) error {
			if target != StatusActive {
				return nil
			}
			active, err := tx.GetActivePeriod(ctx, roomID)
			if err == nil && active.ID != p.ID {
				return fmt.Errorf("%w: period %q is already active", ErrConflict, active.Name)
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			return nil
		})
	}
	s.record("unlock", err)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period unlocked",
		slog.String("room_id", roomID),
		slog.String("period_id", periodID),
		slog.String("status", string(target)))
	s.afterCommit(ctx, s.auditEntry("unlock", actorID, period, nil), nil)
	return period, nil
}

// ArchivePeriod moves a non-active period to ARCHIVED.
func (s *Service) ArchivePeriod(ctx context.Context, roomID, actorID, periodID string) (Period, error) {
	period, err := s.mutate(ctx, roomID, actorID, periodID, func(p *Period) error {
		if p.Status == StatusActive {
			return fmt.Errorf("%w: cannot archive an active period", ErrConflict)
		}
		p.Status = StatusArchived
		return nil
	}, nil)
	s.record("archive", err)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period archived", slog.String("room_id", roomID), slog.String("period_id", periodID))
	s.afterCommit(ctx, s.auditEntry("archive", actorID, period, nil), newEvent(EventPeriodArchived, period, actorID, period.UpdatedAt))
	return period, nil
}

// UpdatePeriod edits the metadata of a period that is neither locked nor archived.
func (s *Service) UpdatePeriod(ctx context.Context, roomID, actorID, periodID string, in UpdatePeriodInput) (Period, error) {
	var err error
	if err = s.validateStruct(in); err != nil {
		s.record("update", err)
		return Period{}, err
	}
	period, err := s.mutate(ctx, roomID, actorID, periodID, func(p *Period) error {
		if !p.Writable() {
			return fmt.Errorf("%w: %q is %s", ErrPeriodLocked, p.Name, p.Status)
		}
		if in.Name != nil {
			p.Name = NormalizeName(*in.Name)
			if p.Name == "" {
				return fmt.Errorf("%w: name required", ErrValidation)
			}
		}
		if in.StartDate != nil {
			p.StartDate = *in.StartDate
		}
		if in.EndDate != nil {
			end := *in.EndDate
			p.EndDate = &end
		}
		if in.OpeningBalance != nil {
			p.OpeningBalance = *in.OpeningBalance
		}
		if in.CarryForward != nil {
			p.CarryForward = *in.CarryForward
		}
		if in.Notes != nil {
			p.Notes = cleanNotes(in.Notes)
		}
		return validateRange(p.StartDate, p.EndDate)
	}, func(ctx context.Context, tx TxRepository, p Period) error {
		check := UniquenessCheck{Name: p.Name, StartDate: p.StartDate, EndDate: p.EndDate}
		return ValidatePeriodUniqueness(ctx, tx, roomID, check, p.ID)
	})
	s.record("update", err)
	if err != nil {
		return Period{}, err
	}
	s.afterCommit(ctx, s.auditEntry("update", actorID, period, nil), nil)
	return period, nil
}

// mutate loads a period of the room under a row lock, applies change, runs the optional
// guard against the changed row and persists it.
func (s *Service) mutate(ctx context.Context, roomID, actorID, periodID string, change func(*Period) error, guard func(context.Context, TxRepository, Period) error) (Period, error) {
	if err := s.authorizeManager(ctx, roomID, actorID); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := loadInRoom(ctx, tx, roomID, periodID)
		if err != nil {
			return err
		}
		if err := change(&p); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, tx, p); err != nil {
				return err
			}
		}
		p.UpdatedAt = s.now()
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		period = p
		return nil
	})
	return period, err
}

// RestartPeriod creates a new ACTIVE period from an existing one. With WithData every child
// record of the original is moved to the new period in the same transaction.
func (s *Service) RestartPeriod(ctx context.Context, roomID, actorID, periodID string, in RestartInput) (Period, error) {
	period, report, err := s.restartPeriod(ctx, roomID, actorID, periodID, in)
	s.record("restart", err)
	if err != nil {
		return Period{}, err
	}
	attrs := []any{
		slog.String("room_id", roomID),
		slog.String("from_period_id", periodID),
		slog.String("period_id", period.ID),
		slog.Bool("with_data", in.WithData),
	}
	for table, n := range report {
		attrs = append(attrs, slog.Int64("moved_"+table, n))
	}
	s.logger.Info("period restarted", attrs...)
	meta := map[string]any{"from_period_id": periodID, "with_data": in.WithData, "moved_rows": report.Total()}
	s.afterCommit(ctx, s.auditEntry("restart", actorID, period, meta), newEvent(EventPeriodRestarted, period, actorID, period.CreatedAt))
	return period, nil
}

func (s *Service) restartPeriod(ctx context.Context, roomID, actorID, periodID string, in RestartInput) (Period, MigrationReport, error) {
	if err := s.authorizeManager(ctx, roomID, actorID); err != nil {
		return Period{}, nil, err
	}
	if err := s.validateStruct(in); err != nil {
		return Period{}, nil, err
	}
	var (
		period Period
		report MigrationReport
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := loadInRoom(ctx, tx, roomID, periodID)
		if err != nil {
			return err
		}
		active, err := tx.GetActivePeriod(ctx, roomID)
		if err == nil {
			return fmt.Errorf("%w: period %q is still active; end it before restarting", ErrConflict, active.Name)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		name, err := restartName(ctx, tx, roomID, original.Name, in.NewName)
		if err != nil {
			return err
		}

		opening := decimal.Zero
		if original.CarryForward && original.ClosingBalance != nil {
			opening = *original.ClosingBalance
		}
		now := s.now()
		period = Period{
			ID:             s.newID(),
			RoomID:         roomID,
			Name:           name,
			StartDate:      now,
			Status:         StatusActive,
			OpeningBalance: opening,
			CarryForward:   original.CarryForward,
			Notes:          original.Notes,
			CreatedBy:      actorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertPeriod(ctx, period); err != nil {
			return err
		}
		if in.WithData {
			report, err = tx.ReassignChildren(ctx, original.ID, period.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return period, report, err
}

func cleanNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
