package periods

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ValidatePeriodUniqueness rejects a candidate whose name collides with another period of the
// room, or whose range overlaps a bounded period. The first violation found is returned.
// excludeID skips one period, which edit flows use to ignore the row being edited.
func ValidatePeriodUniqueness(ctx context.Context, r Reader, roomID string, check UniquenessCheck, excludeID string) error {
	name := NormalizeName(check.Name)
	if name != "" {
		existing, err := r.FindPeriodByName(ctx, roomID, name)
		switch {
		case err == nil:
			if existing.ID != excludeID {
				return fmt.Errorf("%w: a period named %q already exists (%s)", ErrConflict, existing.Name, formatRange(existing))
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}

	bounded, err := r.ListBoundedPeriods(ctx, roomID)
	if err != nil {
		return err
	}
	if clash, ok := findOverlap(bounded, check.StartDate, check.EndDate, excludeID); ok {
		return fmt.Errorf("%w: dates overlap with period %q (%s)", ErrConflict, clash.Name, formatRange(clash))
	}
	return nil
}

// findOverlap returns the first bounded period that overlaps [start, end]. Periods without an
// end date are ignored. An open-ended candidate only checks whether its start falls inside an
// existing range.
func findOverlap(existing []Period, start time.Time, end *time.Time, excludeID string) (Period, bool) {
	for _, p := range existing {
		if p.EndDate == nil || p.ID == excludeID {
			continue
		}
		if overlaps(p.StartDate, *p.EndDate, start, end) {
			return p, true
		}
	}
	return Period{}, false
}

func overlaps(exStart, exEnd, start time.Time, end *time.Time) bool {
	if within(start, exStart, exEnd) {
		return true
	}
	if end == nil {
		return false
	}
	if within(*end, exStart, exEnd) {
		return true
	}
	return !start.After(exStart) && !end.Before(exEnd)
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// restartName picks the name of a restarted period. Without an explicit name it tries
// "{name} (Restarted)", then "(Restarted 2)", "(Restarted 3)" and so on.
func restartName(ctx context.Context, r Reader, roomID, original string, requested *string) (string, error) {
	if requested != nil {
		name := NormalizeName(*requested)
		if name == "" {
			return "", fmt.Errorf("%w: new name cannot be blank", ErrValidation)
		}
		taken, err := nameTaken(ctx, r, roomID, name)
		if err != nil {
			return "", err
		}
		if taken {
			return "", fmt.Errorf("%w: a period named %q already exists", ErrConflict, name)
		}
		return name, nil
	}

	base := NormalizeName(original)
	candidate := base + " (Restarted)"
	for n := 2; ; n++ {
		taken, err := nameTaken(ctx, r, roomID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s (Restarted %d)", base, n)
	}
}

func nameTaken(ctx context.Context, r Reader, roomID, name string) (bool, error) {
	_, err := r.FindPeriodByName(ctx, roomID, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
