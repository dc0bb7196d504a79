package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
)

// Window is the half-open unit-id interval (From, To] covered by one digest
// generation cycle.
type Window struct {
	From int64
	To   int64
}

// Empty reports whether there is nothing to digest. An empty window is a
// normal outcome, not an error: callers short-circuit the cycle.
func (w Window) Empty() bool {
	return w.To <= w.From
}

func (w Window) String() string {
	return fmt.Sprintf("(%d, %d]", w.From, w.To)
}

// BuildWindow computes the window of newly available units for a source: the
// interval between the cursor and the highest persisted unit id.
func BuildWindow(ctx context.Context, store storage.Storage, key models.SourceKey) (Window, error) {
	last, err := store.ReadCursor(ctx, key)
	if err != nil {
		return Window{}, fmt.Errorf("failed to read cursor: %w", err)
	}

	max, err := store.MaxUnitID(ctx, key)
	if err != nil {
		return Window{}, fmt.Errorf("failed to read max unit id: %w", err)
	}

	if max <= last {
		return Window{From: last, To: last}, nil
	}
	return Window{From: last, To: max}, nil
}

// CalendarWindow is an absolute timestamp range for a fixed-time daily cycle,
// used when the digest must fire even absent new units.
type CalendarWindow struct {
	Start time.Time
	End   time.Time
	Day   string
}

// BuildCalendarWindow resolves the local calendar day containing now into an
// absolute [Start, End) range in UTC.
func BuildCalendarWindow(now time.Time, loc *time.Location) CalendarWindow {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	return CalendarWindow{
		Start: start.UTC(),
		End:   end.UTC(),
		Day:   start.Format("2006-01-02"),
	}
}
