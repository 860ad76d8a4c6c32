package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/paintwave/imagenbot/internal/models"
)

// UsageStore counts and appends per-(user, model, day) usage events.
type UsageStore interface {
	CountForDay(ctx context.Context, userID int64, model models.ModelID, day time.Time) (int, error)
	Record(ctx context.Context, userID int64, model models.ModelID, day time.Time) error
}

// Status is the answer to one quota check.
type Status struct {
	Allowed bool
	Used    int
	Limit   int
}

// Tracker gates generations against per-model daily ceilings. The day
// boundary is the calendar date in a fixed reference timezone; since the
// date is part of the storage key there is nothing to reset at midnight.
type Tracker struct {
	store   UsageStore
	catalog *models.Catalog
	loc     *time.Location
	now     func() time.Time
}

func NewTracker(store UsageStore, catalog *models.Catalog, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		store:   store,
		catalog: catalog,
		loc:     loc,
		now:     time.Now,
	}
}

// Check reports whether the user may generate with the model today.
// A zero ceiling means unlimited.
func (t *Tracker) Check(ctx context.Context, userID int64, model models.ModelID) (Status, error) {
	m, ok := t.catalog.Get(model)
	if !ok {
		return Status{}, fmt.Errorf("unknown model: %s", model)
	}
	if m.DailyLimit <= 0 {
		return Status{Allowed: true}, nil
	}

	used, err := t.store.CountForDay(ctx, userID, model, t.today())
	if err != nil {
		return Status{}, fmt.Errorf("check quota: %w", err)
	}
	return Status{
		Allowed: used < m.DailyLimit,
		Used:    used,
		Limit:   m.DailyLimit,
	}, nil
}

// Record consumes one unit of today's quota. Call only after a confirmed
// successful generation.
func (t *Tracker) Record(ctx context.Context, userID int64, model models.ModelID) error {
	if err := t.store.Record(ctx, userID, model, t.today()); err != nil {
		return fmt.Errorf("record quota: %w", err)
	}
	return nil
}

// Remaining reports how many generations are left today; -1 means unlimited.
func (t *Tracker) Remaining(ctx context.Context, userID int64, model models.ModelID) (int, error) {
	status, err := t.Check(ctx, userID, model)
	if err != nil {
		return 0, err
	}
	if status.Limit <= 0 {
		return -1, nil
	}
	left := status.Limit - status.Used
	if left < 0 {
		left = 0
	}
	return left, nil
}

func (t *Tracker) today() time.Time {
	return t.now().In(t.loc)
}
