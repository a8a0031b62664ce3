package drill

import (
	"context"
	"time"

	"github.com/sells-group/wetland-drill/internal/model"
	"github.com/sells-group/wetland-drill/internal/store"
)

// StatusSummary aggregates the status of a set of polygons.
type StatusSummary struct {
	Polygons []model.PolygonStatus
	Total    int
	Ready    int
	Pending  int
	// Oldest and Newest span last_update over the pending polygons.
	Oldest *time.Time
	Newest *time.Time
}

// Status reports the resumability state of ids.
func Status(ctx context.Context, st store.Store, ids []int64) (*StatusSummary, error) {
	rows, err := st.Status(ctx, ids)
	if err != nil {
		return nil, err
	}
	sum := &StatusSummary{Polygons: rows, Total: len(rows)}
	for _, r := range rows {
		if r.Ready {
			sum.Ready++
			continue
		}
		sum.Pending++
		t := r.LastUpdate
		if sum.Oldest == nil || t.Before(*sum.Oldest) {
			sum.Oldest = &t
		}
		if sum.Newest == nil || t.After(*sum.Newest) {
			sum.Newest = &t
		}
	}
	return sum, nil
}
