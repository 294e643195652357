package dentalchart

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/clinical-api/internal/model"
)

// viewCache holds views of consolidated charts. Those never change, so entries
// are only dropped by expiry.
type viewCache struct {
	c *cache.Cache
}

func newViewCache(ttl, cleanup time.Duration) *viewCache {
	return &viewCache{c: cache.New(ttl, cleanup)}
}

func (v *viewCache) get(chartID uuid.UUID) (*model.ChartView, bool) {
	item, ok := v.c.Get(chartID.String())
	if !ok {
		return nil, false
	}
	return cloneView(item.(*model.ChartView)), true
}

func (v *viewCache) put(view *model.ChartView) {
	if view.Empty() || view.Chart.Draft {
		return
	}
	v.c.SetDefault(view.Chart.ID.String(), cloneView(view))
}

func (v *viewCache) len() int {
	return v.c.ItemCount()
}

func cloneView(view *model.ChartView) *model.ChartView {
	out := &model.ChartView{Teeth: make([]model.ToothState, len(view.Teeth))}
	if view.Chart != nil {
		chart := *view.Chart
		out.Chart = &chart
	}
	for i := range view.Teeth {
		out.Teeth[i] = *view.Teeth[i].Clone()
	}
	return out
}
