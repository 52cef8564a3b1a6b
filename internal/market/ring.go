package market

import (
	"sync"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// priceRing is a lazy time-windowed ring of price points. Points older than
// the window are evicted on append.
type priceRing struct {
	mu     sync.Mutex
	points []domain.PricePoint
	window time.Duration
}

func newPriceRing(window time.Duration) *priceRing {
	return &priceRing{window: window}
}

// append adds a sample and evicts points older than the window.
func (r *priceRing) append(p domain.PricePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.points = append(r.points, p)
	cutoff := p.At.Add(-r.window)
	i := 0
	for i < len(r.points) && r.points[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.points = append(r.points[:0], r.points[i:]...)
	}
}

// snapshot returns a copy of the retained points, oldest first.
func (r *priceRing) snapshot() []domain.PricePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PricePoint, len(r.points))
	copy(out, r.points)
	return out
}
