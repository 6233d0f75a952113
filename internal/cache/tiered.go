package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/step"
)

// Tier is one named backing cache, ordered fastest first.
type Tier struct {
	Name  string
	Cache step.Cache
}

// Tiered fronts a chain of caches with an in-process ristretto cache. The
// last tier is authoritative: a write must land there before it is
// considered durable, and upper tiers are filled on a best-effort basis.
type Tiered struct {
	l1    *ristretto.Cache[string, []byte]
	ttl   time.Duration
	tiers []Tier
}

var _ step.Cache = (*Tiered)(nil)

// NewTiered builds a tiered cache. maxCostBytes bounds the total size of
// values held in memory; ttl bounds how long an entry stays there.
func NewTiered(maxCostBytes int64, ttl time.Duration, tiers ...Tier) (*Tiered, error) {
	if len(tiers) == 0 {
		return nil, eris.New("cache: tiered cache needs at least one backing tier")
	}
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cache: create ristretto")
	}
	return &Tiered{l1: l1, ttl: ttl, tiers: tiers}, nil
}

// GetStep checks memory, then each tier in order. A hit in a lower tier
// back-fills the tiers above it.
func (t *Tiered) GetStep(ctx context.Context, instanceID, stepName string) ([]byte, bool, error) {
	key := step.Key(instanceID, stepName)
	if v, ok := t.l1.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
		return clone(v), true, nil
	}
	metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()

	for i, tier := range t.tiers {
		data, found, err := tier.Cache.GetStep(ctx, instanceID, stepName)
		if err != nil {
			// Only the authoritative tier may fail the lookup.
			if i == len(t.tiers)-1 {
				metrics.CacheLookups.WithLabelValues(tier.Name, "error").Inc()
				return nil, false, err
			}
			zap.L().Warn("cache: tier lookup failed, falling through",
				zap.String("tier", tier.Name),
				zap.String("instance_id", instanceID),
				zap.String("step", stepName),
				zap.Error(err),
			)
			metrics.CacheLookups.WithLabelValues(tier.Name, "error").Inc()
			continue
		}
		if !found {
			metrics.CacheLookups.WithLabelValues(tier.Name, "miss").Inc()
			continue
		}
		metrics.CacheLookups.WithLabelValues(tier.Name, "hit").Inc()
		t.backfill(ctx, instanceID, stepName, data, i)
		return data, true, nil
	}
	return nil, false, nil
}

func (t *Tiered) backfill(ctx context.Context, instanceID, stepName string, data []byte, upTo int) {
	for _, tier := range t.tiers[:upTo] {
		if err := tier.Cache.PutStep(ctx, instanceID, stepName, data); err != nil {
			zap.L().Debug("cache: backfill failed", zap.String("tier", tier.Name), zap.Error(err))
		}
	}
	t.remember(instanceID, stepName, data)
}

// PutStep writes the authoritative tier first, then the rest.
func (t *Tiered) PutStep(ctx context.Context, instanceID, stepName string, result []byte) error {
	last := t.tiers[len(t.tiers)-1]
	if err := last.Cache.PutStep(ctx, instanceID, stepName, result); err != nil {
		return eris.Wrapf(err, "cache: write %s", last.Name)
	}
	for _, tier := range t.tiers[:len(t.tiers)-1] {
		if err := tier.Cache.PutStep(ctx, instanceID, stepName, result); err != nil {
			zap.L().Warn("cache: upper tier write failed",
				zap.String("tier", tier.Name),
				zap.String("step", stepName),
				zap.Error(err),
			)
		}
	}
	t.remember(instanceID, stepName, result)
	return nil
}

func (t *Tiered) remember(instanceID, stepName string, data []byte) {
	v := clone(data)
	if t.ttl > 0 {
		t.l1.SetWithTTL(step.Key(instanceID, stepName), v, int64(len(v)), t.ttl)
	} else {
		t.l1.Set(step.Key(instanceID, stepName), v, int64(len(v)))
	}
	t.l1.Wait()
}

// Close releases the memory tier. Backing tiers are owned by the caller.
func (t *Tiered) Close() {
	t.l1.Close()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
