// Package resilience provides the retry, circuit breaker and error
// taxonomy shared by workflow steps and their external collaborators.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/metrics"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a breaker opens and how long it stays open.
type BreakerConfig struct {
	// Threshold is the run of consecutive counted failures that opens the
	// breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration
	// Counts reports whether an error counts toward Threshold. Nil counts
	// every error.
	Counts func(err error) bool
	// OnChange observes transitions.
	OnChange func(name string, from, to BreakerState)
}

// NewBreakerConfig returns a config counting only transient failures, so
// malformed model output does not lock out a healthy provider. Zero values
// select a threshold of 5 and a 30s cooldown.
func NewBreakerConfig(threshold int, cooldown time.Duration) BreakerConfig {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return BreakerConfig{Threshold: threshold, Cooldown: cooldown, Counts: IsTransient}
}

// Breaker guards one downstream dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := NewBreakerConfig(0, 0)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// Guard runs fn unless b is open. While half-open only one call at a time
// is let through; concurrent callers get ErrCircuitOpen.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.admit()
	if err != nil {
		return zero, eris.Wrapf(err, "%s", b.name)
	}
	val, err := fn(ctx)
	b.settle(probe, err)
	return val, err
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.cooled() {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) cooled() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if !b.cooled() {
			return false, ErrCircuitOpen
		}
		b.moveTo(BreakerHalfOpen)
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	counted := err != nil && (b.cfg.Counts == nil || b.cfg.Counts(err))
	if !counted {
		b.failures = 0
		if b.state == BreakerHalfOpen && probe {
			b.moveTo(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			b.moveTo(BreakerOpen)
		}
	}
}

func (b *Breaker) moveTo(to BreakerState) {
	from := b.state
	b.state = to
	open := 0.0
	if to == BreakerOpen {
		open = 1
	}
	metrics.BreakerOpen.WithLabelValues(b.name).Set(open)
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(b.name, from, to)
	}
}

// Breakers hands out one breaker per name, e.g. per model, so a failing
// model does not block the others.
type Breakers struct {
	cfg BreakerConfig

	mu  sync.Mutex
	set map[string]*Breaker
}

// NewBreakers creates an empty registry. Transitions are logged unless
// cfg.OnChange is set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.OnChange == nil {
		cfg.OnChange = func(name string, from, to BreakerState) {
			zap.L().Warn("resilience: circuit state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return &Breakers{cfg: cfg, set: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (bs *Breakers) For(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.set[name]
	if !ok {
		b = NewBreaker(name, bs.cfg)
		bs.set[name] = b
	}
	return b
}

// Open lists the names of breakers currently rejecting calls, sorted.
func (bs *Breakers) Open() []string {
	bs.mu.Lock()
	list := make([]*Breaker, 0, len(bs.set))
	for _, b := range bs.set {
		list = append(list, b)
	}
	bs.mu.Unlock()

	var open []string
	for _, b := range list {
		if b.State() == BreakerOpen {
			open = append(open, b.name)
		}
	}
	sort.Strings(open)
	return open
}
