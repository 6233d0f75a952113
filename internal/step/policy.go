package step

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/resilience"
)

// MaxAttemptsLimit bounds Policy.MaxAttempts.
const MaxAttemptsLimit = 10

// Policy declares how a step is retried and timed out.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration `mapstructure:"base_delay" json:"base_delay"`
	// BackoffMultiplier scales the delay after each further failure.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration `mapstructure:"max_delay" json:"max_delay"`
	// Jitter is a ± fraction applied to each delay.
	Jitter float64 `mapstructure:"jitter" json:"jitter"`
	// Timeout bounds each attempt, not the step as a whole.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxAttemptsLimit {
		return eris.Errorf("step: max attempts %d outside [1,%d]", p.MaxAttempts, MaxAttemptsLimit)
	}
	if p.Timeout <= 0 {
		return eris.New("step: timeout must be positive")
	}
	if p.BaseDelay < 0 {
		return eris.New("step: base delay must not be negative")
	}
	if p.BackoffMultiplier < 0 || math.IsNaN(p.BackoffMultiplier) {
		return eris.New("step: backoff multiplier must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return eris.New("step: jitter must be within [0,1]")
	}
	return nil
}

// Delay returns the un-jittered wait after the given failed attempt
// (0-based): BaseDelay * BackoffMultiplier^attempt, capped by MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult == 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WorstCase returns the longest a step can take before failing terminally,
// ignoring jitter.
func (p Policy) WorstCase() time.Duration {
	total := time.Duration(p.MaxAttempts) * p.Timeout
	for i := 0; i < p.MaxAttempts-1; i++ {
		total += p.Delay(i)
	}
	return total
}

// Attempts implements resilience.Schedule.
func (p Policy) Attempts() int { return p.MaxAttempts }

// Wait implements resilience.Schedule: Delay with Jitter applied.
func (p Policy) Wait(failed int) time.Duration {
	return resilience.Jitter(p.Delay(failed), p.Jitter)
}
