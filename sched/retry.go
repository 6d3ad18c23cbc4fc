package sched

import (
	"sync"
	"time"

	"mediamill/faults"
)

// Strategy names the backoff shape of a retry decision.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyScheduled   Strategy = "scheduled"
	StrategyNone        Strategy = "none"
)

// Decision is the retry policy's verdict for one failure.
type Decision struct {
	Retryable       bool
	Strategy        Strategy
	Delay           time.Duration
	RestartFromZero bool
}

// Hints are advisory inputs for the next fetch attempt, derived from
// sustained slow throughput. They are not a retry decision.
type Hints struct {
	ChunkSize int64
	Quality   string
}

// RetryPolicy classifies failures into backoff decisions and watches
// transfer throughput for slow-link advisories.
type RetryPolicy struct {
	RateLimitBase    time.Duration
	RemoteServerStep time.Duration
	ScheduledDelay   time.Duration

	SlowRateBps    float64
	SlowWindow     time.Duration
	ReducedChunk   int64
	ReducedQuality string

	mu      sync.Mutex
	samples map[string][]rateSample
}

type rateSample struct {
	at      time.Time
	rateBps float64
}

func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		RateLimitBase:    60 * time.Second,
		RemoteServerStep: 30 * time.Second,
		ScheduledDelay:   time.Hour,
		SlowWindow:       30 * time.Second,
		samples:          make(map[string][]rateSample),
	}
}

// Classify maps a failure to a retry decision. attempt is the number of
// retries already consumed (0 on the first failure).
func (p *RetryPolicy) Classify(err error, attempt int) Decision {
	switch faults.CodeOf(err) {
	case faults.CodeNetworkTransient, faults.CodeTimeout:
		return Decision{Retryable: true, Strategy: StrategyImmediate}

	case faults.CodeRateLimit:
		delay := p.RateLimitBase
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
		return Decision{Retryable: true, Strategy: StrategyExponential, Delay: delay}

	case faults.CodeRemoteServer, faults.CodeProcessExit:
		return Decision{
			Retryable: true,
			Strategy:  StrategyLinear,
			Delay:     p.RemoteServerStep * time.Duration(attempt+1),
		}

	case faults.CodeQuota:
		return Decision{Retryable: true, Strategy: StrategyScheduled, Delay: p.ScheduledDelay}

	case faults.CodeCorruption:
		return Decision{Retryable: true, Strategy: StrategyImmediate, RestartFromZero: true}

	case faults.CodeDiskSpace, faults.CodeUnsupportedFormat, faults.CodeValidation:
		return Decision{Retryable: false, Strategy: StrategyNone}
	}
	return Decision{Retryable: false, Strategy: StrategyNone}
}

// ObserveRate feeds one transfer throughput sample for a task.
func (p *RetryPolicy) ObserveRate(taskID string, rateBps float64) {
	if p.SlowRateBps <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	samples := append(p.samples[taskID], rateSample{at: now, rateBps: rateBps})
	cutoff := now.Add(-p.SlowWindow)
	for len(samples) > 0 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	p.samples[taskID] = samples
}

// Advice returns slow-link hints when the sampling window is covered and
// every sample in it stayed below the threshold.
func (p *RetryPolicy) Advice(taskID string) (Hints, bool) {
	if p.SlowRateBps <= 0 {
		return Hints{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	samples := p.samples[taskID]
	if len(samples) < 2 {
		return Hints{}, false
	}
	if samples[len(samples)-1].at.Sub(samples[0].at) < p.SlowWindow/2 {
		return Hints{}, false
	}
	for _, s := range samples {
		if s.rateBps >= p.SlowRateBps {
			return Hints{}, false
		}
	}
	return Hints{ChunkSize: p.ReducedChunk, Quality: p.ReducedQuality}, true
}

// Forget drops throughput state for a finished task.
func (p *RetryPolicy) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.samples, taskID)
}
