package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mediamill/faults"
)

func TestClassifyImmediate(t *testing.T) {
	p := NewRetryPolicy()

	for _, code := range []faults.Code{faults.CodeNetworkTransient, faults.CodeTimeout} {
		dec := p.Classify(faults.Newf(code, "boom"), 0)
		assert.True(t, dec.Retryable, string(code))
		assert.Equal(t, StrategyImmediate, dec.Strategy, string(code))
		assert.Zero(t, dec.Delay, string(code))
		assert.False(t, dec.RestartFromZero, string(code))
	}
}

func TestClassifyRateLimitExponential(t *testing.T) {
	p := NewRetryPolicy()
	err := faults.Newf(faults.CodeRateLimit, "429")

	assert.Equal(t, 60*time.Second, p.Classify(err, 0).Delay)
	assert.Equal(t, 120*time.Second, p.Classify(err, 1).Delay)
	assert.Equal(t, 240*time.Second, p.Classify(err, 2).Delay)
	assert.Equal(t, StrategyExponential, p.Classify(err, 0).Strategy)
}

func TestClassifyLinear(t *testing.T) {
	p := NewRetryPolicy()

	remote := faults.Newf(faults.CodeRemoteServer, "502")
	assert.Equal(t, 30*time.Second, p.Classify(remote, 0).Delay)
	assert.Equal(t, 60*time.Second, p.Classify(remote, 1).Delay)
	assert.Equal(t, 90*time.Second, p.Classify(remote, 2).Delay)
	assert.Equal(t, StrategyLinear, p.Classify(remote, 0).Strategy)

	exit := &faults.ProcessExit{Command: "ffmpeg", ExitCode: 1}
	dec := p.Classify(exit, 1)
	assert.True(t, dec.Retryable)
	assert.Equal(t, StrategyLinear, dec.Strategy)
	assert.Equal(t, 60*time.Second, dec.Delay)
}

func TestClassifyQuotaScheduled(t *testing.T) {
	p := NewRetryPolicy()
	dec := p.Classify(faults.Newf(faults.CodeQuota, "quota"), 0)
	assert.True(t, dec.Retryable)
	assert.Equal(t, StrategyScheduled, dec.Strategy)
	assert.Equal(t, time.Hour, dec.Delay)
}

func TestClassifyCorruptionRestartsFromZero(t *testing.T) {
	p := NewRetryPolicy()
	dec := p.Classify(faults.Newf(faults.CodeCorruption, "fingerprint mismatch"), 0)
	assert.True(t, dec.Retryable)
	assert.Equal(t, StrategyImmediate, dec.Strategy)
	assert.True(t, dec.RestartFromZero)
}

func TestClassifyFatal(t *testing.T) {
	p := NewRetryPolicy()

	fatal := []faults.Code{faults.CodeDiskSpace, faults.CodeUnsupportedFormat, faults.CodeValidation}
	for _, code := range fatal {
		dec := p.Classify(faults.Newf(code, "boom"), 0)
		assert.False(t, dec.Retryable, string(code))
		assert.Equal(t, StrategyNone, dec.Strategy, string(code))
	}

	// Unknown errors are not retried either.
	dec := p.Classify(errors.New("mystery"), 0)
	assert.False(t, dec.Retryable)
}

func TestSlowLinkAdvice(t *testing.T) {
	p := NewRetryPolicy()
	p.SlowRateBps = 1000
	p.SlowWindow = 20 * time.Millisecond
	p.ReducedChunk = 256 * 1024
	p.ReducedQuality = "low"

	// Not enough samples yet.
	p.ObserveRate("t1", 500)
	_, ok := p.Advice("t1")
	assert.False(t, ok)

	// Window covered, all samples slow.
	time.Sleep(15 * time.Millisecond)
	p.ObserveRate("t1", 400)
	hints, ok := p.Advice("t1")
	assert.True(t, ok)
	assert.Equal(t, int64(256*1024), hints.ChunkSize)
	assert.Equal(t, "low", hints.Quality)

	// A single healthy sample withdraws the advisory.
	p.ObserveRate("t1", 5000)
	_, ok = p.Advice("t1")
	assert.False(t, ok)

	p.Forget("t1")
	_, ok = p.Advice("t1")
	assert.False(t, ok)
}

func TestAdviceDisabledWithoutThreshold(t *testing.T) {
	p := NewRetryPolicy()
	p.ObserveRate("t1", 1)
	p.ObserveRate("t1", 1)
	_, ok := p.Advice("t1")
	assert.False(t, ok)
}
