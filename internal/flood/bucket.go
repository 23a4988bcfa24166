// Package flood paces outbound lines so the bot stays under the server's
// flood limits.
package flood

import (
	"sync"
	"time"
)

// Params configures the token bucket.
type Params struct {
	BurstLines   int
	RefillRate   time.Duration // time to regain one token
	EmptyWait    time.Duration
	MaxWait      time.Duration
	TextLength   int
	PenaltyRatio float64
}

// DefaultParams mirrors common server flood tolerances.
func DefaultParams() Params {
	return Params{
		BurstLines:   4,
		RefillRate:   time.Second,
		EmptyWait:    700 * time.Millisecond,
		MaxWait:      2 * time.Second,
		TextLength:   50,
		PenaltyRatio: 1.4,
	}
}

// Penalty is the extra delay for a line of the given length:
// max(0, length-TextLength) / (TextLength*PenaltyRatio) seconds.
func (p Params) Penalty(length int) time.Duration {
	if p.PenaltyRatio <= 0 || p.TextLength <= 0 || length <= p.TextLength {
		return 0
	}
	secs := float64(length-p.TextLength) / (float64(p.TextLength) * p.PenaltyRatio)
	return time.Duration(secs * float64(time.Second))
}

// Bucket holds the token accounting. Tokens stay in [0, BurstLines].
type Bucket struct {
	mu     sync.Mutex
	params Params
	tokens float64
	last   time.Time
}

func NewBucket(p Params) *Bucket {
	if p.BurstLines <= 0 {
		p.BurstLines = 1
	}
	return &Bucket{params: p, tokens: float64(p.BurstLines)}
}

// Take consumes a token for a line of the given length. It returns zero when
// the line may go out now, otherwise the delay the caller must wait before
// sending. The bucket is not locked while the caller waits.
func (b *Bucket) Take(now time.Time, length int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}

	wait := b.params.EmptyWait + b.params.Penalty(length)
	if b.params.MaxWait > 0 && wait > b.params.MaxWait {
		wait = b.params.MaxWait
	}
	return wait
}

// Tokens reports the tokens available at now.
func (b *Bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens
}

func (b *Bucket) refill(now time.Time) {
	burst := float64(b.params.BurstLines)
	if b.last.IsZero() {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	if b.params.RefillRate <= 0 {
		b.tokens = burst
		return
	}
	b.tokens += float64(elapsed) / float64(b.params.RefillRate)
	if b.tokens > burst {
		b.tokens = burst
	}
}
