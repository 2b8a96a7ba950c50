// Package backoff computes retry delays for calls to telephony and speech
// providers. A caller is waiting on the line, so every policy here is
// short and every wait honours context cancellation.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff with jitter.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps any single delay.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the delay after every attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the random fraction (0..1) added on top of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// FetchPolicy is used for recording downloads. Twilio sometimes answers
// 404 for a few hundred milliseconds after posting the RecordingUrl.
func FetchPolicy() Policy {
	return Policy{
		Initial: 300 * time.Millisecond,
		Max:     time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// PollPolicy paces status polling against asynchronous transcription jobs.
func PollPolicy(interval time.Duration) Policy {
	if interval <= 0 {
		interval = time.Second
	}
	return Policy{
		Initial: interval,
		Max:     interval,
		Factor:  1,
	}
}

// Delay returns the wait after the given 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(math.Round(total))
}
