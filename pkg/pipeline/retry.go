package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth capped at Max,
// plus deterministic jitter derived from the retry identity so two
// workers replaying the same session compute identical schedules.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff matches the adapter retry defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:      500 * time.Millisecond,
		Max:       30 * time.Second,
		MaxJitter: 250 * time.Millisecond,
	}
}

// Delay returns the wait before retry attempt (1-based) of the given
// phase. The jitter is a hash of (session, phase, attempt), not a
// random draw, so the schedule is reproducible.
func (p BackoffPolicy) Delay(sessionID string, phase, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Max
	if shift := attempt - 1; shift < 30 {
		d = p.Base << shift
		if d > p.Max || d <= 0 {
			d = p.Max
		}
	}

	if p.MaxJitter > 0 {
		h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", sessionID, phase, attempt)))
		d += time.Duration(binary.BigEndian.Uint64(h[:8]) % uint64(p.MaxJitter))
	}
	return d
}
