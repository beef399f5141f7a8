package swarm

import (
	"math/rand"
	"time"

	"github.com/kotormodsync/dcc/pkg/config"
)

// backoff computes the capped-exponential-with-full-jitter delay for retry
// attempt n (0-indexed), per §4.8: 200ms -> 30s, factor 2, full jitter.
func backoff(attempt int) time.Duration {
	d := float64(config.BackoffInitial)
	for i := 0; i < attempt; i++ {
		d *= config.BackoffFactor
		if d >= float64(config.BackoffMax) {
			d = float64(config.BackoffMax)
			break
		}
	}
	jittered := rand.Int63n(int64(d) + 1)
	return time.Duration(jittered)
}
