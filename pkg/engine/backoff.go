package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// computeBackoff returns the delay before the next attempt: exponential in
// the attempt number, capped at MaxDelay, plus deterministic jitter seeded
// by (node, token, attempt). Seeded jitter keeps retry timing reproducible
// across runs, so the retry-delay bound in the audit trail can be asserted
// without flaking.
func computeBackoff(rc plugin.RetryConfig, nodeID, tokenID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		factor = 1 << shift
	}

	delay := time.Duration(factor) * rc.BaseDelay
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	return delay + deterministicJitter(rc.Jitter, nodeID, tokenID, attempt)
}

func deterministicJitter(maxJitter time.Duration, nodeID, tokenID string, attempt int) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", nodeID, tokenID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(maxJitter))
}
