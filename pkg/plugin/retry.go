package plugin

import "time"

// RetryConfig governs retry behavior for one stage. MaxAttempts must be
// at least 1 (no retries). RetryableErrors lists error-kind strings the
// executor treats as retryable in addition to an explicit
// TransformResult.Retryable=true.
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          time.Duration
	RetryableErrors []string
}

// DefaultRetryConfig is the single-attempt, no-retry baseline a stage
// gets when it declares no retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}
