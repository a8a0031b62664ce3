package resilience

import (
	"time"

	"github.com/sells-group/wetland-drill/internal/config"
)

// FromConfig builds the store retry policy from the retry section of the
// config file. Unset values keep the defaults.
func FromConfig(rc config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}
