// Package settingsvc is the process-wide Settings Cache (spec.md §4.2): a
// read-mostly configuration snapshot, merged against defaults so a newly
// added option appears without a migration, refreshed on a fixed TTL.
package settingsvc

const (
	StrategyRoundRobin      = "round-robin"
	StrategyRandom          = "random"
	StrategyLeastConnection = "least-connections"
)

// Settings is the process configuration recognized by the Key Manager and
// Proxy Pipeline (spec.md §3).
type Settings struct {
	KeyRotationRequestCount int
	MaxFailureCount         int
	RateLimitCooldown       int // seconds
	LogRetentionDays        int
	MaxRetries              int
	Endpoint                string
	FailoverDelay           int // seconds
	LoadBalancingStrategy   string
	RequestRateLimit        int // reserved, 0 = off
	EnableGoogleGrounding   bool
}

// Defaults returns the baked-in option set a fresh row in storage (or a row
// missing newer fields) is merged on top of.
func Defaults() Settings {
	return Settings{
		KeyRotationRequestCount: 0,
		MaxFailureCount:         3,
		RateLimitCooldown:       60,
		LogRetentionDays:        30,
		MaxRetries:              3,
		Endpoint:                "",
		FailoverDelay:           0,
		LoadBalancingStrategy:   StrategyRoundRobin,
		RequestRateLimit:        0,
		EnableGoogleGrounding:   false,
	}
}

// Merge overlays stored on top of defaults field-by-field. A zero-value
// field in stored (the state of an option that was never written, or was
// added to the schema after the row was created) defers to the default.
func Merge(defaults, stored Settings) Settings {
	merged := defaults

	if stored.KeyRotationRequestCount != 0 {
		merged.KeyRotationRequestCount = stored.KeyRotationRequestCount
	}
	if stored.MaxFailureCount != 0 {
		merged.MaxFailureCount = stored.MaxFailureCount
	}
	if stored.RateLimitCooldown != 0 {
		merged.RateLimitCooldown = stored.RateLimitCooldown
	}
	if stored.LogRetentionDays != 0 {
		merged.LogRetentionDays = stored.LogRetentionDays
	}
	if stored.MaxRetries != 0 {
		merged.MaxRetries = stored.MaxRetries
	}
	if stored.Endpoint != "" {
		merged.Endpoint = stored.Endpoint
	}
	if stored.FailoverDelay != 0 {
		merged.FailoverDelay = stored.FailoverDelay
	}
	if stored.LoadBalancingStrategy != "" {
		merged.LoadBalancingStrategy = stored.LoadBalancingStrategy
	}
	if stored.RequestRateLimit != 0 {
		merged.RequestRateLimit = stored.RequestRateLimit
	}
	merged.EnableGoogleGrounding = stored.EnableGoogleGrounding

	return merged
}
