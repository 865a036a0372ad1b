package caches

import "time"

var (
	// DefaultTTL is how long a cached value stays visible after it was set
	DefaultTTL = 60 * time.Second

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute
)
