package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultShutdownTimeout = 10 * time.Minute

	// Vision-language inference is slow; a large batch can legitimately take
	// most of an hour. Keep this generous and override per deployment.
	DefaultInferenceTimeout = 1 * time.Hour
)

// Quota Configuration
const (
	DefaultDailyPageLimit = 40
)

// Cache Configuration
const (
	UserInfoCacheTTL = 1 * time.Minute
)

// Rasterization Configuration
const (
	DefaultRenderWorkers = 4
	DefaultRenderDPI     = 300
)

// Inference Server Configuration
const (
	ServerStartupTimeout = 120 * time.Second
	ServerPollInterval   = 1 * time.Second
	ServerStopGrace      = 3 * time.Second
	ServerProbeTimeout   = 2 * time.Second
)

// Dispatch Configuration
const (
	DefaultBatchSize = 1
	DefaultMaxTokens = 16384
)
