package shared

import "time"

// Upstream providers
const (
	DefaultProviderURL  = "https://openrouter.ai/api/v1"
	DefaultProviderName = "openrouter"
	DeepSeekURL         = "https://api.deepseek.com/chat/completions"
	DeepSeekName        = "deepseek"
	DefaultReferer      = "http://localhost:5050"
	RelayTitle          = "OpenRouter API Wrapper"
)

// HTTP Client Configuration
const (
	DefaultHTTPTimeout     = 10 * time.Minute
	DefaultDialTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultBodyLimit       = "100M"
	DefaultPort            = 5050
)

// Retry Configuration
const (
	DefaultMaxAttempts    = 3
	DefaultStallTimeout   = 15 * time.Second
	DefaultInitialTimeout = 5 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffCap     = 10 * time.Second
)

// DefaultBackoffSchedule is used by the schedule backoff variant. The last
// value repeats once attempts run past the end of the schedule.
var DefaultBackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	3000 * time.Millisecond,
}

// Cache Configuration
const (
	ModelsCacheTTL = 5 * time.Minute
	ModelsCacheKey = "relay:v1:models"
)

// History Configuration
const (
	DefaultHistoryDir    = "history"
	DefaultPruneSchedule = "0 3 * * *"
	HistoryTimeFormat    = "20060102-150405.000"
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 5 * time.Second
	BucketMaxRecords    = 500
	MaxFlushRetries     = 3
)
