package utils

import "time"

// Application identity
const (
	AppName     = "cloudstream"
	KeyringName = "cloudstream"
)

// Listing cache
const (
	DefaultListingTTL    = 15 * time.Minute
	DefaultListRateLimit = 4.0
	DefaultListBurst     = 4
)

// Subprocess bounds
const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultTerminateGrace = 5 * time.Second
	DefaultStartupTimeout = 10 * time.Second
	DefaultHealthInterval = 5 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
	StartupPollInterval   = 200 * time.Millisecond
	OutputTailLines       = 200
)

// Authorization
const (
	DefaultAuthTimeout = 5 * time.Minute
	AuthURLWait        = 10 * time.Second
	AuthFlowRetention  = 10 * time.Minute
	TokenRefreshBuffer = 5 * time.Minute
)

// Direct provider API calls
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
	MaxRetryDelay     = 10 * time.Second
)

// Control API
const (
	DefaultAPIRateLimit  = 50.0
	DefaultAPIBurst      = 100
	APIReadHeaderTimeout = 10 * time.Second
	APIShutdownTimeout   = 5 * time.Second
	MaxRequestBodyBytes  = 64 << 10
)

// Byte cache bounds handed to the serving process
const (
	DefaultCacheMaxSizeMB = 10240
	DefaultCacheMaxAge    = 24 * time.Hour
)

// Schema version
const SchemaVersion = "1.0"

// Providers accepted by add_remote. The engine supports more; these are the ones offered.
var SupportedProviders = []string{
	"drive",
	"onedrive",
	"dropbox",
	"box",
	"pcloud",
	"yandex",
	"jottacloud",
}

// IsSupportedProvider reports whether provider can be authorized interactively
func IsSupportedProvider(provider string) bool {
	for _, p := range SupportedProviders {
		if p == provider {
			return true
		}
	}
	return false
}
