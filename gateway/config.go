package gateway

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultBaseURL targets a locally running backend.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout keeps memory calls from stalling the caller;
	// the product philosophy is fail-open, not wait-forever.
	DefaultTimeout = 2 * time.Second

	// apiKeyHeader carries the credential on every authenticated call.
	apiKeyHeader = "X-API-Key"

	userAgent = "memoire-go/" + Version
)

// Version is the SDK version reported in the User-Agent header.
const Version = "0.1.0"

// Settings holds gateway configuration. Explicit values win over
// environment variables, which win over defaults.
type Settings struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// LoadSettings resolves settings from the given explicit values and the
// MEMOIRE_API_KEY, MEMOIRE_BASE_URL, and MEMOIRE_TIMEOUT environment
// variables. MEMOIRE_TIMEOUT is in seconds and accepts fractions.
func LoadSettings(apiKey, baseURL string, timeout time.Duration) Settings {
	if apiKey == "" {
		apiKey = os.Getenv("MEMOIRE_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("MEMOIRE_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		if raw := os.Getenv("MEMOIRE_TIMEOUT"); raw != "" {
			if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
		}
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return Settings{APIKey: apiKey, BaseURL: baseURL, Timeout: timeout}
}
