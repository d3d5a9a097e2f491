package discovery

import "time"

// Protocol constants for the discovery service.
const (
	OperatorIdentifiedResponse    = 200
	OperatorNotIdentifiedResponse = 202

	MinimumTTL = 5 * time.Minute
	MaximumTTL = 180 * 24 * time.Hour

	DefaultTimeout        = 30 * time.Second
	DefaultManuallySelect = false
	DefaultCookiesEnabled = true

	// DefaultRedirectURL is used by selected-operator completion when the
	// caller supplies none.
	DefaultRedirectURL = "http://localhost:8080/mobileconnect/discovery/callback"

	SourceIPHeader = "X-Source-IP"
)

// Discovery request and redirect parameter names.
const (
	paramManuallySelect  = "Manually-Select"
	paramIdentifiedMCC   = "Identified-MCC"
	paramIdentifiedMNC   = "Identified-MNC"
	paramUsingMobileData = "Using-Mobile-Data"
	paramLocalClientIP   = "Local-Client-IP"
	paramRedirectURL     = "Redirect-URL"
	paramSelectedMCC     = "Selected-MCC"
	paramSelectedMNC     = "Selected-MNC"

	paramMCCMNC       = "mcc_mnc"
	paramSubscriberID = "subscriber_id"
)

// Credentials are the relying party's registration with the discovery service.
type Credentials struct {
	ClientID     string
	ClientSecret string
	DiscoveryURL string
}

// Options tune automated operator discovery. A nil *Options selects
// DefaultOptions. A non-nil value is used as given apart from Timeout, so
// callers should start from DefaultOptions to keep cookies enabled.
type Options struct {
	ManuallySelect  bool
	IdentifiedMCC   string
	IdentifiedMNC   string
	// CookiesEnabled replays the caller's cookies; its zero value disables them.
	CookiesEnabled  bool
	UsingMobileData bool
	LocalClientIP   string
	Timeout         time.Duration
	// ClientIP is forwarded to the discovery service in the X-Source-IP header.
	ClientIP string
}

// DefaultOptions returns the options used when the caller passes nil.
func DefaultOptions() Options {
	return Options{
		ManuallySelect: DefaultManuallySelect,
		CookiesEnabled: DefaultCookiesEnabled,
		Timeout:        DefaultTimeout,
	}
}

func resolveOptions(opts *Options) Options {
	if opts == nil {
		return DefaultOptions()
	}
	out := *opts
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// TimeoutOptions tune operator-selection retrieval and selected-operator
// completion.
type TimeoutOptions struct {
	Timeout  time.Duration
	ClientIP string
}

func resolveTimeoutOptions(opts *TimeoutOptions) TimeoutOptions {
	var out TimeoutOptions
	if opts != nil {
		out = *opts
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// CacheOptions select a single cache entry to clear.
type CacheOptions struct {
	MCC string
	MNC string
}
