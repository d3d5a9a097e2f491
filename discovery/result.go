package discovery

import (
	"encoding/json"
	"net/http"
	"time"
)

// Result is the outcome of a discovery call, fresh or served from the cache.
type Result struct {
	// Cached is true when the result was rebuilt from the cache; ResponseCode is 0 then.
	Cached       bool
	TTL          time.Time
	ResponseCode int
	Headers      http.Header
	Data         *Metadata
	Raw          json.RawMessage
}

// HasExpired reports whether the ttl has passed.
func (r *Result) HasExpired() bool {
	return r.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the ttl is before now.
func (r *Result) ExpiredAt(now time.Time) bool {
	return r.TTL.Before(now)
}

// Cookies returns the cookies set by the discovery service, to be replayed
// on the next call of the same flow.
func (r *Result) Cookies() []*http.Cookie {
	if r == nil || len(r.Headers) == 0 {
		return nil
	}
	return (&http.Response{Header: r.Headers}).Cookies()
}

// OperatorEndpoints is a shortcut for r.Data.OperatorEndpoints.
func (r *Result) OperatorEndpoints() (OperatorEndpoints, bool) {
	if r == nil {
		return OperatorEndpoints{}, false
	}
	return r.Data.OperatorEndpoints()
}

// valid reports whether the result can be inspected for operator selection.
func (r *Result) valid() bool {
	if r == nil || r.Data == nil {
		return false
	}
	if r.Cached {
		return true
	}
	return r.ResponseCode == OperatorIdentifiedResponse || r.ResponseCode == OperatorNotIdentifiedResponse
}

// clone deep-copies the result so callers sharing one round trip never
// observe each other's mutations.
func (r *Result) clone() *Result {
	out := *r
	out.Headers = r.Headers.Clone()
	out.Raw = append(json.RawMessage(nil), r.Raw...)
	if md, err := ParseMetadata(out.Raw); err == nil {
		out.Data = md
	}
	return &out
}
