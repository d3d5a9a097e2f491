// Package discovery resolves a mobile operator's endpoint metadata through
// the central discovery service and caches operator-identified answers.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mobileconnect/cache"
	"mobileconnect/mcerr"
	"mobileconnect/rest"
	"mobileconnect/urlbuilder"
)

// Service runs the discovery protocol. It is safe for concurrent use.
type Service struct {
	client rest.Doer
	store  cache.Store
	logger *slog.Logger
	now    func() time.Time
	flight singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for ttl computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a discovery service. A nil store disables caching.
func New(client rest.Doer, store cache.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{client: client, store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAutomatedOperatorDiscovery asks the discovery service to identify
// the subscriber's operator. When opts names an identified MCC/MNC with a
// live cache entry, the cached result is returned without a network call.
func (s *Service) StartAutomatedOperatorDiscovery(ctx context.Context, creds Credentials, redirectURL string, opts *Options, cookies []*http.Cookie) (*Result, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	if err := mcerr.Require("redirectURL", redirectURL); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)

	key, _ := cache.NewKey(o.IdentifiedMCC, o.IdentifiedMNC)
	if cached := s.cachedResult(ctx, key); cached != nil {
		s.logger.Debug("discovery.cache_hit", "operator", key.String())
		return cached, nil
	}

	requestURL, err := urlbuilder.New(creds.DiscoveryURL).
		AddBool(paramManuallySelect, o.ManuallySelect).
		Add(paramIdentifiedMCC, o.IdentifiedMCC).
		Add(paramIdentifiedMNC, o.IdentifiedMNC).
		AddBool(paramUsingMobileData, o.UsingMobileData).
		Add(paramLocalClientIP, o.LocalClientIP).
		Add(paramRedirectURL, redirectURL).
		Build()
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "invalid discovery url", err)
	}

	if !o.CookiesEnabled {
		cookies = nil
	}
	req := newRequest(creds, requestURL, o.ClientIP, o.Timeout, cookies)
	return s.discover(ctx, key, req)
}

// GetOperatorSelectionURL requests the operator-selection link. It always
// goes to the network and its result is never cached.
func (s *Service) GetOperatorSelectionURL(ctx context.Context, creds Credentials, redirectURL string, opts *TimeoutOptions) (*Result, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	if err := mcerr.Require("redirectURL", redirectURL); err != nil {
		return nil, err
	}
	o := resolveTimeoutOptions(opts)

	requestURL, err := urlbuilder.New(creds.DiscoveryURL).
		AddBool(paramManuallySelect, true).
		AddBool(paramUsingMobileData, false).
		Add(paramRedirectURL, redirectURL).
		Build()
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "invalid discovery url", err)
	}

	req := newRequest(creds, requestURL, o.ClientIP, o.Timeout, nil)
	return s.call(ctx, cache.Key{}, req)
}

// CompleteSelectedOperatorDiscovery resolves the operator the subscriber
// picked on the selection page. Results are cached under the selected
// MCC/MNC.
func (s *Service) CompleteSelectedOperatorDiscovery(ctx context.Context, creds Credentials, redirectURL, selectedMCC, selectedMNC string, opts *TimeoutOptions, cookies []*http.Cookie) (*Result, error) {
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	if err := mcerr.Require("selectedMCC", selectedMCC, "selectedMNC", selectedMNC); err != nil {
		return nil, err
	}
	o := resolveTimeoutOptions(opts)

	key := cache.Key{MCC: selectedMCC, MNC: selectedMNC}
	if cached := s.cachedResult(ctx, key); cached != nil {
		s.logger.Debug("discovery.cache_hit", "operator", key.String())
		return cached, nil
	}

	requestURL, err := urlbuilder.New(creds.DiscoveryURL).
		Add(paramRedirectURL, redirectURL).
		Add(paramSelectedMCC, selectedMCC).
		Add(paramSelectedMNC, selectedMNC).
		Build()
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "invalid discovery url", err)
	}

	req := newRequest(creds, requestURL, o.ClientIP, o.Timeout, cookies)
	return s.discover(ctx, key, req)
}

// GetCachedDiscoveryResult returns the live cached result for an operator,
// or nil when there is none.
func (s *Service) GetCachedDiscoveryResult(ctx context.Context, mcc, mnc string) (*Result, error) {
	if err := mcerr.Require("mcc", mcc, "mnc", mnc); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	entry, err := s.store.Get(ctx, cache.Key{MCC: mcc, MNC: mnc})
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "read discovery cache", err)
	}
	if entry == nil {
		return nil, nil
	}
	return resultFromEntry(entry)
}

// ClearDiscoveryCache removes one operator's entry, or everything when
// opts is nil.
func (s *Service) ClearDiscoveryCache(ctx context.Context, opts *CacheOptions) error {
	if s.store == nil {
		return nil
	}
	if opts == nil {
		return s.store.Clear(ctx)
	}
	key, ok := cache.NewKey(opts.MCC, opts.MNC)
	if !ok {
		return nil
	}
	return s.store.Remove(ctx, key)
}

// IsOperatorSelectionRequired reports whether the result points the
// subscriber at the operator-selection page. Results without data, or
// with a response code other than 200/202 that were not served from the
// cache, are rejected.
func IsOperatorSelectionRequired(result *Result) (bool, error) {
	if result == nil {
		return false, mcerr.InvalidArgument("discoveryResult")
	}
	if !result.valid() {
		return false, &mcerr.Error{Kind: mcerr.ErrInvalidArgument, Message: "not a valid discovery result"}
	}
	return ExtractOperatorSelectionURL(result) != "", nil
}

// ExtractOperatorSelectionURL returns the operator-selection link, or ""
// for an invalid result.
func ExtractOperatorSelectionURL(result *Result) string {
	if !result.valid() {
		return ""
	}
	return result.Data.LinkHref(RelOperatorSelection)
}

// IsErrorResponse reports whether the result carries an error object.
func IsErrorResponse(result *Result) bool {
	return GetErrorResponse(result) != nil
}

// GetErrorResponse returns the error object carried by the result, if any.
func GetErrorResponse(result *Result) *ErrorResponse {
	if result == nil || result.Data == nil {
		return nil
	}
	return result.Data.ErrorResponse()
}

func validateCredentials(creds Credentials) error {
	return mcerr.Require(
		"clientId", creds.ClientID,
		"clientSecret", creds.ClientSecret,
		"discoveryURL", creds.DiscoveryURL,
	)
}

func newRequest(creds Credentials, requestURL, clientIP string, timeout time.Duration, cookies []*http.Cookie) *rest.Request {
	header := http.Header{}
	if clientIP != "" {
		header.Set(SourceIPHeader, clientIP)
	}
	return &rest.Request{
		Method:   http.MethodGet,
		URL:      requestURL,
		Header:   header,
		Username: creds.ClientID,
		Password: creds.ClientSecret,
		Cookies:  cookies,
		Timeout:  timeout,
	}
}

// discover performs a cache-eligible call. Identical concurrent requests
// share one round trip; each caller gets its own copy of the result. The
// shared call is detached from any single caller's cancellation and is
// bounded by the request timeout; each caller stops waiting when its own
// context ends.
func (s *Service) discover(ctx context.Context, key cache.Key, req *rest.Request) (*Result, error) {
	if s.store == nil || !key.Valid() {
		return s.call(ctx, key, req)
	}
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(flightKey(req), func() (any, error) {
		return s.call(shared, key, req)
	})
	select {
	case <-ctx.Done():
		return nil, mcerr.New(mcerr.ErrDiscovery, "call to discovery end point failed", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("discovery.coalesced", "operator", key.String())
		}
		return res.Val.(*Result).clone(), nil
	}
}

func flightKey(req *rest.Request) string {
	var sb strings.Builder
	sb.WriteString(req.URL)
	sb.WriteByte('|')
	sb.WriteString(req.Username)
	sb.WriteByte('|')
	sb.WriteString(req.Header.Get(SourceIPHeader))
	for _, ck := range req.Cookies {
		if ck == nil {
			continue
		}
		sb.WriteByte('|')
		sb.WriteString(ck.String())
	}
	return sb.String()
}

func (s *Service) call(ctx context.Context, key cache.Key, req *rest.Request) (*Result, error) {
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		var restErr *rest.Error
		if errors.As(err, &restErr) {
			return nil, mcerr.New(mcerr.ErrDiscovery, "call to discovery end point failed", err)
		}
		return nil, mcerr.New(mcerr.ErrDiscovery, "calling discovery service failed", err)
	}

	md, err := ParseMetadata(resp.Body)
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "calling discovery service failed", err).
			WithDiagnostics(&mcerr.Diagnostics{
				URI:        resp.URI,
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       string(resp.Body),
			})
	}

	var hint *time.Time
	if t, ok := md.TTLHint(); ok {
		hint = &t
	}
	result := &Result{
		TTL:          ClampTTL(s.now(), hint),
		ResponseCode: resp.StatusCode,
		Headers:      resp.Header,
		Data:         md,
		Raw:          append([]byte(nil), resp.Body...),
	}

	s.logger.Info("discovery.response",
		"status", resp.StatusCode,
		"operator", key.String(),
		"ttl", result.TTL)

	s.storeResult(ctx, key, result)
	return result, nil
}

// storeResult caches operator-identified responses only.
func (s *Service) storeResult(ctx context.Context, key cache.Key, result *Result) {
	if s.store == nil || !key.Valid() {
		return
	}
	if result.ResponseCode != OperatorIdentifiedResponse || result.Data == nil || result.TTL.IsZero() {
		return
	}
	entry := &cache.Entry{ExpiresAt: result.TTL, Value: result.Raw}
	if err := s.store.Add(ctx, key, entry); err != nil {
		s.logger.Warn("discovery.cache_write_failed", "operator", key.String(), "error", err)
	}
}

// cachedResult returns the cached result for key or nil. Backend failures
// are logged and treated as a miss.
func (s *Service) cachedResult(ctx context.Context, key cache.Key) *Result {
	if s.store == nil || !key.Valid() {
		return nil
	}
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("discovery.cache_read_failed", "operator", key.String(), "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}
	result, err := resultFromEntry(entry)
	if err != nil {
		s.logger.Warn("discovery.cache_entry_invalid", "operator", key.String(), "error", err)
		return nil
	}
	return result
}

func resultFromEntry(entry *cache.Entry) (*Result, error) {
	md, err := ParseMetadata(entry.Value)
	if err != nil {
		return nil, mcerr.New(mcerr.ErrDiscovery, "cached discovery document is invalid", err)
	}
	return &Result{
		Cached:       true,
		TTL:          entry.ExpiresAt,
		ResponseCode: 0,
		Headers:      http.Header{},
		Data:         md,
		Raw:          entry.Value,
	}, nil
}
