// Package ledger is the client for the remote school ledger service. It owns
// authentication, timeouts, retries, the read-through response cache and the
// availability flag; everything above it sees typed models and core errors.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"economat/internal/cache"
	"economat/internal/core"
	applog "economat/internal/log"
)

const maxResponseBytes = 8 << 20

// Config holds the transport settings.
type Config struct {
	BaseURL string

	// StandardTimeout applies to standard and live endpoints (default: 15s)
	StandardTimeout time.Duration

	// HeavyTimeout applies to bulk and paginated endpoints (default: 30s)
	HeavyTimeout time.Duration

	// DefaultTTL is the cache lifetime of GET responses (default: 30s)
	DefaultTTL time.Duration

	// LiveTTL is the cache lifetime of live endpoints (default: 10s)
	LiveTTL time.Duration

	// MaxAttempts bounds network attempts per call (default: 3)
	MaxAttempts int

	// Backoff is the wait before the n-th retry (default: 1s, 2s, 4s)
	Backoff []time.Duration

	// RateLimitDelay is the fixed wait before the single 429 retry (default: 2s)
	RateLimitDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		StandardTimeout: 15 * time.Second,
		HeavyTimeout:    30 * time.Second,
		DefaultTTL:      30 * time.Second,
		LiveTTL:         10 * time.Second,
		MaxAttempts:     3,
		Backoff:         []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		RateLimitDelay:  2 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client talks to the remote ledger. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	tokens  TokenSource
	cache   cache.ResponseCache
	logger  *applog.Logger
	sleep   SleepFunc
	flight  singleflight.Group
	offline atomic.Bool

	// gens counts invalidations per group. A read started under an older
	// generation is neither joined nor cached.
	genMu sync.RWMutex
	gens  map[Group]uint64
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

func WithCache(rc cache.ResponseCache) Option { return func(c *Client) { c.cache = rc } }

func WithLogger(l *applog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithSleep replaces the wait used between retries.
func WithSleep(fn SleepFunc) Option { return func(c *Client) { c.sleep = fn } }

// New creates a ledger client. Without WithCache responses are not cached.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ledger base URL must be http or https, got %q", cfg.BaseURL)
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.StandardTimeout <= 0 {
		cfg.StandardTimeout = def.StandardTimeout
	}
	if cfg.HeavyTimeout <= 0 {
		cfg.HeavyTimeout = def.HeavyTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.LiveTTL <= 0 {
		cfg.LiveTTL = def.LiveTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(base.String(), "/"),
		http:    &http.Client{},
		tokens:  anonymous{},
		logger:  applog.Discard(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent(applog.ComponentTransport)
	return c, nil
}

// Options are the per-call inputs of Do.
type Options struct {
	Params map[string]string
	Query  url.Values
	Body   any

	// IdempotencyKey is sent on mutating calls. A fresh key is generated when
	// empty; either way it stays the same across retries of this call.
	IdempotencyKey string

	// BypassCache forces a network round trip for a GET.
	BypassCache bool
}

// Available reports whether the last exhausted call left the ledger reachable.
func (c *Client) Available() bool {
	return !c.offline.Load()
}

// Reconnect probes the health endpoint; success clears the offline flag.
func (c *Client) Reconnect(ctx context.Context) error {
	_, err := c.Do(ctx, EndpointHealth, Options{BypassCache: true})
	return err
}

// Invalidate drops every cached response of the given groups. It returns once
// the cache no longer serves them.
func (c *Client) Invalidate(ctx context.Context, groups ...Group) error {
	c.genMu.Lock()
	if c.gens == nil {
		c.gens = make(map[Group]uint64)
	}
	for _, g := range groups {
		c.gens[g]++
	}
	c.genMu.Unlock()

	if c.cache == nil {
		return nil
	}
	var errs []error
	for _, g := range groups {
		n, err := c.cache.DeletePrefix(ctx, string(g)+":")
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", g, err))
			continue
		}
		c.logger.DebugContext(ctx, "Cache group invalidated", "group", g, "removed", n)
	}
	return errors.Join(errs...)
}

// Do executes one logical call and returns the envelope's data payload.
func (c *Client) Do(ctx context.Context, name string, opts Options) (json.RawMessage, error) {
	ep, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown ledger endpoint %q", name)
	}

	token, hasToken := c.tokens.Token(ctx)
	if !ep.Anonymous && !hasToken {
		return nil, &core.AuthError{Endpoint: name, Reason: "missing credential"}
	}

	path, err := expandPath(ep, opts.Params)
	if err != nil {
		return nil, err
	}

	req := call{ep: ep, path: path, query: opts.Query, token: token}

	if ep.Mutating() {
		if opts.Body != nil {
			req.body, err = json.Marshal(opts.Body)
			if err != nil {
				return nil, fmt.Errorf("encode %s body: %w", name, err)
			}
		}
		req.idempotencyKey = opts.IdempotencyKey
		if req.idempotencyKey == "" {
			req.idempotencyKey = uuid.NewString()
		}
		data, err := c.execute(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := c.Invalidate(ctx, ep.Invalidates...); err != nil {
			c.logger.WarnContext(ctx, "Cache invalidation failed", applog.FieldEndpoint, name, applog.FieldError, err)
		}
		return data, nil
	}

	key := cacheKey(ep, path, opts.Query)
	if c.cache != nil && !opts.BypassCache {
		if body, hit, err := c.cache.Get(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "Cache read failed", applog.FieldCacheKey, key, applog.FieldError, err)
		} else if hit {
			return body, nil
		}
	}

	gen := c.generation(ep.Group)
	ch := c.flight.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		// Shared by every joined caller, so one caller leaving must not abort it.
		fctx := context.WithoutCancel(ctx)
		data, err := c.execute(fctx, req)
		if err != nil {
			return nil, err
		}
		c.store(fctx, ep, key, gen, data)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (c *Client) generation(g Group) uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.gens[g]
}

// store caches a read unless its group was invalidated since the read began.
// The read lock is held across the write so Invalidate either sees the entry
// and deletes it or the write sees the new generation and is skipped.
func (c *Client) store(ctx context.Context, ep Endpoint, key string, gen uint64, data json.RawMessage) {
	if c.cache == nil {
		return
	}
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	if c.gens[ep.Group] != gen {
		c.logger.DebugContext(ctx, "Stale read not cached", applog.FieldCacheKey, key)
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl(ep)); err != nil {
		c.logger.WarnContext(ctx, "Cache write failed", applog.FieldCacheKey, key, applog.FieldError, err)
	}
}

func (c *Client) ttl(ep Endpoint) time.Duration {
	if ep.Class == ClassLive {
		return c.cfg.LiveTTL
	}
	return c.cfg.DefaultTTL
}

func (c *Client) timeout(ep Endpoint) time.Duration {
	if ep.Class == ClassHeavy {
		return c.cfg.HeavyTimeout
	}
	return c.cfg.StandardTimeout
}

type call struct {
	ep             Endpoint
	path           string
	query          url.Values
	body           []byte
	token          string
	idempotencyKey string
}

type response struct {
	status int
	body   []byte
}

// execute runs the retry loop: network failures and gateway errors get
// MaxAttempts tries with Backoff between them, a 429 gets exactly one retry.
func (c *Client) execute(ctx context.Context, req call) (json.RawMessage, error) {
	var (
		networkFailures int
		rateLimited     bool
		lastErr         error
	)
	for {
		resp, err := c.send(ctx, req)
		if err == nil && isGatewayFailure(resp.status) {
			err = fmt.Errorf("gateway status %d", resp.status)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			networkFailures++
			lastErr = err
			if networkFailures >= c.cfg.MaxAttempts {
				if c.offline.CompareAndSwap(false, true) {
					c.logger.ErrorContext(ctx, "Ledger marked offline",
						applog.FieldEndpoint, req.ep.Name,
						applog.FieldAttempt, networkFailures,
						applog.FieldError, err)
				}
				return nil, &core.TransportError{Endpoint: req.ep.Name, Attempts: networkFailures, Err: lastErr}
			}
			wait := c.backoff(networkFailures)
			c.logger.WarnContext(ctx, "Ledger request failed, retrying",
				applog.FieldEndpoint, req.ep.Name,
				applog.FieldAttempt, networkFailures,
				applog.FieldBackoff, wait,
				applog.FieldError, err)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.status == http.StatusTooManyRequests {
			if rateLimited {
				return nil, &core.RateLimitError{Endpoint: req.ep.Name, RetryAfter: c.cfg.RateLimitDelay}
			}
			rateLimited = true
			c.logger.WarnContext(ctx, "Ledger rate limited, retrying once",
				applog.FieldEndpoint, req.ep.Name,
				applog.FieldBackoff, c.cfg.RateLimitDelay)
			if err := c.sleep(ctx, c.cfg.RateLimitDelay); err != nil {
				return nil, err
			}
			continue
		}

		data, err := decodeResponse(req.ep.Name, resp)
		if err != nil {
			return nil, err
		}
		if c.offline.CompareAndSwap(true, false) {
			c.logger.InfoContext(ctx, "Ledger reachable again", applog.FieldEndpoint, req.ep.Name)
		}
		return data, nil
	}
}

func (c *Client) backoff(failures int) time.Duration {
	i := failures - 1
	if i >= len(c.cfg.Backoff) {
		i = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[i]
}

func isGatewayFailure(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func (c *Client) send(ctx context.Context, req call) (response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout(req.ep))
	defer cancel()

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.ep.Method, target, body)
	if err != nil {
		return response{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	return response{status: resp.StatusCode, body: payload}, nil
}

type envelope struct {
	Success *bool               `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func decodeResponse(endpoint string, resp response) (json.RawMessage, error) {
	var env envelope
	decodeErr := json.Unmarshal(resp.body, &env)

	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		reason := env.Message
		if reason == "" {
			reason = http.StatusText(resp.status)
		}
		return nil, &core.AuthError{Endpoint: endpoint, Status: resp.status, Reason: reason}
	case resp.status == http.StatusBadRequest || resp.status == http.StatusUnprocessableEntity:
		return nil, validationFromEnvelope(env)
	case resp.status < 200 || resp.status > 299:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.status)
		}
		return nil, &core.RemoteError{Endpoint: endpoint, Status: resp.status, Message: msg}
	}

	if decodeErr != nil {
		return nil, &core.RemoteError{Endpoint: endpoint, Status: resp.status, Message: "malformed response envelope"}
	}
	if env.Success == nil || !*env.Success {
		if len(env.Errors) > 0 {
			return nil, validationFromEnvelope(env)
		}
		msg := env.Message
		if msg == "" {
			msg = "response without success flag"
		}
		return nil, &core.RemoteError{Endpoint: endpoint, Status: resp.status, Message: msg}
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

func validationFromEnvelope(env envelope) error {
	verr := &core.ValidationError{}
	fields := make([]string, 0, len(env.Errors))
	for f := range env.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		for _, msg := range env.Errors[f] {
			verr.Add(f, msg)
		}
	}
	if len(verr.Fields) == 0 {
		msg := env.Message
		if msg == "" {
			msg = "rejected by ledger"
		}
		verr.Add("request", msg)
	}
	return verr
}
