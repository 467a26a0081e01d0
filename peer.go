package batchjob

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// PeerTrigger hands the next tick's work to another replica.
type PeerTrigger interface {
	Trigger(ctx context.Context) error
}

// PeerTriggerFunc adapts a function to PeerTrigger.
type PeerTriggerFunc func(ctx context.Context) error

// Trigger calls f.
func (f PeerTriggerFunc) Trigger(ctx context.Context) error {
	return f(ctx)
}

// HTTPPeerTrigger calls the tick endpoint behind a load balancer, which
// routes the call to some replica.
type HTTPPeerTrigger struct {
	method  string
	url     string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPPeerTriggerConfig configures an HTTPPeerTrigger.
type HTTPPeerTriggerConfig struct {
	// Method defaults to POST.
	Method string

	// URL of the tick endpoint. Required.
	URL string

	// Timeout of one call. Default: 5 seconds.
	Timeout time.Duration

	// PerMinute caps outbound calls. Up to PerMinute calls may go out
	// back to back; a call over the cap waits for capacity within Timeout
	// and fails without touching the network when none frees up in time.
	// Default: 60.
	PerMinute int
}

// NewHTTPPeerTrigger creates a trigger from cfg.
func NewHTTPPeerTrigger(cfg HTTPPeerTriggerConfig) (*HTTPPeerTrigger, error) {
	if cfg.URL == "" {
		return nil, errors.New("peer trigger url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}

	return &HTTPPeerTrigger{
		method:  cfg.Method,
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
	}, nil
}

// Trigger issues one call. A call that cannot get past the rate limit
// within the timeout returns an error without touching the network.
func (p *HTTPPeerTrigger) Trigger(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "peer trigger rate limit exceeded for %s", p.url)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build peer trigger request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "peer trigger %s %s failed", p.method, p.url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return errors.Newf("peer trigger %s %s returned %s", p.method, p.url, resp.Status)
	}
	return nil
}
