package batchjob

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Executor runs a job body. Implementations must return once ctx is done;
// timeout is the tenant's configured limit and is already applied to ctx.
type Executor interface {
	Execute(ctx context.Context, targetRef string, identity Identity, timeout time.Duration) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, targetRef string, identity Identity, timeout time.Duration) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, targetRef string, identity Identity, timeout time.Duration) error {
	return f(ctx, targetRef, identity, timeout)
}

// Header names sent by HTTPExecutor.
const (
	HeaderTenant    = "X-Batchjob-Service"
	HeaderPrincipal = "X-Batchjob-Principal"
	HeaderTimeout   = "X-Batchjob-Timeout"
)

// HTTPExecutor runs job bodies by POSTing to BaseURL + targetRef. Any 2xx
// response is success.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, targetRef string, identity Identity, timeout time.Duration) error {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(targetRef, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", targetRef)
	}
	req.Header.Set(HeaderTenant, identity.Tenant)
	req.Header.Set(HeaderPrincipal, identity.Principal)
	req.Header.Set(HeaderTimeout, timeout.String())

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", targetRef)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("%s returned %s", targetRef, resp.Status)
	}
	return nil
}
