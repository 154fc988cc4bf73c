// Package httpsource provides a reference Adapter for providers that answer
// capabilities over JSON HTTP GET endpoints. Real provider adapters live
// with the caller; this one exists for the CLI and integration tests.
package httpsource

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/quotefall/internal/model"
	"github.com/sells-group/quotefall/internal/source"
)

// Options configures the HTTP adapter.
type Options struct {
	UserAgent string
	Timeout   time.Duration

	// HostLimits sets per-host self-protection limiters (events/sec, burst),
	// below whatever the engine's governor admits. Unlisted hosts get a
	// permissive default.
	HostLimits map[string]*rate.Limiter
}

// Client is a single HTTP-backed source. The URL templates come from the
// descriptor's endpoint map; "{symbol}" is replaced with the escaped key.
type Client struct {
	desc   *model.SourceDescriptor
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an adapter for one descriptor.
func New(desc *model.SourceDescriptor, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "quotefall/1.0"
	}
	limiters := make(map[string]*rate.Limiter)
	for host, lim := range opts.HostLimits {
		limiters[host] = lim
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		desc: desc,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
	}
}

// Name returns the descriptor id.
func (c *Client) Name() string {
	return c.desc.ID
}

// Supports reports whether the descriptor declares the capability and an
// endpoint template exists for it.
func (c *Client) Supports(capability model.Capability) bool {
	if !c.desc.Supports(capability) {
		return false
	}
	_, ok := c.desc.Endpoints[capability]
	return ok
}

// Fetch performs exactly one GET against the capability's endpoint. No
// retries here: fallthrough, backoff, and circuit logic belong to the engine.
func (c *Client) Fetch(ctx context.Context, capability model.Capability, key string) (*source.RawResult, error) {
	tmpl, ok := c.desc.Endpoints[capability]
	if !ok {
		return nil, eris.Errorf("httpsource: %s has no endpoint for %s", c.desc.ID, capability)
	}
	rawURL := strings.ReplaceAll(tmpl, "{symbol}", url.QueryEscape(strings.ToUpper(strings.TrimSpace(key))))

	if err := c.limiterFor(rawURL).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "httpsource: limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "httpsource: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "httpsource: %s GET", c.desc.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := eris.Errorf("httpsource: %s returned status %d", c.desc.ID, resp.StatusCode)
		if source.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, source.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var payload map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, eris.Wrapf(err, "httpsource: %s decode body", c.desc.ID)
	}
	normalizeNumbers(payload)

	res := &source.RawResult{Payload: payload}
	if asOf, ok := dataTimestamp(payload); ok {
		res.AsOf = asOf
	}
	return res, nil
}

func (c *Client) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rate.NewLimiter(20, 20)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[u.Host]; ok {
		return lim
	}
	lim := rate.NewLimiter(20, 20)
	c.limiters[u.Host] = lim
	zap.L().Debug("httpsource: default limiter created",
		zap.String("source", c.desc.ID),
		zap.String("host", u.Host),
	)
	return lim
}

// normalizeNumbers converts json.Number payload values to float64 in place
// so downstream fusion sees uniform numerics.
func normalizeNumbers(payload map[string]any) {
	for k, v := range payload {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				payload[k] = f
			}
		}
	}
}

// dataTimestamp looks for a provider data timestamp under common field names.
func dataTimestamp(payload map[string]any) (time.Time, bool) {
	for _, field := range []string{"as_of", "timestamp", "updated_at"} {
		s, ok := payload[field].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
