// Package apiclient is the resilient GraphQL client for the campaign
// platform API. Calls go through a client-side rate limiter and a rolling
// window circuit breaker over a pooled HTTP transport; effect and campaign
// id lookups are served from small TTL caches.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/thornvale/worldscheduler/observability"
)

// AlertSink is the slice of the alerting component the client needs.
type AlertSink interface {
	Critical(ctx context.Context, title, message string, metadata map[string]interface{})
}

// Config carries the client options pulled from service config.
type Config struct {
	URL              string
	Token            string
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client issues typed GraphQL operations against the platform API.
type Client struct {
	url     string
	token   string
	http    *http.Client
	breaker *breaker
	limiter *rate.Limiter
	logger  hclog.Logger
	alerts  AlertSink

	effects   *ttlCache
	campaigns *ttlCache
}

// New builds a client with a pooled keep-alive transport.
func New(cfg Config, alerts AlertSink, logger hclog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		MaxConnsPerHost:       10,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
	}

	c := &Client{
		url:   cfg.URL,
		token: cfg.Token,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		// 50 req/s burst 10 keeps a misbehaving handler from saturating
		// the API before the breaker reacts.
		limiter:   rate.NewLimiter(rate.Limit(50), 10),
		logger:    logger,
		alerts:    alerts,
		effects:   newTTLCache("effect", effectCacheBound, cacheTTL),
		campaigns: newTTLCache("campaigns", 0, cacheTTL),
	}
	c.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerReset, c.onBreakerChange)
	return c
}

func (c *Client) onBreakerChange(from, to BreakerState) {
	observability.BreakerState.Set(float64(to))
	switch to {
	case BreakerOpen:
		c.logger.Error("api circuit breaker opened", "from", from.String())
		// Cached data may be from before the outage started.
		c.effects.clear()
		c.campaigns.clear()
		if c.alerts != nil {
			c.alerts.Critical(context.Background(), "API circuit breaker open",
				"downstream GraphQL API failing, calls are being refused",
				map[string]interface{}{"previousState": from.String()})
		}
	case BreakerClosed:
		c.logger.Info("api circuit breaker closed", "from", from.String())
	case BreakerHalfOpen:
		c.logger.Warn("api circuit breaker half-open, probing", "from", from.String())
	}
}

// BreakerState exposes the breaker position for health reporting.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// Close tears down pooled connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

type gqlRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL operation and decodes the data field into out.
// Response bodies are never logged; the auth token never appears in any log
// line.
func (c *Client) do(ctx context.Context, operation, query string, variables map[string]interface{}, out interface{}) error {
	if !c.breaker.Allow() {
		observability.APIRequests.WithLabelValues(operation, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	// Failures before the request leaves the process say nothing about the
	// downstream and must not feed the breaker window.
	if err := c.limiter.Wait(ctx); err != nil {
		c.breaker.Cancel()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables, OperationName: operation})
	if err != nil {
		c.breaker.Cancel()
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.breaker.Cancel()
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Record(true)
		observability.APIRequests.WithLabelValues(operation, "transport_error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrTransport, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		c.breaker.Record(true)
		observability.APIRequests.WithLabelValues(operation, "server_error").Inc()
		return fmt.Errorf("%w: %s: status %d", ErrTransport, operation, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.breaker.Record(true)
		observability.APIRequests.WithLabelValues(operation, "http_error").Inc()
		return fmt.Errorf("%w: %s: unexpected status %d", ErrTransport, operation, resp.StatusCode)
	}

	var envelope gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.breaker.Record(true)
		observability.APIRequests.WithLabelValues(operation, "decode_error").Inc()
		return fmt.Errorf("%w: %s: decode response: %v", ErrTransport, operation, err)
	}

	if len(envelope.Errors) > 0 {
		messages := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			messages[i] = e.Message
		}
		// Semantic errors are the API answering; the circuit stays healthy.
		c.breaker.Record(false)
		observability.APIRequests.WithLabelValues(operation, "graphql_error").Inc()
		return &GraphQLError{Operation: operation, Messages: messages}
	}

	c.breaker.Record(false)
	observability.APIRequests.WithLabelValues(operation, "ok").Inc()
	c.logger.Debug("api call", "operation", operation, "duration", time.Since(start))

	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%w: %s", ErrEmptyResult, operation)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%s: unmarshal data: %w", operation, err)
	}
	return nil
}

// Ping verifies API reachability for health probes. It bypasses the
// campaign cache so a stale entry cannot mask an outage.
func (c *Client) Ping(ctx context.Context) error {
	var result struct {
		Campaigns []struct {
			ID string `json:"id"`
		} `json:"campaigns"`
	}
	return c.do(ctx, "GetAllCampaignIds", queryAllCampaignIDs, nil, &result)
}
