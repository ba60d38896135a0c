// Package metaname is a client for the subset of the Metaname JSON-RPC API
// (https://metaname.net/api/1.1/doc) needed to manage DNS records: listing
// hosted zones, listing the records of a zone, and creating or deleting
// individual records.
package metaname

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const (
	// DefaultEndpoint is the production Metaname API endpoint.
	DefaultEndpoint = "https://metaname.net/api/1.1"

	// MinimumTTL is the lowest TTL Metaname accepts for a record.
	MinimumTTL = 60
)

// Default retry policy for transient and rate-limit failures.
const (
	defaultRetryInitial  = 1 * time.Second
	defaultRetryMax      = 30 * time.Second
	defaultRetryAttempts = 5
)

// Zone is a DNS zone hosted at Metaname. Metaname keys all record operations
// by zone name, so the name doubles as the zone identifier.
type Zone struct {
	Name string `json:"name"`
}

// Record is a single DNS record in the Metaname wire format. Reference is
// assigned by Metaname and is only set on records returned by the API.
type Record struct {
	Reference string `json:"reference,omitempty"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Aux       *int   `json:"aux"`
	TTL       int    `json:"ttl"`
	Data      string `json:"data"`
}

// TXTRecord builds a TXT record with the Metaname minimum TTL.
func TXTRecord(name, data string) Record {
	return Record{
		Name: name,
		Type: "TXT",
		TTL:  MinimumTTL,
		Data: data,
	}
}

// Client makes authenticated requests to the Metaname JSON-RPC API. It is
// safe for concurrent use. Transient and rate-limit failures are retried
// with exponential backoff before being surfaced.
type Client struct {
	endpoint         string
	accountReference string
	apiKey           string

	httpClient *http.Client
	log        logr.Logger
	requestID  atomic.Int64

	retryInitial  time.Duration
	retryMax      time.Duration
	retryAttempts uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the API endpoint, e.g. for a test server.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy overrides the backoff applied to transient and rate-limit
// failures. attempts is the total number of tries including the first.
func WithRetryPolicy(initial, max time.Duration, attempts uint64) ClientOption {
	return func(c *Client) {
		c.retryInitial = initial
		c.retryMax = max
		c.retryAttempts = attempts
	}
}

// NewClient creates a Client for the given Metaname account. The account
// reference and API key are sent with every request and are never logged.
func NewClient(log logr.Logger, accountReference, apiKey string, opts ...ClientOption) (*Client, error) {
	if accountReference == "" {
		return nil, fmt.Errorf("metaname: missing account reference")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("metaname: missing API key")
	}

	c := &Client{
		endpoint:         DefaultEndpoint,
		accountReference: accountReference,
		apiKey:           apiKey,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		log:              log,
		retryInitial:     defaultRetryInitial,
		retryMax:         defaultRetryMax,
		retryAttempts:    defaultRetryAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DNSZones lists all zones hosted by the account.
func (c *Client) DNSZones(ctx context.Context) ([]Zone, error) {
	result, err := c.request(ctx, "dns_zones")
	if err != nil {
		return nil, err
	}
	var zones []Zone
	if err := json.Unmarshal(result, &zones); err != nil {
		return nil, &Error{Kind: KindProtocol, Method: "dns_zones", Message: fmt.Sprintf("unexpected result shape: %v", err)}
	}
	return zones, nil
}

// DNSZone returns the records of the named zone. Probing a name that is not
// hosted by the account fails with a not-found or validation error.
func (c *Client) DNSZone(ctx context.Context, zone string) ([]Record, error) {
	result, err := c.request(ctx, "dns_zone", zone)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, &Error{Kind: KindProtocol, Method: "dns_zone", Message: fmt.Sprintf("unexpected result shape: %v", err)}
	}
	return records, nil
}

// CreateDNSRecord adds a record to the named zone and returns the reference
// Metaname assigned to it.
func (c *Client) CreateDNSRecord(ctx context.Context, zone string, record Record) (string, error) {
	result, err := c.request(ctx, "create_dns_record", zone, record)
	if err != nil {
		return "", err
	}

	var reference string
	if err := json.Unmarshal(result, &reference); err != nil {
		// Older API revisions returned numeric references.
		var n json.Number
		if err := json.Unmarshal(result, &n); err != nil {
			return "", &Error{Kind: KindProtocol, Method: "create_dns_record", Message: fmt.Sprintf("unexpected result shape: %s", result)}
		}
		reference = n.String()
	}
	c.log.V(1).Info("record created", "zone", zone, "name", record.Name, "reference", reference)
	return reference, nil
}

// DeleteDNSRecord removes the record with the given reference from the named
// zone. Deleting a reference that no longer exists fails with a not-found
// error, which callers may treat as success.
func (c *Client) DeleteDNSRecord(ctx context.Context, zone, reference string) error {
	if _, err := c.request(ctx, "delete_dns_record", zone, reference); err != nil {
		return err
	}
	c.log.V(1).Info("record deleted", "zone", zone, "reference", reference)
	return nil
}

// request runs a JSON-RPC call, retrying transient and rate-limit failures
// with exponential backoff. All other failures are permanent.
func (c *Client) request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var result json.RawMessage

	attempt := 0
	op := func() error {
		attempt++
		res, err := c.call(ctx, method, params...)
		if err != nil {
			if IsKind(err, KindTransient) || IsKind(err, KindRateLimit) {
				c.log.V(1).Info("retryable API failure", "method", method, "attempt", attempt, "error", err.Error())
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = c.retryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retryAttempts-1), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// rpcEnvelope is the JSON-RPC response wrapper.
type rpcEnvelope struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs a single JSON-RPC request. The account reference and API key
// are prepended to the method parameters, as required by every Metaname
// method. The response id must echo the request id.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	payload := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      int64         `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  append([]interface{}{c.accountReference, c.apiKey}, params...),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Method: method, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Method: method, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.V(1).Info("calling API", "method", method, "id", id)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Method: method, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, Method: method, Message: fmt.Sprintf("API returned status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimit, Method: method, Message: fmt.Sprintf("API returned status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Method: method, Message: fmt.Sprintf("API returned status %d", resp.StatusCode)}
	}

	var envelope rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &Error{Kind: KindProtocol, Method: method, Message: fmt.Sprintf("API did not return a JSON-RPC response: %v", err)}
	}

	if envelope.Error != nil {
		return nil, classifyRPCError(method, envelope.Error)
	}
	if envelope.ID == nil || *envelope.ID != id {
		return nil, &Error{Kind: KindProtocol, Method: method, Message: "API returned an out of sequence response"}
	}
	if envelope.Result == nil {
		return nil, &Error{Kind: KindProtocol, Method: method, Message: "API response contains neither result nor error"}
	}
	return envelope.Result, nil
}

// classifyRPCError maps a JSON-RPC error to a Kind. Metaname does not publish
// a full code table, so classification falls back to message matching.
// Unrecognised errors are treated as fatal rather than retried.
func classifyRPCError(method string, rpcErr *rpcError) *Error {
	kind := KindValidation

	msg := strings.ToLower(rpcErr.Message)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such"):
		kind = KindNotFound
	case strings.Contains(msg, "denied") || strings.Contains(msg, "authenticat") || strings.Contains(msg, "authoris") || strings.Contains(msg, "api key") || strings.Contains(msg, "credential"):
		kind = KindAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		kind = KindRateLimit
	case strings.Contains(msg, "temporarily") || strings.Contains(msg, "try again"):
		kind = KindTransient
	}

	return &Error{Kind: kind, Method: method, Code: rpcErr.Code, Message: rpcErr.Message}
}
