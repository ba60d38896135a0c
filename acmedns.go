// Package acmedns fulfils ACME dns-01 domain-validation challenges in DNS
// zones hosted at Metaname. It provisions the required _acme-challenge TXT
// record through the Metaname API, optionally waits for the provider to
// reflect the write, and removes the record again after validation.
//
// The package exposes two surfaces: an Authenticator with batch Present and
// CleanUp operations that any certificate-management host can bind to its own
// plugin convention, and a go-acme/lego challenge provider adapter (see
// NewDNSProvider).
package acmedns

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/metaname/acme-dns-metaname/metaname"
)

// Credentials authenticates an account against the Metaname API. The account
// reference is the short (four character) account identifier; the API key is
// the long-lived secret issued alongside it. Neither is ever logged.
type Credentials struct {
	AccountReference string
	APIKey           string
}

// Challenge is one domain's dns-01 validation request. Value is the
// ready-to-publish validation string (the base64url SHA-256 digest of the key
// authorization) computed by the host; this package does not handle raw ACME
// tokens.
type Challenge struct {
	Domain string
	Value  string
}

// Outcome reports the result of presenting one challenge. A nil Err means the
// record is in place. Err preserves the underlying failure, so hosts can
// inspect it with errors.Is(err, ErrZoneNotFound) or errors.As against
// *metaname.Error.
type Outcome struct {
	Domain string
	Err    error
}

// providerAPI is the subset of the Metaname client the authenticator needs.
type providerAPI interface {
	DNSZone(ctx context.Context, zone string) ([]metaname.Record, error)
	CreateDNSRecord(ctx context.Context, zone string, record metaname.Record) (string, error)
	DeleteDNSRecord(ctx context.Context, zone, reference string) error
}

type options struct {
	log        logr.Logger
	endpoint   string
	httpClient *http.Client
	ttl        int

	retryInitial  time.Duration
	retryMax      time.Duration
	retryAttempts uint64

	propagationAttempts int
	propagationInterval time.Duration

	timeout  time.Duration
	interval time.Duration

	api providerAPI // test hook
}

func defaultOptions() options {
	return options{
		log:      logr.Discard(),
		ttl:      metaname.MinimumTTL,
		timeout:  10 * time.Second,
		interval: 2 * time.Second,
	}
}

// Option configures an Authenticator or lego provider.
type Option func(*options)

// WithLogger directs log output to the given logger. The default discards
// all output.
func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithEndpoint overrides the Metaname API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithTTL sets the TTL of created challenge records. Values below the
// Metaname minimum are raised to it.
func WithTTL(ttl int) Option {
	return func(o *options) {
		if ttl < metaname.MinimumTTL {
			ttl = metaname.MinimumTTL
		}
		o.ttl = ttl
	}
}

// WithRetryPolicy overrides the backoff applied by the API client to
// transient and rate-limit failures.
func WithRetryPolicy(initial, max time.Duration, attempts uint64) Option {
	return func(o *options) {
		o.retryInitial = initial
		o.retryMax = max
		o.retryAttempts = attempts
	}
}

// WithPropagationCheck makes Present poll the Metaname API after a create
// until the record is visible, at most attempts times with the given interval
// between polls. The check is off by default: Metaname applies writes
// synchronously, so the poll is only useful as extra insurance on flaky
// deployments. The poll is bounded and never fails a present on its own.
func WithPropagationCheck(attempts int, interval time.Duration) Option {
	return func(o *options) {
		o.propagationAttempts = attempts
		o.propagationInterval = interval
	}
}

// WithTimeout sets the propagation timeout and poll interval reported to
// hosts that honour them (lego's Timeout contract).
func WithTimeout(timeout, interval time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
		o.interval = interval
	}
}

func withAPI(api providerAPI) Option {
	return func(o *options) {
		o.api = api
	}
}

// Authenticator manages the lifecycle of dns-01 challenge TXT records. It is
// safe for concurrent use; challenges for distinct domains proceed
// independently.
type Authenticator struct {
	api providerAPI
	log logr.Logger
	ttl int

	propagationAttempts int
	propagationInterval time.Duration

	zonesMu   sync.RWMutex
	zones     map[string]string // resolved name -> hosted zone, process lifetime
	zoneGroup singleflight.Group

	mu      sync.Mutex
	records map[recordKey]*challengeRecord
}

// New creates an Authenticator for the given account.
func New(creds Credentials, opts ...Option) (*Authenticator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newAuthenticator(creds, o)
}

func newAuthenticator(creds Credentials, o options) (*Authenticator, error) {
	api := o.api
	if api == nil {
		clientOpts := []metaname.ClientOption{}
		if o.endpoint != "" {
			clientOpts = append(clientOpts, metaname.WithEndpoint(o.endpoint))
		}
		if o.httpClient != nil {
			clientOpts = append(clientOpts, metaname.WithHTTPClient(o.httpClient))
		}
		if o.retryAttempts > 0 {
			clientOpts = append(clientOpts, metaname.WithRetryPolicy(o.retryInitial, o.retryMax, o.retryAttempts))
		}
		client, err := metaname.NewClient(o.log.WithName("metaname"), creds.AccountReference, creds.APIKey, clientOpts...)
		if err != nil {
			return nil, err
		}
		api = client
	}

	return &Authenticator{
		api:                 api,
		log:                 o.log,
		ttl:                 o.ttl,
		propagationAttempts: o.propagationAttempts,
		propagationInterval: o.propagationInterval,
		zones:               make(map[string]string),
		records:             make(map[recordKey]*challengeRecord),
	}, nil
}

// Present provisions the challenge TXT record for every challenge in the
// batch and returns one outcome per challenge, in order. Challenges run
// concurrently; a failure for one domain never aborts or delays its
// siblings.
func (a *Authenticator) Present(ctx context.Context, challenges []Challenge) []Outcome {
	outcomes := make([]Outcome, len(challenges))

	var wg sync.WaitGroup
	for i, ch := range challenges {
		wg.Add(1)
		go func(i int, ch Challenge) {
			defer wg.Done()
			err := a.presentRecord(ctx, challengeFQDN(ch.Domain), ch.Value)
			if err != nil {
				err = fmt.Errorf("presenting challenge for %s: %w", ch.Domain, err)
			}
			outcomes[i] = Outcome{Domain: ch.Domain, Err: err}
		}(i, ch)
	}
	wg.Wait()

	return outcomes
}

// CleanUp removes the challenge TXT records created for the given
// challenges. Removal is best effort: failures are logged and swallowed so
// that a cleanup pass can never block certificate issuance whose outcome is
// already decided, and an already-removed record counts as success.
func (a *Authenticator) CleanUp(ctx context.Context, challenges []Challenge) {
	var wg sync.WaitGroup
	for _, ch := range challenges {
		wg.Add(1)
		go func(ch Challenge) {
			defer wg.Done()
			a.cleanupRecord(ctx, challengeFQDN(ch.Domain), ch.Value)
		}(ch)
	}
	wg.Wait()
}

// challengeFQDN returns the dns-01 record name for a domain, fully qualified.
func challengeFQDN(domain string) string {
	return "_acme-challenge." + strings.Trim(domain, ".") + "."
}

// dnsName normalises a record name to its fully qualified form.
func dnsName(name string) string {
	return strings.TrimSuffix(name, ".") + "."
}
