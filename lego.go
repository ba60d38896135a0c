package acmedns

import (
	"context"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
)

// Provider adapts an Authenticator to the go-acme/lego challenge provider
// contract, so lego-based hosts can solve dns-01 challenges through Metaname
// without knowing anything about this package's own interfaces.
type Provider struct {
	auth     *Authenticator
	timeout  time.Duration
	interval time.Duration
}

var _ challenge.Provider = (*Provider)(nil)
var _ challenge.ProviderTimeout = (*Provider)(nil)

// NewDNSProvider creates a lego challenge provider for the given account.
func NewDNSProvider(creds Credentials, opts ...Option) (*Provider, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	auth, err := newAuthenticator(creds, o)
	if err != nil {
		return nil, err
	}
	return &Provider{auth: auth, timeout: o.timeout, interval: o.interval}, nil
}

// Present creates the TXT record needed to validate the domain. The
// validation value is derived from the key authorization here; the record
// lifecycle below only ever sees the finished digest.
func (p *Provider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	return p.auth.presentRecord(context.Background(), info.EffectiveFQDN, info.Value)
}

// CleanUp removes the TXT record created by Present. It never fails:
// removal problems are logged and the stale record expires with its TTL.
func (p *Provider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	p.auth.cleanupRecord(context.Background(), info.EffectiveFQDN, info.Value)
	return nil
}

// Timeout reports how long the host should wait for DNS propagation and how
// often to poll. Metaname applies updates synchronously, so the default is
// short.
func (p *Provider) Timeout() (timeout, interval time.Duration) {
	return p.timeout, p.interval
}
