package acmedns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metaname/acme-dns-metaname/metaname"
)

// ErrZoneNotFound is returned when no hosted zone controls a domain. It is
// fatal for that domain: the account simply does not manage it.
var ErrZoneNotFound = errors.New("no hosted zone found")

// resolveZone maps a challenge record name to the hosted zone that controls
// it. Successful resolutions are cached for the lifetime of the
// Authenticator; zone ownership does not change during a certificate
// issuance. First resolutions are deduplicated per name, and distinct names
// never block each other.
func (a *Authenticator) resolveZone(ctx context.Context, fqdn string) (string, error) {
	name := strings.Trim(fqdn, ".")

	a.zonesMu.RLock()
	zone, ok := a.zones[name]
	a.zonesMu.RUnlock()
	if ok {
		return zone, nil
	}

	v, err, _ := a.zoneGroup.Do(name, func() (interface{}, error) {
		zone, err := a.lookupZone(ctx, name)
		if err != nil {
			return nil, err
		}
		a.zonesMu.Lock()
		a.zones[name] = zone
		a.zonesMu.Unlock()
		return zone, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// lookupZone finds the hosted zone for a record name by probing successively
// shorter suffixes. The leftmost label is the challenge (or host) label and
// is never itself a zone, so probing starts at the parent and stops at the
// second-level domain. Metaname has no cheap zone-lookup method, so each
// candidate is probed with dns_zone.
func (a *Authenticator) lookupZone(ctx context.Context, name string) (string, error) {
	labels := strings.Split(name, ".")
	for i := 1; i <= len(labels)-2; i++ {
		candidate := strings.Join(labels[i:], ".")
		if _, err := a.api.DNSZone(ctx, candidate); err != nil {
			if metaname.IsKind(err, metaname.KindAuth) {
				return "", err
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			a.log.V(1).Info("no hosted zone at suffix", "candidate", candidate)
			continue
		}
		a.log.V(1).Info("resolved hosted zone", "name", name, "zone", candidate)
		return candidate, nil
	}
	return "", fmt.Errorf("%w for %s", ErrZoneNotFound, name)
}
