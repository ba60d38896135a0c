package acmedns

import (
	"context"
	"time"

	"github.com/metaname/acme-dns-metaname/metaname"
)

// recordState tracks where a challenge record is in its lifecycle.
type recordState int

const (
	statePending recordState = iota
	stateCreated
	statePropagationWait
	stateActive
	stateRemoved
	stateFailed
)

func (s recordState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateCreated:
		return "created"
	case statePropagationWait:
		return "propagation wait"
	case stateActive:
		return "active"
	case stateRemoved:
		return "removed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// recordKey identifies a challenge record. At most one record per key is
// outstanding at any time.
type recordKey struct {
	fqdn  string
	value string
}

// challengeRecord is one tracked challenge TXT record. done is closed when
// the present attempt that owns the record settles, so a concurrent present
// for the identical (fqdn, value) pair can wait instead of double-creating.
type challengeRecord struct {
	key       recordKey
	zone      string
	reference string
	state     recordState
	err       error
	done      chan struct{}
}

// presentRecord creates the TXT record fqdn -> value, reusing an identical
// record if one is already tracked or already exists at the provider.
func (a *Authenticator) presentRecord(ctx context.Context, fqdn, value string) error {
	key := recordKey{fqdn: dnsName(fqdn), value: value}

	a.mu.Lock()
	if existing, ok := a.records[key]; ok {
		select {
		case <-existing.done:
			if existing.state != stateFailed && existing.state != stateRemoved {
				a.mu.Unlock()
				a.log.V(1).Info("challenge record already present", "name", key.fqdn)
				return nil
			}
			// Terminal failure or already removed: start over.
		default:
			// Another present for the same pair is in flight; share its result.
			a.mu.Unlock()
			return a.awaitRecord(ctx, existing)
		}
	}
	rec := &challengeRecord{key: key, state: statePending, done: make(chan struct{})}
	a.records[key] = rec
	a.mu.Unlock()

	err := a.createRecord(ctx, rec)

	a.mu.Lock()
	if err != nil {
		rec.state = stateFailed
		rec.err = err
		if rec.reference == "" {
			// Nothing was committed to the provider, so there is nothing a
			// later cleanup would need to find.
			delete(a.records, key)
		}
	} else {
		rec.state = stateActive
	}
	a.mu.Unlock()
	close(rec.done)

	return err
}

// awaitRecord blocks until an in-flight present for the same record settles.
func (a *Authenticator) awaitRecord(ctx context.Context, rec *challengeRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rec.done:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return rec.err
}

// createRecord resolves the zone and writes the TXT record. On return with a
// non-empty rec.reference the record exists at the provider, even if the
// error is non-nil, so cleanup can still remove it.
func (a *Authenticator) createRecord(ctx context.Context, rec *challengeRecord) error {
	zone, err := a.resolveZone(ctx, rec.key.fqdn)
	if err != nil {
		return err
	}
	rec.zone = zone

	// An identical record may already exist, e.g. after a crashed run or a
	// retried order. Reuse it rather than duplicating.
	existing, err := a.api.DNSZone(ctx, zone)
	if err != nil {
		if metaname.IsKind(err, metaname.KindAuth) {
			return err
		}
		a.log.V(1).Info("could not list zone before create", "zone", zone, "error", err.Error())
	}
	for _, r := range existing {
		if r.Type == "TXT" && dnsName(r.Name) == rec.key.fqdn && r.Data == rec.key.value {
			rec.reference = r.Reference
			a.setState(rec, stateCreated)
			a.log.Info("reusing existing challenge record", "name", rec.key.fqdn, "zone", zone, "reference", r.Reference)
			return a.waitForPropagation(ctx, rec)
		}
	}

	record := metaname.TXTRecord(rec.key.fqdn, rec.key.value)
	record.TTL = a.ttl
	reference, err := a.api.CreateDNSRecord(ctx, zone, record)
	if err != nil {
		return err
	}
	rec.reference = reference
	a.setState(rec, stateCreated)
	a.log.Info("challenge record created", "name", rec.key.fqdn, "zone", zone, "reference", reference)

	return a.waitForPropagation(ctx, rec)
}

// waitForPropagation polls the zone until the created record shows up in the
// provider's own API, bounded by the configured attempts and interval. The
// check is disabled by default. A record that never shows up within the bound
// is logged but does not fail the present: the host performs the
// authoritative DNS check anyway.
func (a *Authenticator) waitForPropagation(ctx context.Context, rec *challengeRecord) error {
	if a.propagationAttempts <= 0 {
		return nil
	}
	a.setState(rec, statePropagationWait)

	ticker := time.NewTicker(a.propagationInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= a.propagationAttempts; attempt++ {
		records, err := a.api.DNSZone(ctx, rec.zone)
		if err == nil {
			for _, r := range records {
				if r.Reference == rec.reference || (r.Type == "TXT" && dnsName(r.Name) == rec.key.fqdn && r.Data == rec.key.value) {
					a.log.V(1).Info("challenge record visible at provider", "name", rec.key.fqdn, "attempt", attempt)
					return nil
				}
			}
		} else if metaname.IsKind(err, metaname.KindAuth) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	a.log.Info("challenge record not yet visible at provider, continuing anyway", "name", rec.key.fqdn)
	return nil
}

// cleanupRecord removes the TXT record for (fqdn, value). Failures are logged
// and swallowed; a record that is already gone counts as success, so calling
// cleanup twice is a harmless no-op.
func (a *Authenticator) cleanupRecord(ctx context.Context, fqdn, value string) {
	key := recordKey{fqdn: dnsName(fqdn), value: value}

	a.mu.Lock()
	rec := a.records[key]
	a.mu.Unlock()

	if rec != nil {
		// A present for this record may still be in flight; wait for it to
		// settle so a committed create is not missed.
		select {
		case <-ctx.Done():
			a.log.Error(ctx.Err(), "cleanup abandoned while record still in flight", "name", key.fqdn)
			return
		case <-rec.done:
		}
	}

	var zone, reference string
	if rec != nil && rec.reference != "" {
		zone, reference = rec.zone, rec.reference
	} else {
		// Untracked record, e.g. cleanup called twice or for a challenge this
		// process never presented. Look for a matching record at the provider
		// before giving up.
		zone, reference = a.findRecord(ctx, key)
		if reference == "" {
			a.log.V(1).Info("no challenge record to clean up", "name", key.fqdn)
			a.forget(key, rec, stateRemoved)
			return
		}
	}

	if err := a.api.DeleteDNSRecord(ctx, zone, reference); err != nil && !metaname.IsKind(err, metaname.KindNotFound) {
		// Leaving a stale TXT record behind is preferable to failing a
		// cleanup pass that runs after the order's outcome is decided.
		a.log.Error(err, "failed to remove challenge record", "name", key.fqdn, "zone", zone, "reference", reference)
		a.forget(key, rec, stateFailed)
		return
	}

	a.log.Info("challenge record removed", "name", key.fqdn, "zone", zone, "reference", reference)
	a.forget(key, rec, stateRemoved)
}

// findRecord makes a best-effort search for a challenge record at the
// provider. It returns empty strings if the record cannot be located.
func (a *Authenticator) findRecord(ctx context.Context, key recordKey) (zone, reference string) {
	zone, err := a.resolveZone(ctx, key.fqdn)
	if err != nil {
		a.log.V(1).Info("could not resolve zone during cleanup", "name", key.fqdn, "error", err.Error())
		return "", ""
	}
	records, err := a.api.DNSZone(ctx, zone)
	if err != nil {
		a.log.V(1).Info("could not list zone during cleanup", "zone", zone, "error", err.Error())
		return "", ""
	}
	for _, r := range records {
		if r.Type == "TXT" && dnsName(r.Name) == key.fqdn && r.Data == key.value {
			return zone, r.Reference
		}
	}
	return "", ""
}

// forget drops a record from tracking, recording its terminal state.
func (a *Authenticator) forget(key recordKey, rec *challengeRecord, state recordState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec != nil {
		rec.state = state
	}
	delete(a.records, key)
}

// setState transitions a record's state under the tracking lock.
func (a *Authenticator) setState(rec *challengeRecord, state recordState) {
	a.mu.Lock()
	rec.state = state
	a.mu.Unlock()
}
