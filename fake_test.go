package acmedns

import (
	"context"
	"fmt"
	"sync"

	"github.com/metaname/acme-dns-metaname/metaname"
)

// fakeAPI is an in-memory Metaname account for tests. Hooks allow fault
// injection per operation.
type fakeAPI struct {
	mu      sync.Mutex
	zones   map[string][]metaname.Record
	nextRef int
	calls   []string

	onZone     func(zone string) error
	onCreate   func(zone string, record metaname.Record) error
	onDelete   func(zone, reference string) error
	listFilter func(zone string, records []metaname.Record) []metaname.Record
}

func newFakeAPI(zones ...string) *fakeAPI {
	f := &fakeAPI{zones: make(map[string][]metaname.Record)}
	for _, z := range zones {
		f.zones[z] = nil
	}
	return f
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeAPI) DNSZone(_ context.Context, zone string) ([]metaname.Record, error) {
	f.record("dns_zone " + zone)
	if f.onZone != nil {
		if err := f.onZone(zone); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	records, ok := f.zones[zone]
	out := append([]metaname.Record(nil), records...)
	f.mu.Unlock()

	if !ok {
		return nil, &metaname.Error{Kind: metaname.KindNotFound, Method: "dns_zone", Message: "Zone not found"}
	}
	if f.listFilter != nil {
		out = f.listFilter(zone, out)
	}
	return out, nil
}

func (f *fakeAPI) CreateDNSRecord(_ context.Context, zone string, record metaname.Record) (string, error) {
	f.record("create_dns_record " + zone)
	if f.onCreate != nil {
		if err := f.onCreate(zone, record); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.zones[zone]; !ok {
		return "", &metaname.Error{Kind: metaname.KindValidation, Method: "create_dns_record", Message: "Invalid domain name"}
	}
	f.nextRef++
	record.Reference = fmt.Sprintf("rec-%d", f.nextRef)
	f.zones[zone] = append(f.zones[zone], record)
	return record.Reference, nil
}

func (f *fakeAPI) DeleteDNSRecord(_ context.Context, zone, reference string) error {
	f.record("delete_dns_record " + zone + " " + reference)
	if f.onDelete != nil {
		if err := f.onDelete(zone, reference); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	records, ok := f.zones[zone]
	if !ok {
		return &metaname.Error{Kind: metaname.KindNotFound, Method: "delete_dns_record", Message: "Zone not found"}
	}
	for i, r := range records {
		if r.Reference == reference {
			f.zones[zone] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return &metaname.Error{Kind: metaname.KindNotFound, Method: "delete_dns_record", Message: "Record not found"}
}

// seed adds a record to a zone directly, bypassing the API surface.
func (f *fakeAPI) seed(zone string, record metaname.Record) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRef++
	record.Reference = fmt.Sprintf("rec-%d", f.nextRef)
	f.zones[zone] = append(f.zones[zone], record)
	return record.Reference
}

// txtCount counts TXT records in a zone matching name and value.
func (f *fakeAPI) txtCount(zone, name, value string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.zones[zone] {
		if r.Type == "TXT" && r.Name == name && r.Data == value {
			n++
		}
	}
	return n
}

// newTestAuthenticator wires an Authenticator directly to a fake API.
func newTestAuthenticator(t interface{ Fatalf(string, ...interface{}) }, api providerAPI, opts ...Option) *Authenticator {
	opts = append(opts, withAPI(api))
	a, err := New(Credentials{AccountReference: "ab12", APIKey: "test-api-key"}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}
