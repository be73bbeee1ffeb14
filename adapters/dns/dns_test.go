package dns

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/sonde/adapter"
	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/indicator"
)

type fakeResolver struct {
	ips  map[string][]net.IPAddr
	mx   map[string][]*net.MX
	ns   map[string][]*net.NS
	ptr  map[string][]string
	fail error
}

func nxdomain(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.ips[host]; ok {
		return v, nil
	}
	return nil, nxdomain(host)
}

func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.mx[name]; ok {
		return v, nil
	}
	return nil, nxdomain(name)
}

func (f *fakeResolver) LookupNS(_ context.Context, name string) ([]*net.NS, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.ns[name]; ok {
		return v, nil
	}
	return nil, nxdomain(name)
}

func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.ptr[addr]; ok {
		return v, nil
	}
	return nil, nxdomain(addr)
}

func exampleResolver() *fakeResolver {
	return &fakeResolver{
		ips: map[string][]net.IPAddr{"example.com": {
			{IP: net.ParseIP("2001:db8::1")},
			{IP: net.ParseIP("192.0.2.10")},
		}},
		mx:  map[string][]*net.MX{"example.com": {{Host: "mail.example.com.", Pref: 10}}},
		ns:  map[string][]*net.NS{"example.com": {{Host: "ns1.example.net."}}},
		ptr: map[string][]string{"192.0.2.10": {"host.example.com."}},
	}
}

func call(t *testing.T, a *adapter.Adapter, ind indicator.Indicator) adapter.Result {
	t.Helper()
	reg := adapter.NewRegistry()
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	registered, _ := reg.Get(Name)
	return registered.Handlers[ind.Type](context.Background(), &adapter.Request{
		Indicator: ind, Query: ind.Query, Settings: registered.Settings(),
	})
}

func TestLookupDomain(t *testing.T) {
	res := call(t, New(WithResolver(exampleResolver())), indicator.Classify("example.com"))
	if res.Kind != adapter.KindFound || res.Count != 4 {
		t.Fatalf("result = %v count=%d err=%v", res.Kind, res.Count, res.Err)
	}
	var ans Answer
	json.Unmarshal(res.Data, &ans)
	want := []Record{
		{Type: "A", Value: "192.0.2.10"},
		{Type: "AAAA", Value: "2001:db8::1"},
		{Type: "MX", Value: "mail.example.com", Priority: 10},
		{Type: "NS", Value: "ns1.example.net"},
	}
	if diff := cmp.Diff(want, ans.Records); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestLookupDomain_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		resolver *fakeResolver
		query    string
		want     adapter.Kind
	}{
		{"nxdomain", exampleResolver(), "missing.example", adapter.KindNotFound},
		{"resolver down", &fakeResolver{fail: errors.New("i/o timeout")}, "example.com", adapter.KindError},
		{"partial", &fakeResolver{mx: map[string][]*net.MX{"example.com": {{Host: "mx.example.com."}}}}, "example.com", adapter.KindFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, New(WithResolver(tt.resolver)), indicator.Indicator{Query: tt.query, Type: indicator.Domain})
			if res.Kind != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", res.Kind, tt.want, res.Err)
			}
		})
	}
}

func TestLookupIP(t *testing.T) {
	a := New(WithResolver(exampleResolver()))
	res := call(t, a, indicator.Indicator{Query: "192.0.2.10", Type: indicator.IP})
	if res.Kind != adapter.KindFound || res.Count != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res := call(t, a, indicator.Indicator{Query: "192.0.2.99", Type: indicator.IP}); res.Kind != adapter.KindNotFound {
		t.Fatalf("unknown PTR = %v", res.Kind)
	}
}

func TestDiscover(t *testing.T) {
	data, _ := json.Marshal(Answer{Query: "example.com", Records: []Record{
		{Type: "A", Value: "192.0.2.10"},
		{Type: "MX", Value: "mail.example.com"},
		{Type: "NS", Value: "example.com"},
	}})
	got := Discover(indicator.Indicator{Query: "example.com", Type: indicator.Domain}, data)
	if len(got) != 2 {
		t.Fatalf("discoveries = %+v", got)
	}
	if got[0].Indicator.Type != indicator.IP || got[0].Enhance == nil {
		t.Fatalf("ip child = %+v", got[0])
	}
	if got[1].Indicator != (indicator.Indicator{Query: "mail.example.com", Type: indicator.Domain}) {
		t.Fatalf("mx child = %+v", got[1])
	}
	if Discover(indicator.Indicator{}, json.RawMessage(`not json`)) != nil {
		t.Fatal("garbage payload produced children")
	}
}

// WHAT: a domain search walks A records into ip lookups.
// WHY: discovery is the only path from one indicator to its neighbours.
func TestSearchFollowsAddresses(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.Register(New(WithResolver(exampleResolver())))

	var mu sync.Mutex
	var chunks []engine.Chunk
	s := engine.New(reg).NewSearch(engine.Options{Caller: auth.Caller{}}, func(c engine.Chunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})
	if err := s.Run(context.Background(), []engine.Seed{{Indicator: indicator.Classify("example.com")}}); err != nil {
		t.Fatal(err)
	}
	<-s.Done()

	enhance, link := -1, -1
	for i, c := range chunks {
		if c.Indicator.Query != "192.0.2.10" {
			continue
		}
		if c.Purpose == engine.PurposeEnhance && enhance < 0 {
			enhance = i
		}
		if c.Purpose == engine.PurposeLink && link < 0 {
			link = i
		}
	}
	if enhance < 0 || link < 0 || enhance > link {
		t.Fatalf("enhance=%d link=%d", enhance, link)
	}
	if c := s.Counts(); !c.Balanced() || !c.Finished {
		t.Fatalf("counts = %+v", c)
	}
}
