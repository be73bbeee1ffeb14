package search

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"query":" 1.2.3.4, example.com ","doIntegrations":["dns"],"skipCache":true,"tags":["t1"],"viewId":"v"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := &Request{Query: " 1.2.3.4, example.com ", DoIntegrations: []string{"dns"}, SkipCache: true, Tags: []string{"t1"}, ViewID: "v"}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request (-want +got):\n%s", diff)
	}
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `query=x`},
		{"array body", `["x"]`},
		{"missing query", `{}`},
		{"numeric query", `{"query":5}`},
		{"blank query", `{"query":" , \t"}`},
		{"tags not array", `{"query":"x","tags":"a"}`},
		{"tags not strings", `{"query":"x","tags":[1]}`},
		{"allow-list not strings", `{"query":"x","doIntegrations":[true]}`},
		{"viewId not string", `{"query":"x","viewId":3}`},
		{"skipCache not bool", `{"query":"x","skipCache":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRequest([]byte(tt.body)); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestParseRequest_NullOptionals(t *testing.T) {
	req, err := ParseRequest([]byte(`{"query":"x","tags":null,"viewId":null,"skipChildren":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Tags != nil || req.ViewID != "" || req.SkipChildren {
		t.Fatalf("request = %+v", req)
	}
}

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"1.1.1.1,1.1.1.1", []string{"1.1.1.1"}},
		{" a.com  b.com,\n,c.com a.com ", []string{"a.com", "b.com", "c.com"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, Tokens(tt.in)); diff != "" {
			t.Errorf("Tokens(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}
