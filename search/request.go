package search

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidRequest marks a malformed search request.
var ErrInvalidRequest = errors.New("invalid request")

// Request is the body of POST /api/integration/search.
type Request struct {
	Query          string   `json:"query"`
	DoIntegrations []string `json:"doIntegrations,omitempty"`
	SkipCache      bool     `json:"skipCache,omitempty"`
	SkipChildren   bool     `json:"skipChildren,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ViewID         string   `json:"viewId,omitempty"`
}

// ParseRequest decodes and validates body. Every field is type-checked so a
// wrong shape is reported by name rather than silently zeroed.
func ParseRequest(body []byte) (*Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidRequest)
	}

	var req Request
	q, ok := raw["query"]
	if !ok || json.Unmarshal(q, &req.Query) != nil {
		return nil, fmt.Errorf("%w: query must be a string", ErrInvalidRequest)
	}
	if len(Tokens(req.Query)) == 0 {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}

	var err error
	if req.DoIntegrations, err = stringList(raw, "doIntegrations"); err != nil {
		return nil, err
	}
	if req.Tags, err = stringList(raw, "tags"); err != nil {
		return nil, err
	}
	if v, ok := raw["viewId"]; ok && !isNull(v) {
		if json.Unmarshal(v, &req.ViewID) != nil {
			return nil, fmt.Errorf("%w: viewId must be a string", ErrInvalidRequest)
		}
	}
	for name, dst := range map[string]*bool{"skipCache": &req.SkipCache, "skipChildren": &req.SkipChildren} {
		if v, ok := raw[name]; ok && !isNull(v) {
			if json.Unmarshal(v, dst) != nil {
				return nil, fmt.Errorf("%w: %s must be a boolean", ErrInvalidRequest, name)
			}
		}
	}
	return &req, nil
}

func stringList(raw map[string]json.RawMessage, name string) ([]string, error) {
	v, ok := raw[name]
	if !ok || isNull(v) {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array of strings", ErrInvalidRequest, name)
	}
	return out, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Tokens splits a query on whitespace and commas, dropping empties and
// duplicates while keeping first-seen order.
func Tokens(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
