package search

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/indicator"
	"github.com/hazyhaar/sonde/kit"
)

// RegisterMCP registers the sonde tools on srv. Tools run as the caller
// stored in the request context, anonymous otherwise.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerClassify(srv)
	s.registerSearch(srv)
	s.registerLookup(srv)
	s.registerAdapters(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func decodeArgs[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}

func (s *Service) registerClassify(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
	}
	tool := &mcp.Tool{
		Name:        "sonde_classify",
		Description: "Classify search tokens into indicator types (ip, domain, email, url, phone, hash, text)",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "One or more tokens separated by spaces or commas"},
		}, []string{"query"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		tokens := Tokens(p.Query)
		if len(tokens) == 0 {
			return nil, errors.New("query is empty")
		}
		out := make([]indicator.Indicator, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, indicator.Classify(t))
		}
		return out, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[req])
}

func (s *Service) registerSearch(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sonde_search",
		Description: "Search indicators across every integration, following discovered indicators. Returns the full chunk list.",
		InputSchema: inputSchema(map[string]any{
			"query":          map[string]any{"type": "string", "description": "Indicators separated by spaces or commas"},
			"doIntegrations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict to these adapters"},
			"skipCache":      map[string]any{"type": "boolean", "description": "Bypass cached results"},
			"skipChildren":   map[string]any{"type": "boolean", "description": "Do not follow discovered indicators"},
			"tags":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, []string{"query"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		req := r.(*Request)
		var chunks []engine.Chunk
		err := s.Stream(ctx, auth.CallerFrom(ctx), req, func(c engine.Chunk) {
			chunks = append(chunks, c)
		})
		if err != nil {
			return nil, err
		}
		return chunks, nil
	}
	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		req, err := ParseRequest(r.Params.Arguments)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: req}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerLookup(srv *mcp.Server) {
	type req struct {
		IType   string `json:"itype"`
		Adapter string `json:"adapter"`
		Query   string `json:"query"`
	}
	tool := &mcp.Tool{
		Name:        "sonde_lookup",
		Description: "Run a single adapter for one indicator, cache first",
		InputSchema: inputSchema(map[string]any{
			"itype":   map[string]any{"type": "string", "description": "Indicator type"},
			"adapter": map[string]any{"type": "string", "description": "Adapter name"},
			"query":   map[string]any{"type": "string", "description": "Indicator value"},
		}, []string{"itype", "adapter", "query"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		c := s.Lookup(ctx, auth.CallerFrom(ctx), p.IType, p.Adapter, p.Query)
		if c.Purpose == engine.PurposeError {
			return nil, errors.New(c.Text)
		}
		return c, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[req])
}

func (s *Service) registerAdapters(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "sonde_adapters",
		Description: "List registered adapters with their resolved cache settings and stats",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		reg := s.engine.Registry()
		type entry struct {
			Info  any `json:"info"`
			Stats any `json:"stats,omitempty"`
		}
		var out []entry
		for _, a := range reg.All() {
			e := entry{Info: a.Info()}
			if st, ok := reg.Stats().Get(a.Name); ok {
				e.Stats = st
			}
			out = append(out, e)
		}
		return out, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[req])
}
