package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const mcpConnectTimeout = 10 * time.Second

type mcpConfig struct {
	ToolName string `json:"tool_name"`
}

// MCPFactory builds handlers that call an MCP tool over streamable HTTP.
// The tool receives the Call as its arguments and must answer with a
// single text content holding a Reply. The route config names the tool:
//
//	{"tool_name": "passivedns_lookup"}
//
// The session is opened when the route is built so a bad endpoint fails
// the reload instead of the first search.
func MCPFactory(opts ...FactoryOption) TransportFactory {
	fc := newFactoryConfig(opts)
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := fc.validate(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/mcp: %w", err)
		}
		var cfg mcpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/mcp: parse config: %w", err)
			}
		}
		if cfg.ToolName == "" {
			return nil, nil, errors.New("connectivity/mcp: tool_name required in config")
		}

		client := mcp.NewClient(&mcp.Implementation{Name: "sonde", Version: "1.0.0"}, nil)
		ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
		defer cancel()
		session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: fc.client}, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("connectivity/mcp: connect to %s: %w", endpoint, err)
		}

		handler := func(ctx context.Context, call *Call) (*Reply, error) {
			res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: cfg.ToolName, Arguments: call})
			if err != nil {
				return nil, fmt.Errorf("connectivity/mcp: call %s: %w", cfg.ToolName, err)
			}
			text := firstText(res)
			if res.IsError {
				return nil, fmt.Errorf("connectivity/mcp: %s: %s", cfg.ToolName, text)
			}
			var reply Reply
			if err := json.Unmarshal([]byte(text), &reply); err != nil {
				return nil, fmt.Errorf("connectivity/mcp: decode reply: %w", err)
			}
			return &reply, nil
		}
		return handler, func() { session.Close() }, nil
	}
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
