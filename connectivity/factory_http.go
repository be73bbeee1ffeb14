package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hazyhaar/sonde/horosafe"
)

const maxHTTPResponseBody int64 = 10 << 20

type httpConfig struct {
	Header map[string]string `json:"header"`
}

// HTTPFactory builds handlers that POST the Call as JSON to the endpoint
// and decode a Reply from the response. Non-2xx statuses are errors.
// Route config may set extra request headers under "header", e.g. an API
// key the remote service expects.
//
//	router.RegisterTransport("http", connectivity.HTTPFactory())
func HTTPFactory(opts ...FactoryOption) TransportFactory {
	fc := newFactoryConfig(opts)
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := fc.validate(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: parse config: %w", err)
			}
		}
		client := fc.client

		handler := func(ctx context.Context, call *Call) (*Reply, error) {
			payload, err := json.Marshal(call)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: marshal call: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range cfg.Header {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("connectivity/http: status %d: %s", resp.StatusCode, body)
			}
			var reply Reply
			if err := json.Unmarshal(body, &reply); err != nil {
				return nil, fmt.Errorf("connectivity/http: decode reply: %w", err)
			}
			return &reply, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}
