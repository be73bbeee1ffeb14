package connectivity

import (
	"net/http"

	"github.com/hazyhaar/sonde/horosafe"
)

type factoryConfig struct {
	validate func(string) error
	client   *http.Client
}

// FactoryOption configures the HTTP and MCP transport factories.
type FactoryOption func(*factoryConfig)

// WithURLValidator replaces the endpoint check (default
// horosafe.ValidateURL, which rejects private and loopback targets).
func WithURLValidator(fn func(string) error) FactoryOption {
	return func(c *factoryConfig) { c.validate = fn }
}

// WithHTTPClient sets the base client. Per-route timeouts still apply
// through the Timeout middleware.
func WithHTTPClient(hc *http.Client) FactoryOption {
	return func(c *factoryConfig) { c.client = hc }
}

func newFactoryConfig(opts []FactoryOption) factoryConfig {
	c := factoryConfig{validate: horosafe.ValidateURL, client: &http.Client{}}
	for _, o := range opts {
		o(&c)
	}
	return c
}
