package providers

import (
	"net/http"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// Provider describes one upstream LLM API: where to send requests and how to
// authenticate against it. Usage parsing per provider lives in the usage
// package, keyed by Name.
type Provider struct {
	Name    string
	BaseURL string
	apiKey  string
}

func (p *Provider) Configured() bool {
	return p != nil && p.apiKey != ""
}

// UpstreamURL maps the inbound request path onto the provider base URL.
func (p *Provider) UpstreamURL(path string) string {
	return strings.TrimSuffix(p.BaseURL, "/") + path
}

// ApplyAuth replaces any client-supplied credentials with the gateway's
// provider key.
func (p *Provider) ApplyAuth(req *http.Request) {
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")
	req.Header.Del("X-Acc-Api-Key")
	req.Header.Del("X-Goog-Api-Key")

	switch p.Name {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", p.apiKey)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	case ProviderOpenAI:
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	case ProviderGoogle:
		req.Header.Set("x-goog-api-key", p.apiKey)
	}
}

type Config struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	GoogleAPIKey     string
	GoogleBaseURL    string
}

// Registry resolves the upstream provider from the inbound proxy path.
type Registry struct {
	anthropic *Provider
	openai    *Provider
	google    *Provider
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		anthropic: &Provider{Name: ProviderAnthropic, BaseURL: cfg.AnthropicBaseURL, apiKey: cfg.AnthropicAPIKey},
		openai:    &Provider{Name: ProviderOpenAI, BaseURL: cfg.OpenAIBaseURL, apiKey: cfg.OpenAIAPIKey},
		google:    &Provider{Name: ProviderGoogle, BaseURL: cfg.GoogleBaseURL, apiKey: cfg.GoogleAPIKey},
	}
}

// ForPath returns the provider serving an inbound path. Unmatched /v1 paths
// fall through to Google when it is configured.
func (r *Registry) ForPath(path string) (*Provider, bool) {
	switch {
	case path == "/v1/messages":
		return r.anthropic, r.anthropic.Configured()
	case path == "/v1/chat/completions":
		return r.openai, r.openai.Configured()
	case strings.HasPrefix(path, "/v1/") && r.google.Configured():
		return r.google, true
	}
	return nil, false
}

// ByName returns a provider by its canonical name, for routed requests that
// switch providers.
func (r *Registry) ByName(name string) (*Provider, bool) {
	switch name {
	case ProviderAnthropic:
		return r.anthropic, r.anthropic.Configured()
	case ProviderOpenAI:
		return r.openai, r.openai.Configured()
	case ProviderGoogle:
		return r.google, r.google.Configured()
	}
	return nil, false
}
