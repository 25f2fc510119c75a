package llm

import (
	"log"
	"time"
)

// Provider names accepted by the factory.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewClient creates an LLM client for the configured provider. Unknown
// providers fall back to the OpenAI-compatible HTTP client.
func NewClient(provider, baseURL, apiKey string, timeout time.Duration) Client {
	switch provider {
	case ProviderMock:
		log.Println("using mock LLM client")
		return NewMockClient()
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewHTTPClient(baseURL, apiKey, timeout)
	default:
		log.Printf("WARN: unknown LLM provider %q, using OpenAI-compatible client", provider)
		return NewHTTPClient(baseURL, apiKey, timeout)
	}
}
