package chatstream

import "time"

// Version of the chatstream library and CLI
const Version = "0.3.0"

var (
	// LocalAPIHosts are probed by DiscoverServer when no host is given
	LocalAPIHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	// LocalAPIPorts cover LM Studio, Ollama and llama.cpp defaults
	LocalAPIPorts = []int{1234, 11434, 8080}
)

const (
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a helpful assistant"
	KeyHelpURL          = "https://platform.openai.com/docs/api-reference/chat"

	ChatCompletionsEndpoint = "/chat/completions"
	ModelsEndpoint          = "/models"
	DoneSentinel            = "[DONE]"

	// MaxEventSize bounds a single SSE event, data lines included
	MaxEventSize = 4 * 1024 * 1024
	// MaxErrorBodySize bounds how much of a failed response body is read
	MaxErrorBodySize = 64 * 1024

	DiscoveryTimeout        = 2 * time.Second
	MaxConnectionRetries    = 3
	ConnectionRetryDelaySec = 2
	RelayWriteTimeout       = 10 * time.Second
	RelayKeepAliveInterval  = 30 * time.Second
)
