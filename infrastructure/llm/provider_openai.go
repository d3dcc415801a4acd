package llm

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ahrav/go-arbiter/internal/domain"
)

func init() {
	Register("openai", newOpenAICompatible)
	// OpenRouter speaks the OpenAI chat-completions dialect; the descriptor
	// supplies the OpenRouter base URL.
	Register("openrouter", newOpenAICompatible)
}

// openAIInvoker adapts the OpenAI chat-completions API (and compatible
// endpoints such as OpenRouter) to the Invoker interface.
type openAIInvoker struct {
	desc       domain.ProviderDescriptor
	client     *openai.Client
	classifier *classifier
}

func newOpenAICompatible(desc domain.ProviderDescriptor, apiKey string) (Invoker, error) {
	cfg := openai.DefaultConfig(apiKey)
	if desc.BaseURL != "" {
		cfg.BaseURL = desc.BaseURL
	}
	if desc.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: desc.Timeout}
	}

	return &openAIInvoker{
		desc:       desc,
		client:     openai.NewClientWithConfig(cfg),
		classifier: &classifier{provider: desc.ID},
	}, nil
}

// Invoke sends a chat-completion request and normalizes the first choice
// into a ProviderResponse.
func (p *openAIInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	ccr := openai.ChatCompletionRequest{
		Model:    p.desc.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		ccr.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		ccr.Temperature = float32(clamp(*req.Temperature, 0.0, 2.0))
	}

	resp, err := p.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoResponseChoice
	}

	content := resp.Choices[0].Message.Content
	return &domain.ProviderResponse{
		Text:      content,
		TokensIn:  tokenCount(int64(resp.Usage.PromptTokens), req.Prompt),
		TokensOut: tokenCount(int64(resp.Usage.CompletionTokens), content),
		Model:     resp.Model,
	}, nil
}

// Descriptor returns the static configuration this adapter was built from.
func (p *openAIInvoker) Descriptor() domain.ProviderDescriptor { return p.desc }

func (p *openAIInvoker) wrapError(err error) error {
	if isContextError(err) {
		return p.classifier.fromContext(err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return p.classifier.fromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return p.classifier.fromStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	return &ProviderError{Provider: p.desc.ID, Kind: KindNetwork, Err: err}
}

// clamp restricts v to the inclusive range [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
