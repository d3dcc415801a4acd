package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ahrav/go-arbiter/internal/domain"
)

// anthropicDefaultMaxTokens bounds completions when the request does not
// specify a limit; the Messages API requires an explicit value.
const anthropicDefaultMaxTokens = 1024

func init() {
	Register("anthropic", newAnthropic)
}

// anthropicInvoker adapts Anthropic's Messages API to the Invoker interface.
type anthropicInvoker struct {
	desc       domain.ProviderDescriptor
	client     anthropic.Client
	classifier *classifier
}

func newAnthropic(desc domain.ProviderDescriptor, apiKey string) (Invoker, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if desc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(desc.BaseURL))
	}

	return &anthropicInvoker{
		desc:       desc,
		client:     anthropic.NewClient(opts...),
		classifier: &classifier{provider: desc.ID},
	}, nil
}

// Invoke sends a Messages request and concatenates the text blocks of the
// reply into a ProviderResponse.
func (p *anthropicInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.desc.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(clamp(*req.Temperature, 0.0, 1.0))
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch content := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(content.Text)
		}
	}

	content := text.String()
	if content == "" {
		return nil, ErrEmptyResponse
	}

	return &domain.ProviderResponse{
		Text:      content,
		TokensIn:  tokenCount(message.Usage.InputTokens, req.Prompt),
		TokensOut: tokenCount(message.Usage.OutputTokens, content),
		Model:     p.desc.Model,
	}, nil
}

// Descriptor returns the static configuration this adapter was built from.
func (p *anthropicInvoker) Descriptor() domain.ProviderDescriptor { return p.desc }

func (p *anthropicInvoker) wrapError(err error) error {
	if isContextError(err) {
		return p.classifier.fromContext(err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return p.classifier.fromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}

	return &ProviderError{Provider: p.desc.ID, Kind: KindNetwork, Err: err}
}
