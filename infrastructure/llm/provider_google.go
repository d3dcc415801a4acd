package llm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"

	"github.com/ahrav/go-arbiter/internal/domain"
)

func init() {
	Register("google", newGoogle)
}

// googleInvoker adapts Google's Gemini API to the Invoker interface.
type googleInvoker struct {
	desc       domain.ProviderDescriptor
	client     *genai.Client
	classifier *classifier
}

func newGoogle(desc domain.ProviderDescriptor, apiKey string) (Invoker, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Google client: %w", err)
	}

	return &googleInvoker{
		desc:       desc,
		client:     client,
		classifier: &classifier{provider: desc.ID},
	}, nil
}

// Invoke sends a GenerateContent request. Gemini has no separate system
// role, so a system instruction is prepended to the user prompt.
func (p *googleInvoker) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = fmt.Sprintf("System: %s\n\nUser: %s", req.System, req.Prompt)
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(clamp(*req.Temperature, 0.0, 2.0)))
	}
	if req.MaxTokens > 0 {
		if req.MaxTokens > math.MaxInt32 {
			config.MaxOutputTokens = math.MaxInt32
		} else {
			config.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.desc.Model, contents, config)
	if err != nil {
		return nil, p.wrapError(err)
	}

	content := resp.Text()
	if content == "" {
		return nil, ErrEmptyResponse
	}

	var tokensIn, tokensOut int64
	if resp.UsageMetadata != nil {
		tokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &domain.ProviderResponse{
		Text:      content,
		TokensIn:  tokenCount(tokensIn, prompt),
		TokensOut: tokenCount(tokensOut, content),
		Model:     p.desc.Model,
	}, nil
}

// Descriptor returns the static configuration this adapter was built from.
func (p *googleInvoker) Descriptor() domain.ProviderDescriptor { return p.desc }

func (p *googleInvoker) wrapError(err error) error {
	if isContextError(err) {
		return p.classifier.fromContext(err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Message
		}
		return p.classifier.fromStatus(apiErr.Code, message, err)
	}

	return &ProviderError{Provider: p.desc.ID, Kind: KindUnknown, Err: err}
}
