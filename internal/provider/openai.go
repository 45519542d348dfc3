package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dreamframe/backend/internal/pricing"
)

// openAIPayload is the slice of the request payload the adapter understands.
// Everything else in the payload is ignored, not rejected.
type openAIPayload struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
	Style  string `json:"style"`
}

// OpenAI generates images through the OpenAI image API. Generation is
// synchronous from the queue's point of view: Submit returns an immediate
// result with expiring URLs that the caller must re-host.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("provider: OpenAI API key is required")
	}
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}, nil
}

func (p *OpenAI) Submit(ctx context.Context, req Request) (*SubmitOutput, error) {
	var payload openAIPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("provider: decode payload: %w", err)
	}
	if payload.Prompt == "" {
		return nil, errors.New("provider: prompt is required")
	}

	n := payload.N
	if n < 1 {
		n = 1
	}
	// DALL-E 3 only supports n=1.
	if p.model == openai.CreateImageModelDallE3 {
		n = 1
	}
	size := payload.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         payload.Prompt,
		Model:          p.model,
		N:              n,
		Size:           size,
		Style:          payload.Style,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: create image: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("provider: empty image response")
	}

	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		urls = append(urls, d.URL)
	}
	return &SubmitOutput{Result: &Result{
		URLs:        urls,
		FinalParams: pricing.Params{Count: len(urls)},
	}}, nil
}

func (p *OpenAI) GetJobStatus(ctx context.Context, taskID string) (*JobStatus, error) {
	return nil, ErrAsyncUnsupported
}
