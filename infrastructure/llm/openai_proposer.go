package llm

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	pkgerrors "qualia-backend/pkg/errors"
)

// OpenAIProposer asks an OpenAI chat model for graph edit batches. All
// calls go through a circuit breaker so a degraded upstream fails fast
// instead of tying up integration workers.
type OpenAIProposer struct {
	client   *openai.Client
	model    string
	logger   *zap.Logger
	breaker  *gobreaker.CircuitBreaker
	validate *validator.Validate
	encoding *tiktoken.Tiktoken
}

func NewOpenAIProposer(apiKey, model string, logger *zap.Logger) (*OpenAIProposer, error) {
	if apiKey == "" {
		return nil, pkgerrors.NewValidationError("openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// unknown model names fall back to the current default encoding
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "loading tokenizer encoding")
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-proposer",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Proposer circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &OpenAIProposer{
		client:   openai.NewClient(apiKey),
		model:    model,
		logger:   logger,
		breaker:  breaker,
		validate: validator.New(),
		encoding: encoding,
	}, nil
}

func (p *OpenAIProposer) Propose(ctx context.Context, req ports.ProposalRequest) (*ports.Proposal, error) {
	request := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.client.CreateChatCompletion(ctx, request)
	})
	if err != nil {
		return nil, pkgerrors.NewExternalError("proposal request failed", err)
	}

	response := result.(openai.ChatCompletionResponse)
	if len(response.Choices) == 0 {
		return nil, pkgerrors.NewExternalError("model returned no choices", nil)
	}

	p.logger.Debug("Received proposal",
		zap.String("entity_id", req.EntityID),
		zap.String("finish_reason", string(response.Choices[0].FinishReason)),
		zap.Int("completion_tokens", response.Usage.CompletionTokens))

	return parseProposal(response.Choices[0].Message.Content, p.validate)
}

// CountTokens measures text with the model's own tokenizer, locally.
func (p *OpenAIProposer) CountTokens(ctx context.Context, text string) (int, error) {
	return len(p.encoding.Encode(text, nil, nil)), nil
}
