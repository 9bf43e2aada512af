package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// OpenAIClient implements Completer against any OpenAI-compatible chat endpoint
type OpenAIClient struct {
	client         *openai.Client
	model          string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewOpenAIClient creates a completion client. An empty base URL targets OpenAI itself.
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.OpenAIModel,
		circuitBreaker: resilience.NewCircuitBreaker(
			"completion",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerReset(),
		).OnResult(observability.BreakerListener()),
		logger: observability.WithComponent("completion"),
	}
}

func (c *OpenAIClient) request(system, user string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Stream: stream,
	}
}

// Complete sends one user utterance and returns the full reply
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	var reply string
	err := c.circuitBreaker.Do(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, c.request(system, user, false))
		if err != nil {
			return fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyCompletion
		}
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
		if reply == "" {
			return ErrEmptyCompletion
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().Str("model", c.model).Int("chars", len([]rune(reply))).Msg("Completion received")
	return reply, nil
}

// Stream opens a streaming completion. Failures after the stream opened are
// reported through TokenStream.Err.
func (c *OpenAIClient) Stream(ctx context.Context, system, user string) (*TokenStream, error) {
	var stream *openai.ChatCompletionStream
	err := c.circuitBreaker.Do(ctx, func(ctx context.Context) error {
		var err error
		stream, err = c.client.CreateChatCompletionStream(ctx, c.request(system, user, true))
		if err != nil {
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewTokenStream(ctx, func(emit func(string) bool) error {
		defer stream.Close()

		fragments := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				c.logger.Debug().Int("fragments", fragments).Msg("Completion stream finished")
				return nil
			}
			if err != nil {
				c.logger.Warn().Err(err).Int("fragments", fragments).Msg("Completion stream ended early")
				return fmt.Errorf("completion stream: %w", err)
			}
			if len(resp.Choices) == 0 {
				continue
			}

			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			fragments++
			if !emit(content) {
				return nil
			}
		}
	}), nil
}
