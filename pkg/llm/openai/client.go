package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/retry"
)

// DefaultModel accepts raw prompts on the completions endpoint
const DefaultModel = openai.GPT3Dot5TurboInstruct

// maxFrequencyPenalty is the upper bound the API accepts
const maxFrequencyPenalty = 2.0

// OpenAIClient implements interfaces.Backend on the legacy completions endpoint,
// which takes a preformatted prompt. It also serves OpenAI-compatible servers.
type OpenAIClient struct {
	Client        *openai.Client
	Model         string
	baseURL       string
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// Option represents an option for configuring the OpenAI client
type Option func(*OpenAIClient)

// WithModel sets the model for the OpenAI client
func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		c.Model = model
	}
}

// WithBaseURL points the client at an OpenAI-compatible server
func WithBaseURL(baseURL string) Option {
	return func(c *OpenAIClient) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger for the OpenAI client
func WithLogger(logger logging.Logger) Option {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// WithRetry configures retry policy for the client
func WithRetry(opts ...retry.Option) Option {
	return func(c *OpenAIClient) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// NewClient creates a new OpenAI client
func NewClient(apiKey string, options ...Option) *OpenAIClient {
	client := &OpenAIClient{
		Model:  DefaultModel,
		logger: logging.New(),
	}

	for _, option := range options {
		option(client)
	}

	config := openai.DefaultConfig(apiKey)
	if client.baseURL != "" {
		config.BaseURL = client.baseURL
	}
	client.Client = openai.NewClientWithConfig(config)

	return client
}

// Name implements interfaces.Backend.Name
func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) newRequest(prompt string, params llm.GenerateParams) openai.CompletionRequest {
	params = params.Normalize()
	seed := int(params.Seed)
	req := openai.CompletionRequest{
		Model:       c.Model,
		Prompt:      prompt,
		MaxTokens:   params.MaxNewTokens,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
		Seed:        &seed,
		Stop:        params.StopSequences,
	}
	// The closest the API has to a repetition penalty
	if params.RepetitionPenalty > 1 {
		penalty := params.RepetitionPenalty - 1
		if penalty > maxFrequencyPenalty {
			penalty = maxFrequencyPenalty
		}
		req.FrequencyPenalty = float32(penalty)
	}
	return req
}

func (c *OpenAIClient) execute(ctx context.Context, op string, operation func() error) error {
	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		c.logger.Error(ctx, "Error from OpenAI API", map[string]interface{}{
			"error": err.Error(),
			"model": c.Model,
			"op":    op,
		})
		backendErr := c.wrapError(op, err)
		if isPermanentStatus(backendErr.StatusCode) {
			return retry.Permanent(backendErr)
		}
		return backendErr
	}

	var err error
	if c.retryExecutor != nil {
		c.logger.Debug(ctx, "Using retry mechanism for OpenAI request", map[string]interface{}{
			"op": op,
		})
		err = c.retryExecutor.Execute(ctx, wrapped)
	} else {
		err = wrapped()
	}
	if err != nil {
		var be *llm.BackendError
		if !errors.As(err, &be) {
			err = c.wrapError(op, err)
		}
	}
	return err
}

func (c *OpenAIClient) wrapError(op string, err error) *llm.BackendError {
	be := &llm.BackendError{Backend: c.Name(), Op: op, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		be.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		be.StatusCode = reqErr.HTTPStatusCode
	}
	return be
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

// StreamGenerate implements interfaces.Backend.StreamGenerate
func (c *OpenAIClient) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	req := c.newRequest(prompt, params)
	c.logger.Debug(ctx, "Opening OpenAI completion stream", map[string]interface{}{
		"model":       c.Model,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"max_tokens":  req.MaxTokens,
	})

	var stream *openai.CompletionStream
	err := c.execute(ctx, "stream", func() error {
		var err error
		stream, err = c.Client.CreateCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &completionStream{client: c, stream: stream}, nil
}

// Generate implements interfaces.Backend.Generate
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	req := c.newRequest(prompt, params)
	c.logger.Debug(ctx, "Sending completion request to OpenAI", map[string]interface{}{
		"model":       c.Model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})

	var resp openai.CompletionResponse
	err := c.execute(ctx, "generate", func() error {
		var err error
		resp, err = c.Client.CreateCompletion(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", &llm.BackendError{Backend: c.Name(), Op: "generate", Err: fmt.Errorf("no completions returned")}
	}

	c.logger.Debug(ctx, "Successfully received response from OpenAI", map[string]interface{}{
		"model":         c.Model,
		"finish_reason": resp.Choices[0].FinishReason,
	})
	return resp.Choices[0].Text, nil
}

type completionStream struct {
	client *OpenAIClient
	stream *openai.CompletionStream
	index  int
}

func (s *completionStream) Recv() (llm.Token, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return llm.Token{}, io.EOF
		}
		if err != nil {
			return llm.Token{}, s.client.wrapError("stream", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		tok := llm.Token{ID: s.index, Text: resp.Choices[0].Text}
		s.index++
		return tok, nil
	}
}

func (s *completionStream) Close() error {
	return s.stream.Close()
}

var _ interfaces.Backend = (*OpenAIClient)(nil)
