// Package tgi implements the backend contract for Hugging Face
// text-generation-inference servers and the hosted Inference API.
package tgi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/retry"
)

// DefaultBaseURL is the hosted Hugging Face Inference API
const DefaultBaseURL = "https://api-inference.huggingface.co"

// DefaultModel is the model the client targets when used against the hosted API
const DefaultModel = "mistralai/Mixtral-8x7B-Instruct-v0.1"

// Client implements interfaces.Backend for text-generation-inference
type Client struct {
	BaseURL    string
	Model      string
	Token      string
	HTTPClient *http.Client

	timeout       time.Duration
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// Option represents an option for configuring the client
type Option func(*Client)

// WithBaseURL sets the server URL. A self-hosted server is addressed without a model.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.BaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithModel sets the model. When set, requests go to {base}/models/{model}.
func WithModel(model string) Option {
	return func(c *Client) {
		c.Model = model
	}
}

// WithToken sets the bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		c.Token = token
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTPClient = httpClient
		}
	}
}

// WithTimeout bounds non-streaming requests. Streams are bounded only by ctx.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry configures retry policy for opening requests
func WithRetry(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// NewClient creates a new client
func NewClient(options ...Option) *Client {
	client := &Client{
		BaseURL:    DefaultBaseURL,
		Model:      DefaultModel,
		HTTPClient: &http.Client{},
		logger:     logging.New(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Name implements interfaces.Backend.Name
func (c *Client) Name() string {
	return "tgi"
}

type parameters struct {
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p,omitempty"`
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	DoSample          bool     `json:"do_sample"`
	Seed              int64    `json:"seed"`
	ReturnFullText    bool     `json:"return_full_text"`
	Details           bool     `json:"details,omitempty"`
	Stop              []string `json:"stop,omitempty"`
}

type generateRequest struct {
	Inputs     string     `json:"inputs"`
	Parameters parameters `json:"parameters"`
	Stream     bool       `json:"stream,omitempty"`
}

type streamToken struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
	Special bool    `json:"special"`
}

type streamResponse struct {
	Token         *streamToken `json:"token"`
	GeneratedText *string      `json:"generated_text"`
	Error         string       `json:"error"`
	ErrorType     string       `json:"error_type"`
}

type generateResponse struct {
	GeneratedText string `json:"generated_text"`
	Error         string `json:"error"`
}

func (c *Client) newRequest(prompt string, params llm.GenerateParams, stream bool) generateRequest {
	params = params.Normalize()
	req := generateRequest{
		Inputs: prompt,
		Parameters: parameters{
			Temperature:       params.Temperature,
			MaxNewTokens:      params.MaxNewTokens,
			RepetitionPenalty: params.RepetitionPenalty,
			DoSample:          params.DoSample,
			Seed:              params.Seed,
			ReturnFullText:    false,
			Details:           stream,
			Stop:              params.StopSequences,
		},
		Stream: stream,
	}
	// The server rejects top_p outside (0, 1)
	if params.TopP > 0 && params.TopP < 1 {
		req.Parameters.TopP = params.TopP
	}
	return req
}

func (c *Client) endpoint(stream bool) string {
	if c.Model != "" {
		return fmt.Sprintf("%s/models/%s", c.BaseURL, c.Model)
	}
	if stream {
		return c.BaseURL + "/generate_stream"
	}
	return c.BaseURL + "/generate"
}

// post sends body and returns the response once a 2xx status is seen
func (c *Client) post(ctx context.Context, op string, body generateRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.BackendError{Backend: c.Name(), Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var resp *http.Response
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(body.Stream), bytes.NewReader(reqBody))
		if err != nil {
			return retry.Permanent(&llm.BackendError{Backend: c.Name(), Op: op, Err: fmt.Errorf("failed to create request: %w", err)})
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if body.Stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		if c.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.Token)
		}

		httpResp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			c.logger.Error(ctx, "Error from inference endpoint", map[string]interface{}{
				"error": err.Error(),
				"op":    op,
			})
			return &llm.BackendError{Backend: c.Name(), Op: op, Err: fmt.Errorf("failed to send request: %w", err)}
		}

		if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			_ = httpResp.Body.Close()
			c.logger.Error(ctx, "Unexpected status from inference endpoint", map[string]interface{}{
				"status_code": httpResp.StatusCode,
				"response":    string(respBody),
				"op":          op,
			})
			backendErr := &llm.BackendError{
				Backend:    c.Name(),
				Op:         op,
				StatusCode: httpResp.StatusCode,
				Err:        errors.New(errorMessage(respBody)),
			}
			if isPermanentStatus(httpResp.StatusCode) {
				return retry.Permanent(backendErr)
			}
			return backendErr
		}

		resp = httpResp
		return nil
	}

	if c.retryExecutor != nil {
		c.logger.Debug(ctx, "Using retry mechanism for inference request", map[string]interface{}{"op": op})
		err = c.retryExecutor.Execute(ctx, operation)
	} else {
		err = operation()
	}
	if err != nil {
		var be *llm.BackendError
		if !errors.As(err, &be) {
			err = &llm.BackendError{Backend: c.Name(), Op: op, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// StreamGenerate implements interfaces.Backend.StreamGenerate
func (c *Client) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	req := c.newRequest(prompt, params, true)
	c.logger.Debug(ctx, "Opening generation stream", map[string]interface{}{
		"endpoint":       c.endpoint(true),
		"temperature":    req.Parameters.Temperature,
		"top_p":          req.Parameters.TopP,
		"max_new_tokens": req.Parameters.MaxNewTokens,
		"seed":           req.Parameters.Seed,
	})

	resp, err := c.post(ctx, "stream", req)
	if err != nil {
		return nil, err
	}

	return &tokenStream{
		name:   c.Name(),
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}

// Generate implements interfaces.Backend.Generate
func (c *Client) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, "generate", c.newRequest(prompt, params, false))
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{
				"error": closeErr.Error(),
			})
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &llm.BackendError{Backend: c.Name(), Op: "generate", Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	text, err := parseGenerateResponse(respBody)
	if err != nil {
		return "", &llm.BackendError{Backend: c.Name(), Op: "generate", Err: err}
	}

	c.logger.Debug(ctx, "Successfully received response from inference endpoint", map[string]interface{}{
		"length": len(text),
	})
	return text, nil
}

// parseGenerateResponse accepts both the server's object form and the hosted API's list form
func parseGenerateResponse(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	var responses []generateResponse
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &responses); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		var single generateResponse
		if err := json.Unmarshal(body, &single); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		responses = append(responses, single)
	}

	if len(responses) == 0 {
		return "", errors.New("no generation in response")
	}
	if responses[0].Error != "" {
		return "", errors.New(responses[0].Error)
	}
	return responses[0].GeneratedText, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "empty response body"
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

// tokenStream reads server-sent events from a generate_stream response
type tokenStream struct {
	name   string
	reader *bufio.Reader
	body   io.ReadCloser
	done   bool
}

func (s *tokenStream) Recv() (llm.Token, error) {
	for {
		if s.done {
			return llm.Token{}, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				s.done = true
				return llm.Token{}, io.EOF
			}
			return llm.Token{}, &llm.BackendError{Backend: s.name, Op: "stream", Err: fmt.Errorf("stream read: %w", err)}
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			s.done = true
			return llm.Token{}, io.EOF
		}

		var event streamResponse
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return llm.Token{}, &llm.BackendError{Backend: s.name, Op: "stream", Err: fmt.Errorf("decode stream event: %w", err)}
		}
		if event.Error != "" {
			return llm.Token{}, &llm.BackendError{Backend: s.name, Op: "stream", Err: fmt.Errorf("%s: %s", event.ErrorType, event.Error)}
		}
		// The event carrying generated_text is the last one
		if event.GeneratedText != nil {
			s.done = true
		}
		if event.Token == nil || event.Token.Special {
			continue
		}

		return llm.Token{
			ID:      event.Token.ID,
			Text:    event.Token.Text,
			Logprob: event.Token.Logprob,
			Special: event.Token.Special,
		}, nil
	}
}

func (s *tokenStream) Close() error {
	s.done = true
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

var _ interfaces.Backend = (*Client)(nil)
