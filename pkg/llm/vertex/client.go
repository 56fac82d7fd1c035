package vertex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
)

// VertexAI model constants
const (
	ModelGemini15Pro   = "gemini-1.5-pro"
	ModelGemini15Flash = "gemini-1.5-flash"
	ModelGemini20Flash = "gemini-2.0-flash"
)

// DefaultModel is the default Vertex AI model
const DefaultModel = ModelGemini15Flash

// DefaultLocation is the default Vertex AI region
const DefaultLocation = "us-central1"

// Client implements interfaces.Backend on Vertex AI Gemini models.
// The formatted prompt is sent as a single text part.
type Client struct {
	client          *genai.Client
	model           string
	projectID       string
	location        string
	maxRetries      int
	retryDelay      time.Duration
	logger          logging.Logger
	credentialsFile string
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithModel sets the model for the client
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithLocation sets the location for the client
func WithLocation(location string) ClientOption {
	return func(c *Client) {
		c.location = location
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithRetryDelay sets the retry delay
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCredentialsFile sets the path to the service account credentials file
func WithCredentialsFile(credentialsFile string) ClientOption {
	return func(c *Client) {
		c.credentialsFile = credentialsFile
	}
}

func newUnconnected(projectID string, options ...ClientOption) *Client {
	client := &Client{
		model:      DefaultModel,
		projectID:  projectID,
		location:   DefaultLocation,
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logging.New(),
	}

	for _, opt := range options {
		opt(client)
	}
	return client
}

// NewClient creates a new Vertex AI client
func NewClient(ctx context.Context, projectID string, options ...ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	client := newUnconnected(projectID, options...)

	var clientOptions []option.ClientOption
	if client.credentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(client.credentialsFile))
	}

	vertexClient, err := genai.NewClient(ctx, projectID, client.location, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	client.client = vertexClient
	return client, nil
}

// Name returns the client name
func (c *Client) Name() string {
	return fmt.Sprintf("vertex:%s", c.model)
}

// applyParams maps generation parameters onto a model config
func applyParams(cfg *genai.GenerationConfig, params llm.GenerateParams) {
	params = params.Normalize()
	cfg.SetTemperature(float32(params.Temperature))
	if params.TopP > 0 {
		cfg.SetTopP(float32(params.TopP))
	}
	if params.MaxNewTokens > 0 {
		cfg.SetMaxOutputTokens(int32(params.MaxNewTokens))
	}
	if len(params.StopSequences) > 0 {
		cfg.StopSequences = params.StopSequences
	}
}

func (c *Client) newModel(params llm.GenerateParams) *genai.GenerativeModel {
	model := c.client.GenerativeModel(c.model)
	applyParams(&model.GenerationConfig, params)
	return model
}

// StreamGenerate implements interfaces.Backend.StreamGenerate.
// The first response is read eagerly so that request errors surface here.
func (c *Client) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	model := c.newModel(params)
	streamCtx, cancel := context.WithCancel(ctx)

	c.logger.Debug(ctx, "Opening Vertex AI content stream", map[string]interface{}{
		"model":    c.model,
		"location": c.location,
	})

	var it *genai.GenerateContentResponseIterator
	var first *genai.GenerateContentResponse
	done := false
	err := c.withRetry(streamCtx, func() error {
		it = model.GenerateContentStream(streamCtx, genai.Text(prompt))
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			done = true
			return nil
		}
		if err != nil {
			return classify(err)
		}
		first = resp
		return nil
	})
	if err != nil {
		cancel()
		c.logger.Error(ctx, "Error from Vertex AI", map[string]interface{}{
			"error": err.Error(),
			"model": c.model,
		})
		return nil, c.wrapError("stream", err)
	}

	return &contentStream{
		client:  c,
		it:      it,
		pending: first,
		done:    done,
		cancel:  cancel,
	}, nil
}

// Generate implements interfaces.Backend.Generate
func (c *Client) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	model := c.newModel(params)

	var response *genai.GenerateContentResponse
	err := c.withRetry(ctx, func() error {
		var genErr error
		response, genErr = model.GenerateContent(ctx, genai.Text(prompt))
		return classify(genErr)
	})
	if err != nil {
		c.logger.Error(ctx, "Error from Vertex AI", map[string]interface{}{
			"error": err.Error(),
			"model": c.model,
		})
		return "", c.wrapError("generate", err)
	}

	if response == nil || len(response.Candidates) == 0 {
		return "", c.wrapError("generate", fmt.Errorf("no candidates in response"))
	}
	return responseText(response), nil
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if p, ok := part.(genai.Text); ok {
			text.WriteString(string(p))
		}
	}
	return text.String()
}

// classify marks errors that a retry cannot fix
func classify(err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition:
			return backoff.Permanent(err)
		}
	}
	return err
}

func (c *Client) wrapError(op string, err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return &llm.BackendError{Backend: c.Name(), Op: op, Err: err}
}

// withRetry executes the given function with retry logic
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = c.retryDelay
	exponentialBackoff.MaxElapsedTime = 0

	var b backoff.BackOff = exponentialBackoff
	if c.maxRetries >= 0 {
		b = backoff.WithMaxRetries(exponentialBackoff, uint64(c.maxRetries))
	}
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

// Close closes the Vertex AI client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

type contentStream struct {
	client  *Client
	it      *genai.GenerateContentResponseIterator
	pending *genai.GenerateContentResponse
	done    bool
	cancel  context.CancelFunc
	index   int
}

func (s *contentStream) Recv() (llm.Token, error) {
	for {
		if s.done {
			return llm.Token{}, io.EOF
		}

		resp := s.pending
		s.pending = nil
		if resp == nil {
			var err error
			resp, err = s.it.Next()
			if errors.Is(err, iterator.Done) {
				s.done = true
				return llm.Token{}, io.EOF
			}
			if err != nil {
				return llm.Token{}, s.client.wrapError("stream", err)
			}
		}

		text := responseText(resp)
		if text == "" {
			continue
		}
		tok := llm.Token{ID: s.index, Text: text}
		s.index++
		return tok, nil
	}
}

func (s *contentStream) Close() error {
	s.done = true
	s.cancel()
	return nil
}

var _ interfaces.Backend = (*Client)(nil)
