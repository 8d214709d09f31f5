// Package api adapts the Anthropic Messages API into relay's agent.Runner.
package api

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Client wraps the Anthropic SDK client with token tracking.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	tracker   *TokenTracker
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the Claude model to use (e.g., anthropic.ModelClaudeSonnet4_20250514).
	Model anthropic.Model
	// MaxTokens caps each response. Zero means 8192.
	MaxTokens int64
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// MaxRetries is the SDK's own retry count. ReliableRunner does the
	// retrying in relay, so this defaults to zero.
	MaxRetries int
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
