// Package genai provides the AI analysis collaborator. It rewrites an
// intervention message in the user's tone and scores burnout risk using the
// OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/tone"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the analysis client.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 200
)

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMalformedAnalysis is returned when the reply is not the expected JSON object.
	ErrMalformedAnalysis = errors.New("malformed analysis response")
)

const analysisSystemPrompt = `You help a burnout-prevention assistant phrase short break reminders.
You receive a draft reminder and context as JSON. Reply with a single JSON object:
{"message": "<the reminder, at most 200 characters>", "risk_score": <burnout risk between 0 and 1>}
Keep every fact from the draft (times, event titles). Do not add new facts. Reply with JSON only.
`

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds client configuration.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the API key; OPENAI_API_KEY is used otherwise.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
}

var _ engine.Analyzer = (*Client)(nil)

// NewClient creates a client. The API key comes from WithAPIKey or the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{chat: &cli.Chat.Completions, model: o.Model, temperature: o.Temperature, maxTokens: o.MaxTokens}, nil
}

// GeneratePromptWithContext returns the completion for a system and a user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

type analysisInput struct {
	Draft       string            `json:"draft"`
	RuleName    string            `json:"rule_name,omitempty"`
	StressScore float64           `json:"stress_score,omitempty"`
	Variables   map[string]string `json:"context,omitempty"`
}

type analysisReply struct {
	Message   string   `json:"message"`
	RiskScore *float64 `json:"risk_score"`
}

// Analyze implements engine.Analyzer.
func (c *Client) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	system := analysisSystemPrompt + tone.BuildToneGuide(tone.Parse(req.Tone))
	input, err := json.Marshal(analysisInput{
		Draft:       req.Message,
		RuleName:    req.RuleName,
		StressScore: req.StressScore,
		Variables:   req.Variables,
	})
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("encode analysis input: %w", err)
	}

	text, err := c.GeneratePromptWithContext(ctx, system, string(input))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("analysis for rule %s: %w", req.RuleID, err)
	}
	result, err := parseAnalysis(text)
	if err != nil {
		slog.Debug("Client.Analyze: unparseable reply", "user_id", req.UserID, "rule_id", req.RuleID, "reply", text)
		return models.AnalysisResult{}, err
	}
	return result, nil
}

// parseAnalysis extracts the JSON object from a reply, tolerating code fences
// and surrounding prose.
func parseAnalysis(text string) (models.AnalysisResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return models.AnalysisResult{}, ErrMalformedAnalysis
	}
	var reply analysisReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}
	if reply.RiskScore != nil {
		r := *reply.RiskScore
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		reply.RiskScore = &r
	}
	return models.AnalysisResult{Message: strings.TrimSpace(reply.Message), RiskScore: reply.RiskScore}, nil
}
