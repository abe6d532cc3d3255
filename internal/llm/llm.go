package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/model"
)

// FallbackReply is used when the model answers a turn with no text.
const FallbackReply = "Lo siento, no sé qué responder ahora mismo."

const defaultMaxTokens = 200

var (
	// ErrEmptyResponse is returned when the model produced no content.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrMalformedResponse is returned when the model content is not the requested JSON.
	ErrMalformedResponse = errors.New("malformed model response")
)

// Pricing holds per-million-token prices in EUR. Zero prices yield zero cost.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the price of a completion.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1e6*p.InputPerMTok + float64(completionTokens)/1e6*p.OutputPerMTok
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	CasesModel string
	MaxTokens  int
	Pricing    Pricing
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api        *openai.Client
	chatModel  string
	casesModel string
	maxTokens  int
	pricing    Pricing
	tracer     trace.Tracer
}

// New creates a new LLM client.
func New(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.CasesModel == "" {
		cfg.CasesModel = cfg.ChatModel
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		chatModel:  cfg.ChatModel,
		casesModel: cfg.CasesModel,
		maxTokens:  cfg.MaxTokens,
		pricing:    cfg.Pricing,
		tracer:     otel.Tracer("github.com/spfa-lab/patientsim/internal/llm"),
	}
}

// Ping checks that the API is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM API check: %w", err)
	}
	return nil
}

// PatientReply sends the persona instruction followed by the transcript and
// returns the patient's next utterance with its token usage and cost.
func (c *Client) PatientReply(ctx context.Context, system string, history []model.Message) (string, model.Usage, error) {
	ctx, span := c.tracer.Start(ctx, "llm.patient_reply", trace.WithAttributes(
		attribute.String("llm.model", c.chatModel),
		attribute.Int("llm.history_len", len(history)),
	))
	defer span.End()

	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RolePatient {
			role = openai.ChatMessageRoleAssistant
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.chatModel,
		Messages:  chatMsgs,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", model.Usage{}, fmt.Errorf("LLM API call: %w", err)
	}

	usage := model.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	usage.CostEUR = c.pricing.Cost(usage.PromptTokens, usage.CompletionTokens)
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
	)

	reply := ""
	if len(resp.Choices) > 0 {
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if reply == "" {
		slog.Warn("LLM returned an empty patient reply", "model", c.chatModel)
		reply = FallbackReply
	}
	return reply, usage, nil
}

// GenerateCaseDraft asks the model for a complete case in strict JSON.
func (c *Client) GenerateCaseDraft(ctx context.Context, req prompts.CaseRequest) (*model.CaseProposal, error) {
	ctx, span := c.tracer.Start(ctx, "llm.generate_case", trace.WithAttributes(
		attribute.String("llm.model", c.casesModel),
		attribute.String("case.service_type", req.ServiceType),
		attribute.Int("case.difficulty", req.Difficulty),
	))
	defer span.End()

	systemPrompt, err := prompts.CaseSystemPrompt()
	if err != nil {
		return nil, err
	}
	userPrompt, err := prompts.BuildCasePrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.casesModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return nil, fmt.Errorf("LLM case generation call: %w", err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		span.SetStatus(codes.Error, "empty response")
		return nil, ErrEmptyResponse
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM case draft", "raw", raw)

	var draft model.CaseProposal
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		span.SetStatus(codes.Error, "malformed response")
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(draft.Title) == "" {
		span.SetStatus(codes.Error, "malformed response")
		return nil, fmt.Errorf("%w: missing title", ErrMalformedResponse)
	}
	return &draft, nil
}
