package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// OpenAIAnalyzer calls an OpenAI-compatible chat completion endpoint.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	log    logrus.FieldLogger
}

// NewOpenAIAnalyzer builds a client. An empty baseURL uses the OpenAI API.
func NewOpenAIAnalyzer(apiKey, baseURL, model string, log logrus.FieldLogger) (*OpenAIAnalyzer, error) {
	if apiKey == "" {
		return nil, errors.New("analysis.api_key is required for the openai backend")
	}
	if model == "" {
		model = openai.GPT4oMini
		log.Warn("analysis.model not set, defaulting to " + model)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	log.WithField("model", model).Info("Initializing OpenAI analyzer")

	return &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log,
	}, nil
}

func (o *OpenAIAnalyzer) Complete(ctx context.Context, req Request) (string, error) {
	o.log.WithFields(logrus.Fields{"model": o.model, "kind": req.Kind}).Debug("Requesting analysis")

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", &FormatError{Reason: "OpenAI returned no choices"}
	}

	o.log.WithField("finish_reason", resp.Choices[0].FinishReason).Debug("Received analysis")
	return resp.Choices[0].Message.Content, nil
}
